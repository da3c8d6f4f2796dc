// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config builds the single configuration object that every forge
// component receives by reference.
//
// Sources are layered, later ones winning:
//
//	embedded defaults.yaml → config file (YAML) → .env file → FORGE_* environment
//
// The result is validated once; components never read the environment
// themselves.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// MaxConfigFileSize bounds the YAML file size accepted by Load.
const MaxConfigFileSize = 1024 * 1024

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidConfig is returned when the merged configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Execution    datatypes.ExecutionConfig `yaml:"execution"`
	Lock         LockConfig                `yaml:"lock"`
	FileSession  FileSessionConfig         `yaml:"file_session"`
	Architecture ArchitectureConfig        `yaml:"architecture"`
	Heavy        HeavyConfig               `yaml:"heavy"`
	Guardrail    GuardrailConfig           `yaml:"guardrail"`
	VCS          VCSConfig                 `yaml:"vcs"`
	Store        StoreConfig               `yaml:"store"`
	Logging      LoggingConfig             `yaml:"logging"`
}

// LockConfig controls run lock acquisition and refresh.
type LockConfig struct {
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`
}

// FileSessionConfig caps what one step may stage.
type FileSessionConfig struct {
	MaxFiles      int `yaml:"max_files" validate:"gt=0"`
	MaxFileBytes  int `yaml:"max_file_bytes" validate:"gt=0"`
	MaxTotalBytes int `yaml:"max_total_bytes" validate:"gt=0"`
	PreviewBytes  int `yaml:"preview_bytes" validate:"gte=0"`
}

// ArchitectureConfig describes the target project's conventions.
type ArchitectureConfig struct {
	SourceRoot        string   `yaml:"source_root" validate:"required"`
	ModulesDir        string   `yaml:"modules_dir" validate:"required"`
	MigrationsDir     string   `yaml:"migrations_dir"`
	RequiredFiles     []string `yaml:"required_files"`
	IgnoreDirs        []string `yaml:"ignore_dirs"`
	DataAccessClients []string `yaml:"data_access_clients"`
	WebFrameworks     []string `yaml:"web_frameworks"`
	RequestTypeNames  []string `yaml:"request_type_names"`
	ParseConcurrency  int      `yaml:"parse_concurrency" validate:"gte=0"`
	MaxFileBytes      int64    `yaml:"max_file_bytes" validate:"gt=0"`
}

// HeavyConfig describes the subprocess checks of heavy validation.
type HeavyConfig struct {
	InstallCommand   []string      `yaml:"install_command"`
	TypecheckCommand []string      `yaml:"typecheck_command"`
	TestCommand      []string      `yaml:"test_command"`
	BootCommand      []string      `yaml:"boot_command"`
	BootHealthPath   string        `yaml:"boot_health_path"`
	NonBlocking      []string      `yaml:"non_blocking" validate:"dive,oneof=light install typecheck test boot"`
	SkipInstall      bool          `yaml:"skip_install"`
	SkipTypecheck    bool          `yaml:"skip_typecheck"`
	SkipTests        bool          `yaml:"skip_tests"`
	SkipBoot         bool          `yaml:"skip_boot"`
	CommandTimeout   time.Duration `yaml:"command_timeout" validate:"gt=0"`
	BootTimeout      time.Duration `yaml:"boot_timeout" validate:"gt=0"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gt=0"`
	KillGrace        time.Duration `yaml:"kill_grace" validate:"gt=0"`
	OutputTailBytes  int           `yaml:"output_tail_bytes" validate:"gt=0"`
}

// GuardrailConfig holds the empirically tuned escalation thresholds. They
// are defaults, not known optima.
type GuardrailConfig struct {
	ImportWindow            int     `yaml:"import_window" validate:"gt=0"`
	ImportMinAttempts       int     `yaml:"import_min_attempts" validate:"gt=0"`
	RegressionRateThreshold float64 `yaml:"regression_rate_threshold" validate:"gte=0,lte=1"`
	StallWindow             int     `yaml:"stall_window" validate:"gt=0"`
	SessionStallThreshold   int     `yaml:"session_stall_threshold" validate:"gt=0"`
	RunStallThreshold       int     `yaml:"run_stall_threshold" validate:"gt=0"`
	ArchitectureDominance   float64 `yaml:"architecture_dominance" validate:"gt=0,lte=1"`
	MicroTargetMaxFiles     int     `yaml:"micro_target_max_files" validate:"gt=0"`
}

// VCSConfig controls worktree placement and git invocation.
type VCSConfig struct {
	BranchPrefix string        `yaml:"branch_prefix" validate:"required"`
	WorktreeRoot string        `yaml:"worktree_root"`
	GitTimeout   time.Duration `yaml:"git_timeout" validate:"gt=0"`
}

// StoreConfig locates the persistent stores.
type StoreConfig struct {
	Dir           string `yaml:"dir"`
	InMemory      bool   `yaml:"in_memory"`
	TelemetryFile string `yaml:"telemetry_file"`
	SyncWrites    bool   `yaml:"sync_writes"`

	// CancelDir holds cancellation markers written by processes that
	// cannot open the store while a worker holds it.
	CancelDir string `yaml:"cancel_dir"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Default returns the embedded defaults.
//
// # Outputs
//
//   - *Config: A fully populated configuration. Panics only if the embedded
//     defaults are malformed, which is a build defect.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic(fmt.Sprintf("embedded defaults.yaml: %v", err))
	}
	return cfg
}

// Options selects the optional sources for Load.
type Options struct {
	// File is a YAML config file. Empty means defaults only.
	File string

	// EnvFile is a dotenv file loaded before environment overrides. A
	// missing file is not an error.
	EnvFile string

	// LookupEnv resolves environment variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds and validates the configuration.
//
// # Description
//
// Starts from Default(), overlays the YAML file, then the dotenv file and
// finally FORGE_* environment variables. The merged result is validated.
//
// # Inputs
//
//   - opts: Optional sources.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: File read/parse errors, or ErrInvalidConfig (wrapped).
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		info, err := os.Stat(opts.File)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if info.Size() > MaxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", opts.File, MaxConfigFileSize)
		}
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", opts.File, err)
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading env file: %w", err)
		}
		base := lookup
		lookup = func(key string) (string, bool) {
			if v, ok := base(key); ok {
				return v, true
			}
			v, ok := values[key]
			return v, ok
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// applyEnv overlays the supported FORGE_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	mode := func(key string, dst *datatypes.ValidationMode) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = datatypes.ValidationMode(strings.ToLower(v))
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}
	float := func(key string, dst *float64) error {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
		return nil
	}
	words := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.Fields(v)
		}
	}

	mode("FORGE_LIGHT_VALIDATION", &cfg.Execution.LightValidation)
	mode("FORGE_HEAVY_VALIDATION", &cfg.Execution.HeavyValidation)
	mode("FORGE_CONVERGENCE", &cfg.Execution.Convergence)
	str("FORGE_STORE_DIR", &cfg.Store.Dir)
	str("FORGE_CANCEL_DIR", &cfg.Store.CancelDir)
	str("FORGE_WORKTREE_ROOT", &cfg.VCS.WorktreeRoot)
	str("FORGE_LOG_LEVEL", &cfg.Logging.Level)
	str("FORGE_LOG_DIR", &cfg.Logging.Dir)
	words("FORGE_BOOT_COMMAND", &cfg.Heavy.BootCommand)
	words("FORGE_TEST_COMMAND", &cfg.Heavy.TestCommand)

	for key, dst := range map[string]*int{
		"FORGE_MAX_RUNTIME_CORRECTIONS":          &cfg.Execution.MaxRuntimeCorrectionAttempts,
		"FORGE_MAX_HEAVY_CORRECTIONS":            &cfg.Execution.MaxHeavyCorrectionAttempts,
		"FORGE_GUARDRAIL_IMPORT_WINDOW":          &cfg.Guardrail.ImportWindow,
		"FORGE_GUARDRAIL_IMPORT_MIN_ATTEMPTS":    &cfg.Guardrail.ImportMinAttempts,
		"FORGE_GUARDRAIL_STALL_WINDOW":           &cfg.Guardrail.StallWindow,
		"FORGE_GUARDRAIL_SESSION_STALL":          &cfg.Guardrail.SessionStallThreshold,
		"FORGE_GUARDRAIL_RUN_STALL":              &cfg.Guardrail.RunStallThreshold,
		"FORGE_GUARDRAIL_MICRO_TARGET_MAX_FILES": &cfg.Guardrail.MicroTargetMaxFiles,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*float64{
		"FORGE_GUARDRAIL_REGRESSION_RATE":        &cfg.Guardrail.RegressionRateThreshold,
		"FORGE_GUARDRAIL_ARCHITECTURE_DOMINANCE": &cfg.Guardrail.ArchitectureDominance,
	} {
		if err := float(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"FORGE_LOCK_TTL":     &cfg.Lock.TTL,
		"FORGE_BOOT_TIMEOUT": &cfg.Heavy.BootTimeout,
	} {
		if err := duration(key, dst); err != nil {
			return err
		}
	}
	return nil
}
