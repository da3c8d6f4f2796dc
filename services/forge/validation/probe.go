// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// ProbeSpec describes a boot-health probe.
type ProbeSpec struct {
	Dir     string
	Command []string
	Env     []string

	// HealthPath is requested over HTTP once the port accepts connections.
	// Empty means TCP reachability alone counts as healthy.
	HealthPath string

	Timeout time.Duration
}

// Prober boots an application on a free local port and polls it.
type Prober struct {
	runner   *Runner
	interval time.Duration
	client   *http.Client
}

// NewProber creates a Prober polling every interval.
func NewProber(runner *Runner, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Prober{
		runner:   runner,
		interval: interval,
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Probe boots spec.Command and waits for it to become reachable.
//
// # Description
//
// A free port is allocated and passed through the PORT environment
// variable. The port is polled at a fixed rate until it accepts a TCP
// connection, the process exits, or the timeout elapses. With a health
// path, the endpoint is then polled until it answers 2xx/3xx. The process
// group is always stopped before returning.
//
// # Outputs
//
//   - *datatypes.RuntimeResult: Never nil. Booted and Healthy report the
//     probe outcome; Logs holds the tail of the process output.
func (p *Prober) Probe(ctx context.Context, spec ProbeSpec) *datatypes.RuntimeResult {
	start := time.Now()
	res := &datatypes.RuntimeResult{HealthPath: spec.HealthPath}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	port, err := freePort()
	if err != nil {
		res.Error = fmt.Sprintf("allocating port: %v", err)
		return res
	}
	res.Port = port

	env := append(append([]string(nil), spec.Env...), "PORT="+strconv.Itoa(port))
	proc, err := p.runner.Start(CommandSpec{Dir: spec.Dir, Argv: spec.Command, Env: env})
	if err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		return res
	}
	defer func() {
		proc.Stop()
		res.Logs = proc.Output()
		res.Duration = time.Since(start)
		if res.ExitCode == nil && !res.Booted {
			if code := proc.ExitCode(); code >= 0 {
				res.ExitCode = &code
			}
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	for !res.Booted {
		if err := limiter.Wait(probeCtx); err != nil {
			p.fail(res, ctx, timeout, "did not accept connections")
			return res
		}
		if proc.Exited() {
			code := proc.ExitCode()
			res.ExitCode = &code
			res.Error = fmt.Sprintf("process exited with code %d before accepting connections", code)
			return res
		}
		conn, err := net.DialTimeout("tcp", addr, p.interval)
		if err == nil {
			conn.Close()
			res.Booted = true
		}
	}

	if spec.HealthPath == "" {
		res.Healthy = true
		return res
	}
	url := "http://" + addr + "/" + strings.TrimPrefix(spec.HealthPath, "/")
	lastStatus := ""
	for {
		if err := limiter.Wait(probeCtx); err != nil {
			p.fail(res, ctx, timeout, "health check never succeeded"+lastStatus)
			return res
		}
		if proc.Exited() {
			res.Error = "process exited during health check"
			return res
		}
		status, err := p.get(probeCtx, url)
		if err == nil && status >= 200 && status < 400 {
			res.Healthy = true
			return res
		}
		if err == nil {
			lastStatus = fmt.Sprintf(" (last status %d)", status)
		}
	}
}

func (p *Prober) fail(res *datatypes.RuntimeResult, parent context.Context, timeout time.Duration, what string) {
	if parent.Err() != nil {
		res.Error = fmt.Sprintf("probe canceled: %v", parent.Err())
		return
	}
	res.TimedOut = true
	res.Error = fmt.Sprintf("%s within %s", what, timeout)
}

func (p *Prober) get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// freePort asks the kernel for an unused local TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("listener address is not TCP")
	}
	return addr.Port, nil
}
