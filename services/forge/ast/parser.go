// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast extracts the import graph and rule-relevant facts from
// TypeScript and JavaScript sources using tree-sitter.
//
// Parsing is synchronous per file. Callers parallelize across files.
package ast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const (
	// DefaultMaxFileSize is the largest file Parse accepts.
	DefaultMaxFileSize int64 = 1024 * 1024

	// WarnFileSize triggers a warning log for large inputs.
	WarnFileSize = 256 * 1024
)

var (
	// ErrFileTooLarge is returned when content exceeds the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent is returned for non-UTF-8 content.
	ErrInvalidContent = errors.New("invalid content")

	// ErrUnsupportedFile is returned for extensions no grammar handles.
	ErrUnsupportedFile = errors.New("unsupported file type")
)

// ImportKind distinguishes the syntactic forms that create a dependency.
type ImportKind string

const (
	ImportStatic   ImportKind = "import"
	ImportReexport ImportKind = "reexport"
	ImportRequire  ImportKind = "require"
	ImportDynamic  ImportKind = "dynamic"
)

// Import is one module dependency of a file.
type Import struct {
	Specifier string     `json:"specifier"`
	Kind      ImportKind `json:"kind"`
	Names     []string   `json:"names,omitempty"`
	Default   bool       `json:"default,omitempty"`
	Namespace bool       `json:"namespace,omitempty"`
	TypeOnly  bool       `json:"type_only,omitempty"`
	Line      int        `json:"line"`
}

// Site is a source location with the matched name.
type Site struct {
	Name string `json:"name"`
	Line int    `json:"line"`
}

// FileFacts is everything the rule engine needs from one file.
type FileFacts struct {
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Hash     string   `json:"hash"`
	Imports  []Import `json:"imports"`
	Exports  []string `json:"exports,omitempty"`

	// ErrorConstructions are `new Error(...)` sites.
	ErrorConstructions []Site `json:"error_constructions,omitempty"`

	// DynamicEvals are eval(...) and new Function(...) sites.
	DynamicEvals []Site `json:"dynamic_evals,omitempty"`

	// SecretLiterals are string literals assigned to secret-looking names
	// or matching well-known credential formats.
	SecretLiterals []Site `json:"secret_literals,omitempty"`

	HasSyntaxErrors bool `json:"has_syntax_errors"`
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxFileSize sets the maximum accepted file size.
func WithMaxFileSize(bytes int64) Option {
	return func(p *Parser) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// Parser extracts FileFacts. It is safe for concurrent use: every call
// creates its own tree-sitter parser.
type Parser struct {
	maxFileSize int64
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Supported reports whether a grammar exists for the file. Declaration
// files are excluded.
func Supported(filePath string) bool {
	return languageFor(filePath) != ""
}

func languageFor(filePath string) string {
	if strings.HasSuffix(filePath, ".d.ts") || strings.HasSuffix(filePath, ".d.mts") || strings.HasSuffix(filePath, ".d.cts") {
		return ""
	}
	switch path.Ext(filePath) {
	case ".ts", ".mts", ".cts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	default:
		return ""
	}
}

// Parse extracts facts from one file.
//
// # Description
//
// The tree is walked completely, so nested require() and import() calls
// are found. Parsing is error tolerant: files with syntax errors still
// yield partial facts with HasSyntaxErrors set.
//
// # Inputs
//
//   - ctx: Checked before and after parsing. Tree-sitter itself honours
//     cancellation through ParseCtx.
//   - content: Source bytes. Must be UTF-8.
//   - filePath: Slash-separated path relative to the project root.
//
// # Outputs
//
//   - *FileFacts: Never nil on success.
//   - error: ErrUnsupportedFile, ErrFileTooLarge, ErrInvalidContent, or a
//     context error.
func (p *Parser) Parse(ctx context.Context, content []byte, filePath string) (*FileFacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled before start: %w", err)
	}
	lang := languageFor(filePath)
	if lang == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filePath)
	}
	if int64(len(content)) > p.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), p.maxFileSize)
	}
	if len(content) > WarnFileSize {
		slog.Warn("parsing large file", slog.String("file", filePath), slog.Int("size_bytes", len(content)))
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, filePath)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	switch lang {
	case "tsx":
		parser.SetLanguage(tsx.GetLanguage())
	case "javascript":
		parser.SetLanguage(javascript.GetLanguage())
	default:
		parser.SetLanguage(typescript.GetLanguage())
	}

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	sum := sha256.Sum256(content)
	facts := &FileFacts{
		Path:     filePath,
		Language: lang,
		Hash:     hex.EncodeToString(sum[:]),
		Imports:  make([]Import, 0),
	}
	root := tree.RootNode()
	if root == nil {
		return facts, nil
	}
	facts.HasSyntaxErrors = root.HasError()

	w := &walker{content: content, facts: facts}
	w.walk(root)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("parse canceled after extraction: %w", err)
	}
	return facts, nil
}

type walker struct {
	content []byte
	facts   *FileFacts
}

func (w *walker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (w *walker) walk(n *sitter.Node) {
	switch n.Type() {
	case "import_statement":
		w.importStatement(n)
	case "export_statement":
		w.exportStatement(n)
	case "call_expression":
		w.callExpression(n)
	case "new_expression":
		w.newExpression(n)
	case "variable_declarator", "public_field_definition", "pair", "assignment_expression":
		w.secretAssignment(n)
	case "string":
		if s := w.stringContent(n); looksLikeCredential(s) {
			w.facts.SecretLiterals = append(w.facts.SecretLiterals, Site{Name: "literal", Line: line(n)})
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
}

func (w *walker) importStatement(n *sitter.Node) {
	imp := Import{Kind: ImportStatic, Line: line(n)}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		switch c.Type() {
		case "type":
			imp.TypeOnly = true
		case "import_clause":
			w.importClause(c, &imp)
		case "import_require_clause":
			imp.Kind = ImportRequire
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if gc := c.NamedChild(j); gc.Type() == "string" {
					imp.Specifier = w.stringContent(gc)
				}
			}
		case "string":
			imp.Specifier = w.stringContent(c)
		}
	}
	if imp.Specifier != "" {
		w.facts.Imports = append(w.facts.Imports, imp)
	}
}

func (w *walker) importClause(n *sitter.Node, imp *Import) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "identifier":
			imp.Default = true
		case "namespace_import":
			imp.Namespace = true
		case "named_imports":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				spec := c.NamedChild(j)
				if spec.Type() != "import_specifier" {
					continue
				}
				if name := spec.ChildByFieldName("name"); name != nil {
					imp.Names = append(imp.Names, w.text(name))
				}
			}
		}
	}
}

func (w *walker) exportStatement(n *sitter.Node) {
	if src := n.ChildByFieldName("source"); src != nil {
		imp := Import{Kind: ImportReexport, Specifier: w.stringContent(src), Line: line(n)}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() != "export_clause" {
				continue
			}
			for j := 0; j < int(c.NamedChildCount()); j++ {
				spec := c.NamedChild(j)
				if name := spec.ChildByFieldName("name"); name != nil {
					imp.Names = append(imp.Names, w.text(name))
				}
			}
		}
		if imp.Specifier != "" {
			w.facts.Imports = append(w.facts.Imports, imp)
		}
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		if n.Child(i).Type() == "default" {
			w.facts.Exports = append(w.facts.Exports, "default")
			return
		}
	}

	if decl := n.ChildByFieldName("declaration"); decl != nil {
		switch decl.Type() {
		case "lexical_declaration", "variable_declaration":
			for j := 0; j < int(decl.NamedChildCount()); j++ {
				d := decl.NamedChild(j)
				if d.Type() != "variable_declarator" {
					continue
				}
				if name := d.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
					w.facts.Exports = append(w.facts.Exports, w.text(name))
				}
			}
		default:
			if name := decl.ChildByFieldName("name"); name != nil {
				w.facts.Exports = append(w.facts.Exports, w.text(name))
			}
		}
		return
	}

	if n.ChildByFieldName("source") != nil {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "export_clause" {
			continue
		}
		for j := 0; j < int(c.NamedChildCount()); j++ {
			spec := c.NamedChild(j)
			name := spec.ChildByFieldName("alias")
			if name == nil {
				name = spec.ChildByFieldName("name")
			}
			if name != nil {
				w.facts.Exports = append(w.facts.Exports, w.text(name))
			}
		}
	}
}

func (w *walker) callExpression(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	switch {
	case fn.Type() == "import":
		if spec := w.firstStringArg(n); spec != "" {
			w.facts.Imports = append(w.facts.Imports, Import{Kind: ImportDynamic, Specifier: spec, Line: line(n)})
		}
	case fn.Type() == "identifier" && w.text(fn) == "require":
		if spec := w.firstStringArg(n); spec != "" {
			w.facts.Imports = append(w.facts.Imports, Import{Kind: ImportRequire, Specifier: spec, Line: line(n)})
		}
	case fn.Type() == "identifier" && w.text(fn) == "eval":
		w.facts.DynamicEvals = append(w.facts.DynamicEvals, Site{Name: "eval", Line: line(n)})
	}
}

func (w *walker) newExpression(n *sitter.Node) {
	ctor := n.ChildByFieldName("constructor")
	if ctor == nil || ctor.Type() != "identifier" {
		return
	}
	switch w.text(ctor) {
	case "Error":
		w.facts.ErrorConstructions = append(w.facts.ErrorConstructions, Site{Name: "Error", Line: line(n)})
	case "Function":
		w.facts.DynamicEvals = append(w.facts.DynamicEvals, Site{Name: "Function", Line: line(n)})
	}
}

// secretNamePattern matches identifiers that conventionally hold secrets.
var secretNamePattern = regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?key|private[_-]?key|auth[_-]?token|client[_-]?secret)$`)

// credentialPatterns match well-known credential formats.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),
	regexp.MustCompile(`^gh[pousr]_[A-Za-z0-9]{36,}$`),
	regexp.MustCompile(`^sk_live_[A-Za-z0-9]{16,}$`),
	regexp.MustCompile(`^xox[baprs]-[A-Za-z0-9-]{10,}$`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

func looksLikeCredential(s string) bool {
	for _, re := range credentialPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func (w *walker) secretAssignment(n *sitter.Node) {
	var nameNode, valueNode *sitter.Node
	switch n.Type() {
	case "variable_declarator", "public_field_definition":
		nameNode, valueNode = n.ChildByFieldName("name"), n.ChildByFieldName("value")
	case "pair":
		nameNode, valueNode = n.ChildByFieldName("key"), n.ChildByFieldName("value")
	case "assignment_expression":
		nameNode, valueNode = n.ChildByFieldName("left"), n.ChildByFieldName("right")
		if nameNode != nil && nameNode.Type() == "member_expression" {
			nameNode = nameNode.ChildByFieldName("property")
		}
	}
	if nameNode == nil || valueNode == nil || valueNode.Type() != "string" {
		return
	}
	name := strings.Trim(w.text(nameNode), `"'`)
	value := w.stringContent(valueNode)
	if len(value) < 8 || !secretNamePattern.MatchString(name) || looksLikeCredential(value) {
		// Credential-format literals are reported by the string visitor.
		return
	}
	w.facts.SecretLiterals = append(w.facts.SecretLiterals, Site{Name: name, Line: line(n)})
}

func (w *walker) firstStringArg(call *sitter.Node) string {
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return ""
	}
	first := args.NamedChild(0)
	if first.Type() != "string" {
		return ""
	}
	return w.stringContent(first)
}

func (w *walker) stringContent(n *sitter.Node) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "string_fragment" {
			return w.text(c)
		}
	}
	return strings.Trim(w.text(n), "\"'`")
}
