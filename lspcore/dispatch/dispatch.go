package dispatch

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/lspcore/document"
	"github.com/quillsys/lspgate/lspcore/pool"
	"github.com/quillsys/lspgate/lspcore/project"
)

// DefaultToolCallTimeout is the 30-second budget for one dispatcher
// operation against the LSP server. The Dispatcher methods do not apply
// it: each LSP request runs under the caller's context and ends only when
// that context does.
const DefaultToolCallTimeout = 30 * time.Second

// DiagnosticPollInterval and DiagnosticPollBudget bound how long
// Diagnostics waits for the server's push diagnostics to land in the
// cache before falling back to (or simply returning) whatever is there.
const (
	DiagnosticPollInterval = 200 * time.Millisecond
	DiagnosticPollBudget   = 2 * time.Second
)

// DefaultCompletionLimit caps how many completion items are returned when
// the caller does not specify a limit.
const DefaultCompletionLimit = 20

// completionKindNames maps LSP's numeric CompletionItemKind to the names
// lspgate's tool surface returns.
var completionKindNames = map[int]string{
	1: "text", 2: "method", 3: "function", 4: "constructor", 5: "field",
	6: "variable", 7: "class", 8: "interface", 9: "module", 10: "property",
	11: "unit", 12: "value", 13: "enum", 14: "keyword", 15: "snippet",
	16: "color", 17: "file", 18: "reference", 19: "folder", 20: "enumMember",
	21: "constant", 22: "struct", 23: "event", 24: "operator", 25: "typeParameter",
}

// symbolKindNames maps LSP's numeric SymbolKind similarly.
var symbolKindNames = map[int]string{
	1: "file", 2: "module", 3: "namespace", 4: "package", 5: "class",
	6: "method", 7: "property", 8: "field", 9: "constructor", 10: "enum",
	11: "interface", 12: "function", 13: "variable", 14: "constant",
	15: "string", 16: "number", 17: "boolean", 18: "array", 19: "object",
	20: "key", 21: "null", 22: "enumMember", 23: "struct", 24: "event",
	25: "operator", 26: "typeParameter",
}

func severityName(sev int) string {
	switch sev {
	case 1:
		return "error"
	case 2:
		return "warning"
	case 3:
		return "information"
	case 4:
		return "hint"
	default:
		return "unknown"
	}
}

// SearchMatch is one ripgrep result line.
type SearchMatch struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Text   string `json:"text"`
}

// Dispatcher resolves a single worker's active workspace and LSP
// connection pool, and implements the operations table in full: for every
// call it resolves the target path against the active workspace, rejects
// paths outside it, ensures the document is open, issues the LSP request,
// and translates the reply into lspgate's 1-based, flattened result shapes.
type Dispatcher struct {
	languageID string
	pool       *pool.Pool

	activeWorkspace func() (string, bool)
}

// New builds a Dispatcher for one worker. activeWorkspace is a callback
// into the worker's workspace coordinator so the dispatcher always reads
// the current value rather than a snapshot taken at construction time.
func New(languageID string, p *pool.Pool, activeWorkspace func() (string, bool)) *Dispatcher {
	return &Dispatcher{languageID: languageID, pool: p, activeWorkspace: activeWorkspace}
}

// resolvePath validates path against the active workspace and returns its
// absolute form plus a file:// URI.
func (d *Dispatcher) resolvePath(path string) (absPath, uri, workspaceRoot string, err error) {
	ws, ok := d.activeWorkspace()
	if !ok {
		return "", "", "", errors.NewContextMismatch("no active workspace is set",
			"call switch_workspace with the project root before using language tools")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(ws, candidate)
	}

	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", "", "", errors.NewInvalidInput("could not resolve path: "+path, "pass an absolute path or one relative to the active workspace")
	}
	abs = filepath.Clean(abs)

	if !project.Contains(ws, abs) {
		return "", "", "", errors.NewContextMismatch(
			"path "+abs+" is outside the active workspace "+ws,
			"call switch_workspace with the project that contains this file")
	}

	fileURI, err := document.URIFromPath(abs)
	if err != nil {
		return "", "", "", errors.Wrap(err, "failed to build file uri")
	}

	return abs, fileURI, ws, nil
}

// connection resolves the active workspace's pool connection, acquiring
// (spawning if necessary) one rooted at the nearest marker directory for
// this dispatcher's language.
func (d *Dispatcher) connection(ctx context.Context, absPath string) (*pool.Connection, error) {
	root, err := project.Resolve(absPath, d.languageID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve project root")
	}
	return d.pool.Acquire(ctx, root)
}

func (d *Dispatcher) ensureOpen(conn *pool.Connection, uri string) (*document.Document, error) {
	if doc, ok := conn.Documents.Get(uri); ok {
		return doc, nil
	}

	doc, err := conn.Documents.EnsureOpen(uri, d.languageID)
	if err != nil {
		return nil, err
	}
	if err := conn.Conn.Notify("textDocument/didOpen", map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri":        doc.URI,
			"languageId": doc.LanguageID,
			"version":    doc.Version,
			"text":       doc.Content,
		},
	}); err != nil {
		return nil, errors.Wrap(err, "failed to send didOpen")
	}
	return doc, nil
}

func (d *Dispatcher) prepare(ctx context.Context, path string) (*pool.Connection, string, error) {
	abs, uri, _, err := d.resolvePath(path)
	if err != nil {
		return nil, "", err
	}
	conn, err := d.connection(ctx, abs)
	if err != nil {
		return nil, "", err
	}
	if _, err := d.ensureOpen(conn, uri); err != nil {
		return nil, "", err
	}
	return conn, uri, nil
}

// Hover implements textDocument/hover, flattening the reply to a markdown
// string.
func (d *Dispatcher) Hover(ctx context.Context, path string, pos Position) (string, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return "", err
	}

	var result lspHover
	err = conn.Conn.Call(ctx, "textDocument/hover", lspTextDocumentPositionParams{
		TextDocument: lspTextDocumentIdentifier{URI: uri},
		Position:     pos.toLSP(),
	}, &result)
	if err != nil {
		return "", err
	}
	return hoverText(result.Contents), nil
}

// Definition implements textDocument/definition, accepting either the
// Location or LocationLink response shape.
func (d *Dispatcher) Definition(ctx context.Context, path string, pos Position) ([]DefinitionResult, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := conn.Conn.Call(ctx, "textDocument/definition", lspTextDocumentPositionParams{
		TextDocument: lspTextDocumentIdentifier{URI: uri},
		Position:     pos.toLSP(),
	}, &raw); err != nil {
		return nil, err
	}

	return parseDefinitionReply(raw)
}

func parseDefinitionReply(raw json.RawMessage) ([]DefinitionResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single lspLocation
	if err := json.Unmarshal(raw, &single); err == nil && single.URI != "" {
		return []DefinitionResult{locationToResult(single)}, nil
	}

	var locs []lspLocation
	if err := json.Unmarshal(raw, &locs); err == nil && len(locs) > 0 && locs[0].URI != "" {
		out := make([]DefinitionResult, len(locs))
		for i, l := range locs {
			out[i] = locationToResult(l)
		}
		return out, nil
	}

	var links []lspLocationLink
	if err := json.Unmarshal(raw, &links); err == nil {
		out := make([]DefinitionResult, len(links))
		for i, l := range links {
			path, _ := document.PathFromURI(l.TargetURI)
			pos := fromLSP(l.TargetSelectionRange.Start)
			out[i] = DefinitionResult{File: path, Line: pos.Line, Column: pos.Column}
		}
		return out, nil
	}

	return nil, nil
}

func locationToResult(l lspLocation) DefinitionResult {
	path, _ := document.PathFromURI(l.URI)
	pos := fromLSP(l.Range.Start)
	return DefinitionResult{File: path, Line: pos.Line, Column: pos.Column}
}

// References implements textDocument/references with includeDeclaration
// always true, per spec.md.
func (d *Dispatcher) References(ctx context.Context, path string, pos Position) ([]ReferenceResult, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	var locs []lspLocation
	err = conn.Conn.Call(ctx, "textDocument/references", map[string]interface{}{
		"textDocument": lspTextDocumentIdentifier{URI: uri},
		"position":     pos.toLSP(),
		"context":      map[string]bool{"includeDeclaration": true},
	}, &locs)
	if err != nil {
		return nil, err
	}

	out := make([]ReferenceResult, len(locs))
	for i, l := range locs {
		path, _ := document.PathFromURI(l.URI)
		p := fromLSP(l.Range.Start)
		out[i] = ReferenceResult{File: path, Line: p.Line, Column: p.Column}
	}
	return out, nil
}

// Completions implements textDocument/completion, slicing to limit (or
// DefaultCompletionLimit) and mapping numeric kinds to names.
func (d *Dispatcher) Completions(ctx context.Context, path string, pos Position, limit int) (*CompletionsResult, error) {
	if limit <= 0 {
		limit = DefaultCompletionLimit
	}

	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	err = conn.Conn.Call(ctx, "textDocument/completion", lspTextDocumentPositionParams{
		TextDocument: lspTextDocumentIdentifier{URI: uri},
		Position:     pos.toLSP(),
	}, &raw)
	if err != nil {
		return nil, err
	}

	return parseCompletionsReply(raw, limit)
}

func parseCompletionsReply(raw json.RawMessage, limit int) (*CompletionsResult, error) {
	var list struct {
		IsIncomplete bool `json:"isIncomplete"`
		Items        []struct {
			Label         string      `json:"label"`
			Kind          int         `json:"kind"`
			Detail        string      `json:"detail"`
			Documentation interface{} `json:"documentation"`
			InsertText    string      `json:"insertText"`
		} `json:"items"`
	}

	if err := json.Unmarshal(raw, &list); err != nil {
		// Some servers return a bare array instead of a CompletionList.
		var bare []struct {
			Label         string      `json:"label"`
			Kind          int         `json:"kind"`
			Detail        string      `json:"detail"`
			Documentation interface{} `json:"documentation"`
			InsertText    string      `json:"insertText"`
		}
		if err2 := json.Unmarshal(raw, &bare); err2 != nil {
			return &CompletionsResult{}, nil
		}
		list.Items = bare
	}

	if limit > 0 && len(list.Items) > limit {
		list.Items = list.Items[:limit]
	}

	items := make([]CompletionItem, len(list.Items))
	for i, it := range list.Items {
		items[i] = CompletionItem{
			Label:      it.Label,
			Kind:       completionKindNames[it.Kind],
			Detail:     it.Detail,
			InsertText: it.InsertText,
		}
		if doc, ok := it.Documentation.(string); ok {
			items[i].Documentation = doc
		} else if docMap, ok := it.Documentation.(map[string]interface{}); ok {
			if v, ok := docMap["value"].(string); ok {
				items[i].Documentation = v
			}
		}
	}

	return &CompletionsResult{Items: items, IsIncomplete: list.IsIncomplete}, nil
}

// SignatureHelp implements textDocument/signatureHelp.
func (d *Dispatcher) SignatureHelp(ctx context.Context, path string, pos Position) (*SignatureHelpResult, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Signatures []struct {
			Label         string `json:"label"`
			Documentation interface{}
			Parameters    []struct {
				Label string `json:"label"`
			} `json:"parameters"`
		} `json:"signatures"`
		ActiveSignature int `json:"activeSignature"`
		ActiveParameter int `json:"activeParameter"`
	}
	err = conn.Conn.Call(ctx, "textDocument/signatureHelp", lspTextDocumentPositionParams{
		TextDocument: lspTextDocumentIdentifier{URI: uri},
		Position:     pos.toLSP(),
	}, &raw)
	if err != nil {
		return nil, err
	}

	sigs := make([]SignatureInformation, len(raw.Signatures))
	for i, s := range raw.Signatures {
		params := make([]ParameterInformation, len(s.Parameters))
		for j, p := range s.Parameters {
			params[j] = ParameterInformation{Label: p.Label}
		}
		doc, _ := s.Documentation.(string)
		sigs[i] = SignatureInformation{Label: s.Label, Documentation: doc, Parameters: params}
	}

	return &SignatureHelpResult{
		Signatures:      sigs,
		ActiveSignature: raw.ActiveSignature,
		ActiveParameter: raw.ActiveParameter,
	}, nil
}

// Symbols implements textDocument/documentSymbol, optionally filtering by a
// case-insensitive substring of the symbol name.
func (d *Dispatcher) Symbols(ctx context.Context, path, nameFilter string) ([]Symbol, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	err = conn.Conn.Call(ctx, "textDocument/documentSymbol", map[string]interface{}{
		"textDocument": lspTextDocumentIdentifier{URI: uri},
	}, &raw)
	if err != nil {
		return nil, err
	}

	symbols, err := parseSymbolsReply(raw)
	if err != nil {
		return nil, err
	}
	if nameFilter == "" {
		return symbols, nil
	}
	return filterSymbols(symbols, strings.ToLower(nameFilter)), nil
}

type lspDocumentSymbol struct {
	Name           string              `json:"name"`
	Detail         string              `json:"detail"`
	Kind           int                 `json:"kind"`
	Range          lspRange            `json:"range"`
	SelectionRange lspRange            `json:"selectionRange"`
	Children       []lspDocumentSymbol `json:"children"`
}

type lspSymbolInformation struct {
	Name     string      `json:"name"`
	Kind     int         `json:"kind"`
	Location lspLocation `json:"location"`
}

func parseSymbolsReply(raw json.RawMessage) ([]Symbol, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var flat []lspSymbolInformation
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 && flat[0].Location.URI != "" {
		out := make([]Symbol, len(flat))
		for i, s := range flat {
			pos := fromLSP(s.Location.Range.Start)
			out[i] = Symbol{Name: s.Name, Kind: symbolKindNames[s.Kind], Line: pos.Line, Column: pos.Column}
		}
		return out, nil
	}

	var hierarchical []lspDocumentSymbol
	if err := json.Unmarshal(raw, &hierarchical); err == nil {
		out := make([]Symbol, len(hierarchical))
		for i, s := range hierarchical {
			out[i] = documentSymbolToSymbol(s)
		}
		return out, nil
	}

	return nil, nil
}

func documentSymbolToSymbol(s lspDocumentSymbol) Symbol {
	pos := fromLSP(s.SelectionRange.Start)
	children := make([]Symbol, len(s.Children))
	for i, c := range s.Children {
		children[i] = documentSymbolToSymbol(c)
	}
	return Symbol{
		Name:     s.Name,
		Detail:   s.Detail,
		Kind:     symbolKindNames[s.Kind],
		Line:     pos.Line,
		Column:   pos.Column,
		Children: children,
	}
}

func filterSymbols(symbols []Symbol, lowerFilter string) []Symbol {
	var out []Symbol
	for _, s := range symbols {
		children := filterSymbols(s.Children, lowerFilter)
		if strings.Contains(strings.ToLower(s.Name), lowerFilter) || len(children) > 0 {
			s.Children = children
			out = append(out, s)
		}
	}
	return out
}

// Rename implements prepareRename followed by rename, flattening the
// workspace edit into a preview-only edit list. It never writes to disk,
// even though the server returns a full WorkspaceEdit.
func (d *Dispatcher) Rename(ctx context.Context, path string, pos Position, newName string) ([]RenameEdit, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	var prepareResult json.RawMessage
	if err := conn.Conn.Call(ctx, "textDocument/prepareRename", lspTextDocumentPositionParams{
		TextDocument: lspTextDocumentIdentifier{URI: uri},
		Position:     pos.toLSP(),
	}, &prepareResult); err != nil {
		return nil, errors.NewInvalidInput("rename is not valid at this position: "+err.Error(),
			"pick a position on an identifier that can be renamed")
	}

	var edit struct {
		Changes         map[string][]struct {
			Range   lspRange `json:"range"`
			NewText string   `json:"newText"`
		} `json:"changes"`
		DocumentChanges []struct {
			TextDocument lspVersionedTextDocumentIdentifier `json:"textDocument"`
			Edits        []struct {
				Range   lspRange `json:"range"`
				NewText string   `json:"newText"`
			} `json:"edits"`
		} `json:"documentChanges"`
	}
	err = conn.Conn.Call(ctx, "textDocument/rename", map[string]interface{}{
		"textDocument": lspTextDocumentIdentifier{URI: uri},
		"position":     pos.toLSP(),
		"newName":      newName,
	}, &edit)
	if err != nil {
		return nil, err
	}

	var out []RenameEdit
	for uri, edits := range edit.Changes {
		path, _ := document.PathFromURI(uri)
		for _, e := range edits {
			out = append(out, renameEditFrom(path, e.Range, e.NewText))
		}
	}
	for _, dc := range edit.DocumentChanges {
		path, _ := document.PathFromURI(dc.TextDocument.URI)
		for _, e := range dc.Edits {
			out = append(out, renameEditFrom(path, e.Range, e.NewText))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Column < out[j].Column
	})

	return out, nil
}

func renameEditFrom(path string, r lspRange, newText string) RenameEdit {
	start := fromLSP(r.Start)
	length := r.End.Character - r.Start.Character
	if r.End.Line != r.Start.Line {
		length = len(newText)
	}
	return RenameEdit{File: path, Line: start.Line, Column: start.Column, Length: length, NewText: newText}
}

// Diagnostics returns the cached push diagnostics for path, polling the
// connection's diagnostic cache every DiagnosticPollInterval up to
// DiagnosticPollBudget to give a just-opened document time to be analyzed.
func (d *Dispatcher) Diagnostics(ctx context.Context, path string) ([]DiagnosticResult, error) {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(DiagnosticPollBudget)
	for {
		if diags, ok := conn.Diagnostics(uri); ok {
			return toDiagnosticResults(diags), nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DiagnosticPollInterval):
		}
	}
}

func toDiagnosticResults(diags []pool.Diagnostic) []DiagnosticResult {
	out := make([]DiagnosticResult, len(diags))
	for i, d := range diags {
		var r lspRange
		_ = json.Unmarshal(d.Range, &r)
		pos := fromLSP(r.Start)
		out[i] = DiagnosticResult{
			Line:     pos.Line,
			Column:   pos.Column,
			Severity: severityName(d.Severity),
			Message:  d.Message,
			Source:   d.Source,
		}
	}
	return out
}

// UpdateDocument implements full-text didChange sync: it increments the
// document's version and updates the cache, and never writes to disk.
func (d *Dispatcher) UpdateDocument(ctx context.Context, path, content string) error {
	conn, uri, err := d.prepare(ctx, path)
	if err != nil {
		return err
	}

	doc, err := conn.Documents.Update(uri, content)
	if err != nil {
		return err
	}

	return conn.Conn.Notify("textDocument/didChange", map[string]interface{}{
		"textDocument": doc.VersionedIdentifier(),
		"contentChanges": []map[string]string{
			{"text": content},
		},
	})
}

// Search runs ripgrep over the active workspace (or a caller-supplied
// path) and returns capped, 1-based-column results.
func (d *Dispatcher) Search(ctx context.Context, pattern, path string, limit int) ([]SearchMatch, error) {
	ws, ok := d.activeWorkspace()
	if !ok {
		return nil, errors.NewContextMismatch("no active workspace is set", "call switch_workspace first")
	}

	root := ws
	if path != "" {
		abs, _, _, err := d.resolvePath(path)
		if err != nil {
			return nil, err
		}
		root = abs
	}

	if limit <= 0 {
		limit = 100
	}

	args := []string{"--json", "--max-count", "200", pattern, root}
	cmd := exec.CommandContext(ctx, "rg", args...)
	out, err := cmd.Output()
	if err != nil {
		// ripgrep exits 1 to mean "no matches", not a failure; anything
		// else (bad pattern, missing binary) is a real error.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, errors.Wrap(err, "ripgrep search failed")
	}

	return parseRipgrepJSON(out, limit), nil
}

func parseRipgrepJSON(out []byte, limit int) []SearchMatch {
	var matches []SearchMatch
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		var event struct {
			Type string `json:"type"`
			Data struct {
				Path struct {
					Text string `json:"text"`
				} `json:"path"`
				LineNumber int `json:"line_number"`
				Lines      struct {
					Text string `json:"text"`
				} `json:"lines"`
				Submatches []struct {
					Start int `json:"start"`
				} `json:"submatches"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type != "match" {
			continue
		}
		column := 1
		if len(event.Data.Submatches) > 0 {
			column = event.Data.Submatches[0].Start + 1
		}
		matches = append(matches, SearchMatch{
			File:   event.Data.Path.Text,
			Line:   event.Data.LineNumber,
			Column: column,
			Text:   strings.TrimRight(event.Data.Lines.Text, "\n"),
		})
		if len(matches) >= limit {
			break
		}
	}
	return matches
}
