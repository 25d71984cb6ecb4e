// Package dispatch translates between lspgate's 1-based external tool
// arguments and LSP's 0-based wire types, and implements the per-operation
// request/response shaping every worker profile shares. The LSP wire types
// are grounded on the teacher's gopls client (teranos-QNTX/code/gopls/
// types.go); dispatch.Position is the 1-based counterpart the MCP tool
// surface speaks, with conversion happening at exactly one seam.
package dispatch

import "encoding/json"

// Position is the 1-based (line, column) pair every lspgate tool argument
// and result uses. toLSP/fromLSP are the only two functions allowed to
// cross the 1-based/0-based boundary.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) toLSP() lspPosition {
	return lspPosition{Line: p.Line - 1, Character: p.Column - 1}
}

func fromLSP(p lspPosition) Position {
	return Position{Line: p.Line + 1, Column: p.Character + 1}
}

// lspPosition is the wire-format 0-based position LSP servers expect and
// return, named distinctly from Position so a misplaced field access fails
// to compile instead of silently using the wrong base.
type lspPosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type lspRange struct {
	Start lspPosition `json:"start"`
	End   lspPosition `json:"end"`
}

type lspLocation struct {
	URI   string   `json:"uri"`
	Range lspRange `json:"range"`
}

// lspLocationLink is the richer shape textDocument/definition may return
// instead of a plain Location when the server advertises linkSupport.
type lspLocationLink struct {
	TargetURI            string   `json:"targetUri"`
	TargetRange          lspRange `json:"targetRange"`
	TargetSelectionRange lspRange `json:"targetSelectionRange"`
}

type lspTextDocumentIdentifier struct {
	URI string `json:"uri"`
}

type lspVersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type lspTextDocumentPositionParams struct {
	TextDocument lspTextDocumentIdentifier `json:"textDocument"`
	Position     lspPosition               `json:"position"`
}

// DefinitionResult is one resolved definition location, 1-based.
type DefinitionResult struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// ReferenceResult is one reference location, 1-based.
type ReferenceResult struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// CompletionItem is one entry of a completions response, trimmed to what
// callers need.
type CompletionItem struct {
	Label         string `json:"label"`
	Kind          string `json:"kind,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Documentation string `json:"documentation,omitempty"`
	InsertText    string `json:"insertText,omitempty"`
}

// CompletionsResult is the full response to a completions tool call.
type CompletionsResult struct {
	Items        []CompletionItem `json:"items"`
	IsIncomplete bool             `json:"isIncomplete"`
}

// SignatureHelpResult mirrors LSP's SignatureHelp, preserving which
// signature/parameter is active.
type SignatureHelpResult struct {
	Signatures      []SignatureInformation `json:"signatures"`
	ActiveSignature int                    `json:"activeSignature"`
	ActiveParameter int                    `json:"activeParameter"`
}

// SignatureInformation is one candidate signature.
type SignatureInformation struct {
	Label         string                 `json:"label"`
	Documentation string                 `json:"documentation,omitempty"`
	Parameters    []ParameterInformation `json:"parameters,omitempty"`
}

// ParameterInformation is one parameter of a signature.
type ParameterInformation struct {
	Label string `json:"label"`
}

// Symbol is one entry of a (possibly hierarchical) documentSymbol response.
type Symbol struct {
	Name     string   `json:"name"`
	Detail   string   `json:"detail,omitempty"`
	Kind     string   `json:"kind"`
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Children []Symbol `json:"children,omitempty"`
}

// RenameEdit is one edit lspgate would apply if rename were not
// preview-only.
type RenameEdit struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Length  int    `json:"length"`
	NewText string `json:"newText"`
}

// DiagnosticResult is one diagnostic entry, 1-based.
type DiagnosticResult struct {
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// lspHover mirrors the teacher's Hover type: Contents may be a plain
// string, a MarkupContent object, or (rarely) an array of either.
type lspHover struct {
	Contents json.RawMessage `json:"contents"`
}

// hoverText extracts a flat markdown string from an LSP hover payload,
// generalizing the teacher's Hover.GetText to also accept the array form
// some servers (notably typescript-language-server) return.
func hoverText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var markup struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &markup); err == nil && markup.Value != "" {
		return markup.Value
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil && str != "" {
		return str
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if t := hoverText(item); t != "" {
				parts = append(parts, t)
			}
		}
		return joinNonEmpty(parts)
	}

	return string(raw)
}

func joinNonEmpty(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}
