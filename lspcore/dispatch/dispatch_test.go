package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePathRejectsOutsideWorkspace(t *testing.T) {
	ws := t.TempDir()
	other := t.TempDir()
	outside := filepath.Join(other, "b.py")
	require.NoError(t, os.WriteFile(outside, []byte("y = 2\n"), 0o644))

	d := &Dispatcher{languageID: "python", activeWorkspace: func() (string, bool) { return ws, true }}

	_, _, _, err := d.resolvePath(outside)
	require.Error(t, err)
}

func TestResolvePathRejectsWhenNoActiveWorkspace(t *testing.T) {
	d := &Dispatcher{languageID: "python", activeWorkspace: func() (string, bool) { return "", false }}

	_, _, _, err := d.resolvePath("a.py")
	require.Error(t, err)
}

func TestParseDefinitionReplySingleLocation(t *testing.T) {
	raw := json.RawMessage(`{"uri":"file:///a.py","range":{"start":{"line":4,"character":2},"end":{"line":4,"character":5}}}`)
	results, err := parseDefinitionReply(raw)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Line)
	assert.Equal(t, 3, results[0].Column)
}

func TestParseDefinitionReplyLocationLinkArray(t *testing.T) {
	raw := json.RawMessage(`[{"targetUri":"file:///a.py","targetRange":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"targetSelectionRange":{"start":{"line":2,"character":1},"end":{"line":2,"character":4}}}]`)
	results, err := parseDefinitionReply(raw)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Line)
	assert.Equal(t, 2, results[0].Column)
}

func TestParseDefinitionReplyNull(t *testing.T) {
	results, err := parseDefinitionReply(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestParseCompletionsReplyTruncatesToLimit(t *testing.T) {
	raw := json.RawMessage(`{"isIncomplete":true,"items":[{"label":"a","kind":3},{"label":"b","kind":6},{"label":"c","kind":7}]}`)
	result, err := parseCompletionsReply(raw, 2)
	require.NoError(t, err)
	assert.True(t, result.IsIncomplete)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "function", result.Items[0].Kind)
	assert.Equal(t, "variable", result.Items[1].Kind)
}

func TestParseCompletionsReplyAcceptsBareArray(t *testing.T) {
	raw := json.RawMessage(`[{"label":"a","kind":14}]`)
	result, err := parseCompletionsReply(raw, 20)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "keyword", result.Items[0].Kind)
}

func TestParseSymbolsReplyHierarchical(t *testing.T) {
	raw := json.RawMessage(`[{"name":"Foo","kind":5,"range":{"start":{"line":0,"character":0},"end":{"line":10,"character":0}},"selectionRange":{"start":{"line":0,"character":6},"end":{"line":0,"character":9}},"children":[{"name":"bar","kind":6,"range":{"start":{"line":1,"character":0},"end":{"line":2,"character":0}},"selectionRange":{"start":{"line":1,"character":4},"end":{"line":1,"character":7}}}]}]`)
	symbols, err := parseSymbolsReply(raw)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, "Foo", symbols[0].Name)
	assert.Equal(t, "class", symbols[0].Kind)
	require.Len(t, symbols[0].Children, 1)
	assert.Equal(t, "bar", symbols[0].Children[0].Name)
}

func TestParseSymbolsReplyFlat(t *testing.T) {
	raw := json.RawMessage(`[{"name":"foo","kind":12,"location":{"uri":"file:///a.ts","range":{"start":{"line":3,"character":0},"end":{"line":3,"character":3}}}}]`)
	symbols, err := parseSymbolsReply(raw)
	require.NoError(t, err)
	require.Len(t, symbols, 1)
	assert.Equal(t, "function", symbols[0].Kind)
	assert.Equal(t, 4, symbols[0].Line)
}

func TestFilterSymbolsKeepsMatchingChildren(t *testing.T) {
	symbols := []Symbol{
		{Name: "Outer", Children: []Symbol{{Name: "needle"}, {Name: "other"}}},
		{Name: "Unrelated"},
	}
	filtered := filterSymbols(symbols, "needle")
	require.Len(t, filtered, 1)
	assert.Equal(t, "Outer", filtered[0].Name)
	require.Len(t, filtered[0].Children, 1)
	assert.Equal(t, "needle", filtered[0].Children[0].Name)
}

func TestParseRipgrepJSONExtractsMatches(t *testing.T) {
	out := []byte(`{"type":"match","data":{"path":{"text":"a.py"},"line_number":3,"lines":{"text":"x = 1\n"},"submatches":[{"start":0}]}}
{"type":"begin","data":{}}
`)
	matches := parseRipgrepJSON(out, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, "a.py", matches[0].File)
	assert.Equal(t, 3, matches[0].Line)
	assert.Equal(t, 1, matches[0].Column)
}

func TestParseRipgrepJSONRespectsLimit(t *testing.T) {
	line := `{"type":"match","data":{"path":{"text":"a.py"},"line_number":1,"lines":{"text":"x\n"},"submatches":[{"start":0}]}}` + "\n"
	out := []byte(line + line + line)
	matches := parseRipgrepJSON(out, 2)
	assert.Len(t, matches, 2)
}

func TestRenameEditFromSingleLineRange(t *testing.T) {
	r := lspRange{Start: lspPosition{Line: 2, Character: 4}, End: lspPosition{Line: 2, Character: 9}}
	edit := renameEditFrom("a.py", r, "newName")
	assert.Equal(t, 3, edit.Line)
	assert.Equal(t, 5, edit.Column)
	assert.Equal(t, 5, edit.Length)
}
