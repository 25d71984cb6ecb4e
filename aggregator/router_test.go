package aggregator

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsys/lspgate/workers"
)

func TestLanguageForRoutesByFileExtension(t *testing.T) {
	r := &Router{}
	tag, err := r.languageFor(map[string]interface{}{"file": "/repo/a.py"})
	require.NoError(t, err)
	assert.Equal(t, workers.Python, tag)

	tag, err = r.languageFor(map[string]interface{}{"file": "/repo/a.tsx"})
	require.NoError(t, err)
	assert.Equal(t, workers.TypeScript, tag)

	tag, err = r.languageFor(map[string]interface{}{"path": "/repo/a.vue"})
	require.NoError(t, err)
	assert.Equal(t, workers.Vue, tag)
}

func TestLanguageForRejectsUnknownExtension(t *testing.T) {
	r := &Router{}
	_, err := r.languageFor(map[string]interface{}{"file": "/repo/a.rs"})
	require.Error(t, err)
}

func TestLanguageForRequiresFileOrPath(t *testing.T) {
	r := &Router{}
	_, err := r.languageFor(map[string]interface{}{})
	require.Error(t, err)
}

func TestBridgeRenameArgsCopiesCamelToSnake(t *testing.T) {
	args := map[string]interface{}{"newName": "Foo"}
	bridgeRenameArgs(args)
	assert.Equal(t, "Foo", args["new_name"])
}

func TestBridgeRenameArgsCopiesSnakeToCamel(t *testing.T) {
	args := map[string]interface{}{"new_name": "Bar"}
	bridgeRenameArgs(args)
	assert.Equal(t, "Bar", args["newName"])
}

func TestBridgeRenameArgsLeavesBothAloneWhenAlreadyPresent(t *testing.T) {
	args := map[string]interface{}{"newName": "A", "new_name": "B"}
	bridgeRenameArgs(args)
	assert.Equal(t, "A", args["newName"])
	assert.Equal(t, "B", args["new_name"])
}

func TestSplitLanguageToolRecognizesPrefixedTools(t *testing.T) {
	tag, name, ok := splitLanguageTool("python_move")
	require.True(t, ok)
	assert.Equal(t, workers.Python, tag)
	assert.Equal(t, "move", name)
}

func TestSplitLanguageToolRejectsUnprefixedName(t *testing.T) {
	_, _, ok := splitLanguageTool("hover")
	assert.False(t, ok)
}

func TestIsUnifiedToolCoversTheFixedSet(t *testing.T) {
	for _, name := range []string{"hover", "definition", "references", "completions",
		"signature_help", "symbols", "diagnostics", "rename", "update_document", "search"} {
		assert.True(t, isUnifiedTool(name), name)
	}
	assert.False(t, isUnifiedTool("python_move"))
}

func TestCombineMatchPayloadsFlattensAcrossBackends(t *testing.T) {
	combined := combineMatchPayloads([]string{
		`{"matches":[{"file":"a.py","line":1}]}`,
		`{"matches":[{"file":"b.ts","line":2}]}`,
	})
	assert.Contains(t, combined, "a.py")
	assert.Contains(t, combined, "b.ts")
}

func TestCombineMatchPayloadsSkipsUnparsableEntries(t *testing.T) {
	combined := combineMatchPayloads([]string{"not json", `{"matches":[{"file":"a.py"}]}`})
	assert.Contains(t, combined, "a.py")
}

func TestEmptySearchResultIncludesHint(t *testing.T) {
	result := emptySearchResult()
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "hint")
	assert.Contains(t, text.Text, "matches")
}
