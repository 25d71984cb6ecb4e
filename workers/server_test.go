package workers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/lspcore/pool"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	return &Worker{
		cfg:  Config{Profile: Profiles[Python]},
		pool: pool.New(nil, func(string) {}),
	}
}

func TestSetWorkspaceNormalizesAndRecordsRoot(t *testing.T) {
	w := newTestWorker(t)
	dir := t.TempDir()

	abs, err := w.setWorkspace(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), abs)

	got, ok := w.getWorkspace()
	assert.True(t, ok)
	assert.Equal(t, abs, got)
}

func TestSetWorkspaceRejectsNonexistentPath(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.setWorkspace(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestGetWorkspaceBeforeAnySwitchReportsNotSet(t *testing.T) {
	w := newTestWorker(t)
	_, ok := w.getWorkspace()
	assert.False(t, ok)
}

func TestSetWorkspaceSwitchingReplacesActiveWorkspace(t *testing.T) {
	w := newTestWorker(t)
	first := t.TempDir()
	second := t.TempDir()

	_, err := w.setWorkspace(first)
	require.NoError(t, err)
	_, err = w.setWorkspace(second)
	require.NoError(t, err)

	got, ok := w.getWorkspace()
	assert.True(t, ok)
	assert.NotEqual(t, filepath.Clean(first), got)
	assert.Equal(t, filepath.Clean(second), got)
}

func TestErrorResultIncludesKindAndHint(t *testing.T) {
	err := errors.NewInvalidInput("bad file", "pass an existing file")
	result, callErr := errorResult(err)
	require.NoError(t, callErr)
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "InvalidInput")
	assert.Contains(t, text.Text, "pass an existing file")
}

func TestErrorResultFallsBackToPlainErrorForUntaggedErrors(t *testing.T) {
	result, callErr := errorResult(os.ErrNotExist)
	require.NoError(t, callErr)
	require.NotNil(t, result)
	assert.True(t, result.IsError)
}

func TestKindNameCoversEveryKind(t *testing.T) {
	cases := map[errors.Kind]string{
		errors.KindInvalidInput:       "InvalidInput",
		errors.KindContextMismatch:    "ContextMismatch",
		errors.KindBackendDisabled:    "BackendDisabled",
		errors.KindBackendUnavailable: "BackendUnavailable",
		errors.KindNotImplemented:     "NotImplemented",
		errors.KindUpstreamTimeout:    "UpstreamTimeout",
		errors.KindUpstreamCrash:      "UpstreamCrash",
		errors.KindTransientToolError: "TransientToolError",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kindName(kind))
	}
}
