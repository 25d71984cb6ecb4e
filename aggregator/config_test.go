package aggregator

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsys/lspgate/workers"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LSP_MCP_PYTHON_ENABLED", "LSP_MCP_PYTHON_PROVIDER",
		"LSP_MCP_TYPESCRIPT_ENABLED", "LSP_MCP_VUE_ENABLED",
		"LSP_MCP_AUTO_UPDATE", "LSP_MCP_EAGER_START", "LSP_MCP_IDLE_TIMEOUT",
	} {
		require.NoError(t, os.Unsetenv(k))
	}
	Reset()
	t.Cleanup(Reset)
}

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Python.Enabled)
	assert.Equal(t, string(workers.ProviderPythonLSP), cfg.Python.Provider)
	assert.True(t, cfg.TypeScript.Enabled)
	assert.True(t, cfg.Vue.Enabled)
	assert.False(t, cfg.AutoUpdate)
	assert.False(t, cfg.EagerStart)
	assert.Equal(t, 300, cfg.IdleTimeoutRaw)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LSP_MCP_PYTHON_ENABLED", "false")
	t.Setenv("LSP_MCP_PYTHON_PROVIDER", "pyright-mcp")
	t.Setenv("LSP_MCP_IDLE_TIMEOUT", "0")
	t.Setenv("LSP_MCP_EAGER_START", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.Python.Enabled)
	assert.Equal(t, "pyright-mcp", cfg.Python.Provider)
	assert.Equal(t, 0, cfg.IdleTimeoutRaw)
	assert.True(t, cfg.EagerStart)
}

func TestLoadRejectsUnknownPythonProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("LSP_MCP_PYTHON_PROVIDER", "not-a-real-provider")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadCachesAcrossCalls(t *testing.T) {
	clearEnv(t)
	t.Setenv("LSP_MCP_EAGER_START", "true")

	first, err := Load()
	require.NoError(t, err)

	t.Setenv("LSP_MCP_EAGER_START", "false")
	second, err := Load()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.True(t, second.EagerStart, "cached config should not re-read the environment")
}

func TestEnabledDispatchesByLanguageTag(t *testing.T) {
	clearEnv(t)
	t.Setenv("LSP_MCP_VUE_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Enabled(workers.Python))
	assert.True(t, cfg.Enabled(workers.TypeScript))
	assert.False(t, cfg.Enabled(workers.Vue))
}
