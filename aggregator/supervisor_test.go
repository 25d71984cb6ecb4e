package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quillsys/lspgate/workers"
)

func TestBackoffDelayGrowsExponentiallyUpToCap(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 8*time.Second, backoffDelay(4))
	assert.Equal(t, 16*time.Second, backoffDelay(5))
	assert.Equal(t, crashBackoffCap, backoffDelay(6))
	assert.Equal(t, crashBackoffCap, backoffDelay(100))
}

func TestBackoffDelayFloorsAtOneSecond(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(0))
	assert.Equal(t, time.Second, backoffDelay(-3))
}

func TestNotifyCrashDoesNothingForUnknownBackend(t *testing.T) {
	cfg := &Config{}
	backends := NewBackendManager(cfg, nil)
	s := NewSupervisor(cfg, backends, NewWorkspace(backends))

	s.NotifyCrash(workers.Python)
}

func TestNotifyCrashSkipsRestartWhenTerminal(t *testing.T) {
	cfg := &Config{Python: PythonConfig{Enabled: true, Provider: "python-lsp-mcp"}}
	backends := NewBackendManager(cfg, nil)
	s := NewSupervisor(cfg, backends, NewWorkspace(backends))

	b := backends.recordOf(workers.Python)
	for i := 0; i < maxConsecutiveFailures; i++ {
		b.mu.Lock()
		b.status = StatusError
		b.retryCount++
		b.mu.Unlock()
	}
	assert.True(t, b.Terminal())

	s.NotifyCrash(workers.Python)

	s.mu.Lock()
	_, scheduled := s.pending[workers.Python]
	s.mu.Unlock()
	assert.False(t, scheduled, "a terminal backend must not get a scheduled restart")
}

func TestReapIdleDoesNothingWhenTimeoutDisabled(t *testing.T) {
	cfg := &Config{IdleTimeoutRaw: 0}
	backends := NewBackendManager(cfg, nil)
	s := NewSupervisor(cfg, backends, NewWorkspace(backends))

	b := backends.recordOf(workers.Python)
	b.mu.Lock()
	b.status = StatusReady
	b.lastUsed = time.Now().Add(-time.Hour)
	b.mu.Unlock()

	s.reapIdle()

	assert.Equal(t, StatusReady, b.Status(), "idle reaper must not stop anything when LSP_MCP_IDLE_TIMEOUT is 0")
}

func TestEagerStartIsNoOpWhenDisabled(t *testing.T) {
	cfg := &Config{EagerStart: false}
	backends := NewBackendManager(cfg, nil)
	s := NewSupervisor(cfg, backends, NewWorkspace(backends))

	s.EagerStart(t.Context())

	assert.Empty(t, backends.List(), "eager start disabled must not create any backend record")
}

func TestShutdownStopsReaperAndReturnsCloseErrors(t *testing.T) {
	cfg := &Config{}
	backends := NewBackendManager(cfg, nil)
	s := NewSupervisor(cfg, backends, NewWorkspace(backends))

	s.Run()
	errs := s.Shutdown()

	assert.Empty(t, errs, "no backends were ever started, so there is nothing to fail to close")
}
