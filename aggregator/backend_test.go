package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsys/lspgate/errors"
	"github.com/quillsys/lspgate/workers"
)

func TestNewChildBackendStartsAbsent(t *testing.T) {
	b := newChildBackend(workers.Python)
	assert.Equal(t, StatusAbsent, b.Status())
	assert.NotEmpty(t, b.InstanceID)
}

func TestMarkErrorIncrementsRetryCount(t *testing.T) {
	m := &BackendManager{}
	b := newChildBackend(workers.Python)

	m.markError(b, errors.New("boom"))
	assert.Equal(t, 1, b.RetryCount())
	assert.Equal(t, StatusError, b.Status())

	m.markError(b, errors.New("boom again"))
	assert.Equal(t, 2, b.RetryCount())
}

func TestMarkErrorResetsCountAfterQuietPeriod(t *testing.T) {
	m := &BackendManager{}
	b := newChildBackend(workers.Python)

	b.mu.Lock()
	b.lastCrash = time.Now().Add(-2 * time.Hour)
	b.retryCount = 4
	b.mu.Unlock()

	m.markError(b, errors.New("boom"))
	assert.Equal(t, 1, b.RetryCount())
}

func TestTerminalAfterMaxConsecutiveFailures(t *testing.T) {
	m := &BackendManager{}
	b := newChildBackend(workers.Python)

	for i := 0; i < maxConsecutiveFailures; i++ {
		m.markError(b, errors.New("boom"))
	}
	assert.True(t, b.Terminal())
}

func TestIsRetryableKindClassification(t *testing.T) {
	assert.True(t, isRetryableKind(errors.NewUpstreamCrash("x", "y")))
	assert.True(t, isRetryableKind(errors.NewTransientToolError("x", "y")))
	assert.False(t, isRetryableKind(errors.NewInvalidInput("x", "y")))
	assert.False(t, isRetryableKind(errors.New("untagged")))
}

func TestHasToolAndToolNames(t *testing.T) {
	b := newChildBackend(workers.TypeScript)
	b.tools = append(b.tools, mcp.Tool{Name: "definition"}, mcp.Tool{Name: "hover"})

	assert.True(t, b.HasTool("hover"))
	assert.False(t, b.HasTool("rename"))
	assert.ElementsMatch(t, []string{"definition", "hover"}, b.ToolNames())
}

func TestIdleForReportsZeroBeforeFirstUse(t *testing.T) {
	b := newChildBackend(workers.Vue)
	assert.Equal(t, time.Duration(0), b.IdleFor())
}

func TestTouchAdvancesLastUsed(t *testing.T) {
	b := newChildBackend(workers.Vue)
	b.touch()
	assert.Less(t, b.IdleFor(), time.Second)
}

func TestEnsureRejectsDisabledBackend(t *testing.T) {
	cfg := &Config{}
	m := NewBackendManager(cfg, nil)

	_, err := m.Ensure(context.Background(), workers.Python)
	require.Error(t, err)
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindBackendDisabled, kind)
}
