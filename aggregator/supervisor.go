package aggregator

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quillsys/lspgate/logger"
	"github.com/quillsys/lspgate/workers"
)

// idleReaperInterval is the fixed tick spec.md §4.9's idle reaper runs on.
const idleReaperInterval = 60 * time.Second

// crashBackoffCap is the ceiling of the exponential restart backoff.
const crashBackoffCap = 30 * time.Second

// Supervisor runs the three policies spec.md §4.9 names: lazy start (an
// eager-start pass at startup is the only exception), the idle reaper,
// and crash-recovery backoff restarts. It owns no backend state itself —
// that lives in BackendManager and Workspace — and is purely a scheduler
// wired to both.
type Supervisor struct {
	cfg       *Config
	backends  *BackendManager
	workspace *Workspace
	log       *zap.SugaredLogger

	statePath string

	mu      sync.Mutex
	pending map[workers.LanguageTag]context.CancelFunc

	stop chan struct{}
	done chan struct{}
}

// NewSupervisor builds a supervisor bound to the aggregator's config,
// Backend Manager, and Workspace coordinator. The Backend Manager's
// onCrash hook must be wired to call (*Supervisor).NotifyCrash for the
// backoff loop to run.
func NewSupervisor(cfg *Config, backends *BackendManager, workspace *Workspace) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		backends:  backends,
		workspace: workspace,
		log:       logger.ComponentLogger("supervisor"),
		pending:   make(map[workers.LanguageTag]context.CancelFunc),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetStatePath enables the best-effort status snapshot file `lspgate
// status` reads (SPEC_FULL.md §4.12). An empty path (the zero value)
// disables snapshot writing entirely.
func (s *Supervisor) SetStatePath(path string) {
	s.statePath = path
}

func (s *Supervisor) writeState() {
	if s.statePath == "" {
		return
	}
	snap := BuildSnapshot(s.cfg, s.backends, s.workspace)
	if err := WriteSnapshot(s.statePath, snap); err != nil {
		s.log.Warnw("failed to write status snapshot", "path", s.statePath, "error", err.Error())
	}
}

// EagerStart spawns every enabled backend in parallel, if
// LSP_MCP_EAGER_START is set. Lazy start (spawn on first demand) is the
// default and needs no explicit action here.
func (s *Supervisor) EagerStart(ctx context.Context) {
	if !s.cfg.EagerStart {
		return
	}
	var wg sync.WaitGroup
	for _, tag := range []workers.LanguageTag{workers.Python, workers.TypeScript, workers.Vue} {
		if !s.cfg.Enabled(tag) {
			continue
		}
		wg.Add(1)
		go func(tag workers.LanguageTag) {
			defer wg.Done()
			if _, err := s.backends.Ensure(ctx, tag); err != nil {
				s.log.Warnw("eager start failed", "language", tag, "error", err.Error())
			}
		}(tag)
	}
	wg.Wait()
	s.writeState()
}

// Run starts the idle reaper's periodic tick. It returns immediately;
// call Shutdown to stop it.
func (s *Supervisor) Run() {
	go s.reapLoop()
}

func (s *Supervisor) reapLoop() {
	defer close(s.done)
	ticker := time.NewTicker(idleReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reapIdle()
			s.pingReady()
			s.writeState()
		}
	}
}

// reapIdle shuts down any ready backend whose last-used age exceeds the
// configured idle timeout. A timeout of 0 disables the reaper entirely.
func (s *Supervisor) reapIdle() {
	if s.cfg.IdleTimeoutRaw <= 0 {
		return
	}
	for _, b := range s.backends.List() {
		if b.Status() != StatusReady {
			continue
		}
		if b.IdleFor() >= s.cfg.IdleTimeout {
			s.log.Infow("reaping idle backend", "language", b.Language, "idleFor", b.IdleFor())
			s.backends.Stop(b.Language)
		}
	}
}

// pingReady probes every ready backend so a crash with no in-flight call
// is caught within one reaper tick instead of waiting for the next user
// request.
func (s *Supervisor) pingReady() {
	ctx, cancel := context.WithTimeout(context.Background(), InitializeTimeout)
	defer cancel()
	for _, b := range s.backends.List() {
		if b.Status() == StatusReady {
			s.backends.Ping(ctx, b.Language)
		}
	}
}

// NotifyCrash is the Backend Manager's onCrash hook: it schedules a
// backoff restart per spec.md §4.9's formula, unless the backend has
// already exhausted its retry budget (Terminal).
func (s *Supervisor) NotifyCrash(tag workers.LanguageTag) {
	b, ok := s.backends.Get(tag)
	if !ok {
		return
	}
	if b.Terminal() {
		s.log.Errorw("backend entered terminal error state", "language", tag, "retries", b.RetryCount(), "message", b.ErrorMessage())
		return
	}

	delay := backoffDelay(b.RetryCount())
	s.log.Warnw("scheduling backend restart", "language", tag, "delay", delay, "retry", b.RetryCount())

	s.mu.Lock()
	if cancel, exists := s.pending[tag]; exists {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pending[tag] = cancel
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		s.mu.Lock()
		delete(s.pending, tag)
		s.mu.Unlock()

		restartCtx, restartCancel := context.WithTimeout(context.Background(), InitializeTimeout)
		defer restartCancel()
		if _, err := s.backends.Restart(restartCtx, tag); err != nil {
			s.log.Warnw("scheduled restart failed", "language", tag, "error", err.Error())
			s.NotifyCrash(tag)
			return
		}
		if s.workspace != nil {
			_ = s.workspace.InjectInto(restartCtx, tag)
		}
		s.writeState()
	}()
}

// backoffDelay implements spec.md §4.9's min(2^(n-1) * 1s, 30s) formula.
func backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	seconds := math.Pow(2, float64(retryCount-1))
	delay := time.Duration(seconds) * time.Second
	if delay > crashBackoffCap {
		return crashBackoffCap
	}
	return delay
}

// Shutdown stops the idle reaper, cancels any pending scheduled restart,
// and closes every backend's transport in parallel, per spec.md §4.9's
// shutdown path. It returns the close errors, if any, so the caller can
// choose the process exit code.
func (s *Supervisor) Shutdown() []error {
	close(s.stop)
	<-s.done

	s.mu.Lock()
	for _, cancel := range s.pending {
		cancel()
	}
	s.pending = make(map[workers.LanguageTag]context.CancelFunc)
	s.mu.Unlock()

	errs := s.backends.StopAll()
	s.writeState()
	return errs
}
