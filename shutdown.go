package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

// ShutdownPhase orders the graceful-shutdown sequence.
type ShutdownPhase int

const (
	PhaseStopAccepting ShutdownPhase = iota
	PhaseDrainRequests
	PhaseStopBackground
	PhaseCloseConnections
	PhaseCleanup
)

var shutdownPhaseOrder = []ShutdownPhase{
	PhaseStopAccepting, PhaseDrainRequests, PhaseStopBackground, PhaseCloseConnections, PhaseCleanup,
}

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseStopAccepting:
		return "stop_accepting"
	case PhaseDrainRequests:
		return "drain_requests"
	case PhaseStopBackground:
		return "stop_background"
	case PhaseCloseConnections:
		return "close_connections"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// ShutdownHook is one unit of shutdown work, scoped to a phase.
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Callback func(ctx context.Context) error
	Timeout  time.Duration
	Critical bool // failure aborts the shutdown sequence
}

// ShutdownManager runs registered hooks in five ordered phases. Hooks
// within a phase run concurrently; the phase waits for the maximum of
// their timeouts. A non-critical hook's failure is logged and the
// phase continues; a critical hook's failure aborts the sequence.
type ShutdownManager struct {
	mu   sync.Mutex
	once sync.Once

	hooks  []ShutdownHook
	logger *slog.Logger
	done   chan struct{}
}

// NewShutdownManager creates an empty manager.
func NewShutdownManager(logger *slog.Logger) *ShutdownManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownManager{logger: logger, done: make(chan struct{})}
}

// Register adds a hook. timeout defaults to 30s if zero.
func (m *ShutdownManager) Register(name string, phase ShutdownPhase, timeout time.Duration, critical bool, callback func(ctx context.Context) error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, ShutdownHook{Name: name, Phase: phase, Callback: callback, Timeout: timeout, Critical: critical})
	m.logger.Info("registered shutdown hook", "name", name, "phase", phase.String())
}

// Shutdown runs every phase in order exactly once, re-entry suppressed:
// a second call blocks until the first completes and then returns
// immediately without re-running any hook.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	var runErr error
	m.once.Do(func() {
		m.logger.Warn("graceful shutdown initiated")
		for _, phase := range shutdownPhaseOrder {
			if err := m.executePhase(ctx, phase); err != nil {
				runErr = err
				m.logger.Error("shutdown aborted", "phase", phase.String(), "error", err)
				break
			}
		}
		if runErr == nil {
			m.logger.Warn("graceful shutdown completed")
		}
		close(m.done)
	})
	<-m.done
	return runErr
}

func (m *ShutdownManager) executePhase(ctx context.Context, phase ShutdownPhase) error {
	m.mu.Lock()
	var phaseHooks []ShutdownHook
	var maxTimeout time.Duration
	for _, h := range m.hooks {
		if h.Phase == phase {
			phaseHooks = append(phaseHooks, h)
			if h.Timeout > maxTimeout {
				maxTimeout = h.Timeout
			}
		}
	}
	m.mu.Unlock()

	if len(phaseHooks) == 0 {
		return nil
	}

	phaseCtx, cancel := context.WithTimeout(ctx, maxTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(phaseCtx)
	for _, h := range phaseHooks {
		h := h
		g.Go(func() error { return m.executeHook(gctx, h) })
	}
	return g.Wait()
}

func (m *ShutdownManager) executeHook(ctx context.Context, h ShutdownHook) error {
	hookCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.Callback(hookCtx) }()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error("shutdown hook failed", "name", h.Name, "error", err)
			if h.Critical {
				return err
			}
			return nil
		}
		m.logger.Info("shutdown hook completed", "name", h.Name)
		return nil
	case <-hookCtx.Done():
		m.logger.Error("shutdown hook timed out", "name", h.Name, "timeout", h.Timeout)
		if h.Critical {
			return &TimeoutError{Stage: "shutdown_hook:" + h.Name, After: h.Timeout.String()}
		}
		return nil
	}
}

// WaitForShutdown blocks until Shutdown has run to completion.
func (m *ShutdownManager) WaitForShutdown() {
	<-m.done
}

// RegisterResourceLog adds a non-critical cleanup-phase hook that logs
// the system's used-memory percentage and process count, grounded on the same gopsutil
// snapshot adred's server metrics package takes before declaring a
// clean exit.
func (m *ShutdownManager) RegisterResourceLog() {
	m.Register("resource usage snapshot", PhaseCleanup, 5*time.Second, false, func(ctx context.Context) error {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return err
		}
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return err
		}
		m.logger.Info("resource usage at shutdown",
			"mem_used_percent", vm.UsedPercent,
			"process_count", len(procs),
		)
		return nil
	})
}
