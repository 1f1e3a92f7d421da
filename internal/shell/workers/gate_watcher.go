// Package workers contains background workers for lambdaroll.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
)

// GateStore lists the gates the watcher looks after.
type GateStore interface {
	ListPendingGates(ctx context.Context) ([]domain.Gate, error)
}

// GateActions are the gate operations the watcher performs.
type GateActions interface {
	Remind(ctx context.Context, g *domain.Gate)
	Abandon(ctx context.Context, gateID, reason string) (*domain.Gate, error)
}

// GateWatcherConfig configures the gate watcher worker.
type GateWatcherConfig struct {
	// Interval is the time between watch cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// RemindAfter re-sends the notification for a gate that has been pending
	// this long since it was last announced. Zero disables reminders.
	RemindAfter time.Duration

	// Timeout abandons gates pending longer than this. Zero never abandons.
	Timeout time.Duration
}

// DefaultGateWatcherConfig returns the default configuration.
func DefaultGateWatcherConfig() GateWatcherConfig {
	return GateWatcherConfig{
		Interval:    60 * time.Second,
		RemindAfter: time.Hour,
	}
}

// GateWatcher periodically reminds approvers about pending gates and
// abandons gates that waited past the configured timeout.
type GateWatcher struct {
	store  GateStore
	gates  GateActions
	config GateWatcherConfig
	logger *slog.Logger
	now    func() time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateWatcher creates a new gate watcher worker.
func NewGateWatcher(s GateStore, gates GateActions, config GateWatcherConfig, logger *slog.Logger) *GateWatcher {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &GateWatcher{
		store:  s,
		gates:  gates,
		config: config,
		logger: logger.With("component", "gate_watcher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the watcher background goroutine.
func (w *GateWatcher) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.run()

	w.logger.Info("gate watcher started",
		"interval", w.config.Interval,
		"remind_after", w.config.RemindAfter,
		"timeout", w.config.Timeout,
	)
}

// Stop gracefully stops the watcher and waits for an in-progress cycle.
func (w *GateWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("gate watcher stopped")
}

func (w *GateWatcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(w.ctx)
		}
	}
}

// runCycle handles every pending gate once.
func (w *GateWatcher) runCycle(ctx context.Context) {
	if w.config.RemindAfter == 0 && w.config.Timeout == 0 {
		return
	}

	gates, err := w.store.ListPendingGates(ctx)
	if err != nil {
		w.logger.Error("failed to list pending gates", "error", err)
		return
	}
	if len(gates) == 0 {
		w.logger.Debug("no pending gates")
		return
	}

	now := w.now()
	for i := range gates {
		g := &gates[i]
		logger := w.logger.With("gate_id", g.ID, "run_id", g.RunID, "stage", g.Stage)
		age := now.Sub(g.CreatedAt)

		if w.config.Timeout > 0 && age > w.config.Timeout {
			reason := fmt.Sprintf("no decision within %s", w.config.Timeout)
			if _, err := w.gates.Abandon(ctx, g.ID, reason); err != nil {
				logger.Warn("failed to abandon gate", "error", err)
				continue
			}
			logger.Info("gate timed out", "age", age)
			continue
		}

		if w.config.RemindAfter > 0 {
			last := g.CreatedAt
			if g.NotifiedAt != nil {
				last = *g.NotifiedAt
			}
			if now.Sub(last) > w.config.RemindAfter {
				logger.Info("reminding approvers", "age", age)
				w.gates.Remind(ctx, g)
			}
		}
	}
}
