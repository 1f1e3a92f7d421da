// Package gate runs manual approval gates: persisted gate records, decisions
// carrying an approver identity, blocking waits and notification hooks.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/store"
)

// DefaultPollInterval is how often Wait re-reads a gate from the store.
// Decisions made in this process wake waiters immediately; the poll picks up
// decisions written by another process (the CLI) against the same database.
const DefaultPollInterval = 2 * time.Second

// Config configures the gate service.
type Config struct {
	PollInterval time.Duration
}

// Service opens, decides and waits on gates.
type Service struct {
	store    store.Store
	notifier Notifier
	config   Config
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewService creates a gate service. notifier may be nil.
func NewService(s store.Store, notifier Notifier, config Config, logger *slog.Logger) *Service {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		notifier: notifier,
		config:   config,
		logger:   logger.With("component", "gate"),
		waiters:  make(map[string][]chan struct{}),
	}
}

// Open returns the gate for runID/stage, creating and announcing it when it
// does not exist yet. Reopening after a restart returns the persisted gate
// with its decision intact.
func (s *Service) Open(ctx context.Context, runID string, stage domain.Stage, info string) (*domain.Gate, error) {
	existing, err := s.store.GetGateForStage(ctx, runID, stage)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	g := domain.NewGate(runID, stage, info)
	if err := s.store.CreateGate(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("gate opened", "gate_id", g.ID, "run_id", runID, "stage", stage)

	s.notify(ctx, EventOpened, g)
	return g, nil
}

// Decide records an approve or reject decision on a pending gate.
// It returns domain.ErrGateDecided when the gate already left pending,
// including when another approver won a concurrent race.
func (s *Service) Decide(ctx context.Context, gateID string, decision domain.Decision, identity, comment string) (*domain.Gate, error) {
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if err := g.Decide(decision, identity, comment); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGate(ctx, g, domain.GatePending); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, fmt.Errorf("%w: %v", domain.ErrGateDecided, err)
		}
		return nil, err
	}

	s.logger.Info("gate decided",
		"gate_id", g.ID,
		"run_id", g.RunID,
		"stage", g.Stage,
		"status", g.Status,
		"decided_by", g.DecidedBy,
	)
	s.wake(g.ID)
	s.notify(ctx, EventDecided, g)
	return g, nil
}

// Abandon closes a pending gate without approval (cancel or timeout).
func (s *Service) Abandon(ctx context.Context, gateID, reason string) (*domain.Gate, error) {
	g, err := s.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if err := g.Abandon(reason); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGate(ctx, g, domain.GatePending); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, fmt.Errorf("%w: %v", domain.ErrGateDecided, err)
		}
		return nil, err
	}

	s.logger.Info("gate abandoned", "gate_id", g.ID, "run_id", g.RunID, "stage", g.Stage, "reason", reason)
	s.wake(g.ID)
	s.notify(ctx, EventDecided, g)
	return g, nil
}

// Remind re-sends the notification for a pending gate.
func (s *Service) Remind(ctx context.Context, g *domain.Gate) {
	s.notify(ctx, EventReminder, g)
}

// Wait blocks until the gate leaves pending or ctx ends, and returns the
// decided gate. Only an approved gate lets the caller proceed; see Gate.Err.
func (s *Service) Wait(ctx context.Context, gateID string) (*domain.Gate, error) {
	wake := s.subscribe(gateID)
	defer s.unsubscribe(gateID, wake)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		g, err := s.store.GetGate(ctx, gateID)
		if err != nil {
			return nil, err
		}
		if g.Status.IsDecided() {
			return g, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (s *Service) notify(ctx context.Context, event EventKind, g *domain.Gate) {
	if err := s.notifier.Notify(ctx, Notification{Event: event, Gate: *g}); err != nil {
		s.logger.Warn("gate notification failed", "gate_id", g.ID, "event", event, "error", err)
		return
	}
	if event == EventDecided {
		return
	}
	if err := s.store.MarkGateNotified(ctx, g.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to mark gate notified", "gate_id", g.ID, "error", err)
	}
}

func (s *Service) subscribe(gateID string) chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.waiters[gateID] = append(s.waiters[gateID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unsubscribe(gateID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[gateID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, gateID)
		return
	}
	s.waiters[gateID] = list
}

func (s *Service) wake(gateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters[gateID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
