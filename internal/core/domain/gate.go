package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Approval Gate
// =============================================================================

type GateStatus string

const (
	GatePending   GateStatus = "pending"
	GateApproved  GateStatus = "approved"
	GateRejected  GateStatus = "rejected"
	GateAbandoned GateStatus = "abandoned"
)

// IsDecided reports whether the gate has left pending.
func (s GateStatus) IsDecided() bool {
	return s != GatePending
}

// Decision is the external action recorded against a gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Gate is a persisted manual approval checkpoint for one stage of one run.
type Gate struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Stage      Stage      `json:"stage"`
	Status     GateStatus `json:"status"`
	Info       string     `json:"info,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// NewGate opens a pending gate.
func NewGate(runID string, stage Stage, info string) *Gate {
	return &Gate{
		ID:        uuid.New().String(),
		RunID:     runID,
		Stage:     stage,
		Status:    GatePending,
		Info:      info,
		CreatedAt: time.Now().UTC(),
	}
}

// Decide records an approve or reject decision. Only a pending gate can be
// decided, and the decision must carry who made it.
func (g *Gate) Decide(decision Decision, identity, comment string) error {
	if g.Status.IsDecided() {
		return ErrGateDecided
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrIdentityMissing
	}

	var to GateStatus
	switch decision {
	case DecisionApprove:
		to = GateApproved
	case DecisionReject:
		to = GateRejected
	default:
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	g.Status = to
	g.DecidedBy = identity
	g.Comment = comment
	g.DecidedAt = &now
	return nil
}

// Abandon closes a pending gate without approving it.
func (g *Gate) Abandon(reason string) error {
	if g.Status.IsDecided() {
		return ErrGateDecided
	}
	now := time.Now().UTC()
	g.Status = GateAbandoned
	g.Comment = reason
	g.DecidedAt = &now
	return nil
}

// Err maps a decided gate to the error the sequencer halts with.
// It returns nil for an approved gate.
func (g *Gate) Err() error {
	switch g.Status {
	case GateRejected:
		return ErrGateRejected
	case GateAbandoned:
		return ErrGateAbandoned
	}
	return nil
}
