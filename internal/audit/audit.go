// Package audit implements the append-only execution ledger. Every state
// change in the marketplace (registration, dispatch, denial, trust decision)
// lands here before the call returns, so failures are never invisible.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/capstan/internal/bus"
	"github.com/basket/capstan/internal/persistence"
	"github.com/basket/capstan/internal/shared"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	KindCapabilityRegistered EventKind = "capability_registered"
	KindCapabilityRemoved    EventKind = "capability_removed"
	KindExecutionStarted     EventKind = "execution_started"
	KindExecutionCompleted   EventKind = "execution_completed"
	KindPolicyDenied         EventKind = "policy_denied"
	KindTrustPrompted        EventKind = "trust_prompted"
	KindTrustApproved        EventKind = "trust_approved"
	KindTrustRejected        EventKind = "trust_rejected"
	KindDiscoveryCompleted   EventKind = "discovery_completed"
)

// Outcome classifies how a call ended.
const (
	OutcomeSuccess             = "success"
	OutcomeError               = "error"
	OutcomeDenied              = "denied"
	OutcomeNotFound            = "not_found"
	OutcomeResourceExceeded    = "resource_exceeded"
	OutcomeProviderUnavailable = "provider_unavailable"
	OutcomeUserDenied          = "user_denied"
	OutcomeInvalidInput        = "invalid_input"
)

// Event is one ledger entry. Immutable once appended.
type Event struct {
	Timestamp     string    `json:"timestamp"`
	Kind          EventKind `json:"kind"`
	CapabilityID  string    `json:"capability_id"`
	Actor         string    `json:"actor,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	Cost          float64   `json:"cost,omitempty"`
	CorrelationID string    `json:"correlation_id"`
}

// Ledger is the write-only audit sink. It fans each event out to a JSONL
// file, the sqlite audit_log table, and the event bus. Any sink may be nil.
// The ledger is passed by handle to every component that emits events; there
// is no package-level singleton.
type Ledger struct {
	mu     sync.Mutex
	file   *os.File
	store  *persistence.Store
	events *bus.Bus
	logger *slog.Logger

	denied atomic.Int64
}

// Config wires the ledger's sinks.
type Config struct {
	Dir    string // JSONL directory; empty disables the file sink
	Store  *persistence.Store
	Events *bus.Bus
	Logger *slog.Logger
}

// NewLedger opens the ledger. The JSONL file is opened append-only; rows are
// never rewritten.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Ledger{store: cfg.Store, events: cfg.Events, logger: cfg.Logger}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.Dir, "ledger.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open ledger file: %w", err)
		}
		l.file = f
	}
	return l, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DeniedCount returns the number of denial events appended since startup.
func (l *Ledger) DeniedCount() int64 {
	return l.denied.Load()
}

// Append records one event. The timestamp and correlation id are filled from
// the context when unset. Sink failures are logged, never propagated: an
// audit write must not fail the call it describes, but it always happens
// before the call returns.
func (l *Ledger) Append(ctx context.Context, ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = shared.CorrelationID(ctx)
	}
	if ev.Actor == "" {
		ev.Actor = shared.Actor(ctx)
	}
	ev.Reason = shared.Redact(ev.Reason)

	if ev.Kind == KindPolicyDenied || ev.Outcome == OutcomeDenied || ev.Outcome == OutcomeUserDenied {
		l.denied.Add(1)
	}

	l.mu.Lock()
	if l.file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	l.mu.Unlock()

	if l.store != nil {
		err := l.store.AppendAuditEvent(ctx, persistence.AuditRow{
			CorrelationID: ev.CorrelationID,
			EventKind:     string(ev.Kind),
			CapabilityID:  ev.CapabilityID,
			Actor:         ev.Actor,
			Outcome:       ev.Outcome,
			Reason:        ev.Reason,
			DurationMS:    ev.DurationMS,
			Cost:          ev.Cost,
		})
		if err != nil {
			l.logger.Error("audit row append failed", "kind", ev.Kind, "capability", ev.CapabilityID, "error", err)
		}
	}

	if l.events != nil {
		l.events.Publish(topicFor(ev.Kind), bus.ExecutionEvent{
			CorrelationID: ev.CorrelationID,
			CapabilityID:  ev.CapabilityID,
			Actor:         ev.Actor,
			Outcome:       ev.Outcome,
			DurationMS:    ev.DurationMS,
		})
	}
}

func topicFor(kind EventKind) string {
	switch kind {
	case KindCapabilityRegistered:
		return bus.TopicCapabilityRegistered
	case KindCapabilityRemoved:
		return bus.TopicCapabilityRemoved
	case KindExecutionStarted:
		return bus.TopicExecutionStarted
	case KindExecutionCompleted:
		return bus.TopicExecutionCompleted
	case KindPolicyDenied:
		return bus.TopicExecutionDenied
	case KindTrustPrompted:
		return bus.TopicTrustPrompted
	case KindTrustApproved:
		return bus.TopicTrustApproved
	case KindTrustRejected:
		return bus.TopicTrustRejected
	case KindDiscoveryCompleted:
		return bus.TopicDiscoveryRun
	}
	return "audit." + string(kind)
}
