// Package auditlog provides the append-only audit sink for register
// transactions. Every balance-affecting operation is mirrored here so the
// audit trail survives independently of the transactional tables.
package auditlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event describes a single auditable register operation.
type Event struct {
	TenantID      string    `json:"tenant_id"`
	EntryID       string    `json:"entry_id"`
	TransactionID string    `json:"transaction_id"`
	Type          string    `json:"type"`
	Quantity      float64   `json:"quantity"`
	BalanceAfter  float64   `json:"balance_after"`
	PerformedBy   string    `json:"performed_by"`
	WitnessedBy   string    `json:"witnessed_by"`
	ResidentID    string    `json:"resident_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	RequestID     string    `json:"request_id,omitempty"`
}

// Recorder receives audit events. Implementations must not block the
// calling operation; failures are logged but never surfaced to callers.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, ev Event)

func (f RecorderFunc) Record(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// ZerologRecorder writes audit events as structured log lines. This is the
// default sink; a durable store can be layered in via MultiRecorder.
type ZerologRecorder struct {
	logger zerolog.Logger
}

func NewZerologRecorder(logger zerolog.Logger) *ZerologRecorder {
	return &ZerologRecorder{logger: logger}
}

func (r *ZerologRecorder) Record(_ context.Context, ev Event) {
	r.logger.Info().
		Str("type", "register_transaction").
		Str("tenant_id", ev.TenantID).
		Str("entry_id", ev.EntryID).
		Str("transaction_id", ev.TransactionID).
		Str("transaction_type", ev.Type).
		Float64("quantity", ev.Quantity).
		Float64("balance_after", ev.BalanceAfter).
		Str("performed_by", ev.PerformedBy).
		Str("witnessed_by", ev.WitnessedBy).
		Str("resident_id", ev.ResidentID).
		Str("reason", ev.Reason).
		Time("occurred_at", ev.OccurredAt).
		Str("request_id", ev.RequestID).
		Msg("register_transaction")
}

// MultiRecorder fans an event out to several sinks in order.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ctx, ev)
		}
	}
}

// Nop discards all events. Useful in tests.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
