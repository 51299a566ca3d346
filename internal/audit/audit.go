// Package audit defines the structured event the engine emits once per
// answered query, and the sink contract for delivering it. Durable,
// tamper-evident storage of events belongs to an external collaborator; the
// engine only guarantees that a failed delivery is never silent.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event is one query's audit record. It never carries provider credentials.
type Event struct {
	Time        time.Time     `json:"time"`
	Query       string        `json:"query"`
	TenantID    string        `json:"tenant_id"`
	SuiteID     string        `json:"suite_id,omitempty"`
	ModuleID    string        `json:"module_id,omitempty"`
	ChunkIDs    []string      `json:"chunk_ids"`
	AnswerLen   int           `json:"answer_len"`
	Latency     time.Duration `json:"latency"`
	CacheHit    bool          `json:"cache_hit"`
	NoGrounding bool          `json:"no_grounding,omitempty"`
}

// Sink receives audit events. Delivery failures are surfaced to the caller,
// which logs locally and flags degraded mode rather than dropping the event
// silently.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes audit events through slog. It is the default sink when no
// external audit collaborator is wired.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "audit event",
		"query", event.Query,
		"tenant_id", event.TenantID,
		"suite_id", event.SuiteID,
		"module_id", event.ModuleID,
		"chunk_ids", event.ChunkIDs,
		"answer_len", event.AnswerLen,
		"latency", event.Latency,
		"cache_hit", event.CacheHit,
		"no_grounding", event.NoGrounding,
	)
	return nil
}
