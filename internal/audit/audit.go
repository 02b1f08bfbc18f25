// Package audit appends an immutable record for every verification attempt.
// Appends are best-effort from the caller's point of view: a failed append is
// logged and counted, never surfaced, so a broken audit sink cannot change a
// redemption outcome that has already been decided.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"slipgate.org/internal/ids"
	"slipgate.org/internal/obs"
)

// Attempt is one verification decision. SlipID is whatever code the caller
// submitted and may not correspond to any real slip.
type Attempt struct {
	ID      string         `json:"id"`
	SlipID  string         `json:"slip_id"`
	StaffID string         `json:"staff_id"`
	Result  string         `json:"result"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Appender is the append-only audit sink. No read API is required.
type Appender interface {
	Append(ctx context.Context, a Attempt) error
}

// Recorder fills in record defaults and swallows sink failures.
type Recorder struct {
	sink Appender
	now  func() time.Time
}

// NewRecorder wraps sink. A nil sink records to the shared log.
func NewRecorder(sink Appender) *Recorder {
	if sink == nil {
		sink = LogAppender{}
	}
	return &Recorder{sink: sink, now: time.Now}
}

// Record appends one attempt. It never fails: errors from the sink are
// logged through obs and counted, and the caller proceeds regardless.
func (r *Recorder) Record(ctx context.Context, a Attempt) {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if strings.TrimSpace(a.StaffID) == "" {
		a.StaffID = "unknown"
	}
	if a.At.IsZero() {
		a.At = r.now().UTC()
	}
	if err := r.sink.Append(ctx, a); err != nil {
		obs.ObserveAuditFailure()
		obs.LogEvent(map[string]any{
			"type":    "audit",
			"event":   "audit.append_failed",
			"slip_id": a.SlipID,
			"result":  a.Result,
			"error":   err.Error(),
		})
	}
}

// LogAppender writes audit records as JSON lines through the shared logger.
type LogAppender struct{}

func (LogAppender) Append(ctx context.Context, a Attempt) error {
	obs.LogEvent(map[string]any{
		"type":     "audit",
		"event":    "slip.verification",
		"id":       a.ID,
		"slip_id":  a.SlipID,
		"staff_id": a.StaffID,
		"result":   a.Result,
		"details":  a.Details,
		"at":       a.At.Format(time.RFC3339Nano),
	})
	return nil
}

// Memory is an in-process appender used in tests and single-node setups.
type Memory struct {
	mu       sync.Mutex
	attempts []Attempt
}

// NewMemory creates an empty in-memory audit sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

// Attempts returns a copy of everything appended so far.
func (m *Memory) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.attempts))
	copy(out, m.attempts)
	return out
}
