// Package redeem implements the slip redemption state machine. Outcomes are
// expected control flow, not faults: every call — including those for codes
// that match no slip — decides exactly one outcome, audits it, and returns.
package redeem

import (
	"context"
	"errors"
	"time"

	"slipgate.org/internal/audit"
	"slipgate.org/internal/auth"
	"slipgate.org/internal/obs"
	"slipgate.org/internal/slip"
)

// Result identifies the outcome of one redemption attempt. Values match the
// response codes on the wire.
type Result string

const (
	ResultOK          Result = "OK"
	ResultForbidden   Result = "FORBIDDEN"
	ResultInvalidSlip Result = "INVALID_SLIP"
	ResultAlreadyUsed Result = "ALREADY_USED"
	ResultExpiredSlip Result = "EXPIRED_SLIP"
	ResultServerError Result = "SERVER_ERROR"
)

// Outcome carries the decision plus whatever detail the response needs.
type Outcome struct {
	Result    Result
	Message   string
	Code      string
	UsedAt    *time.Time
	ExpiresAt *time.Time

	// Err holds the underlying fault for ResultServerError; it stays
	// internal and is never serialized to the caller.
	Err error
}

// DefaultRequiredRole gates the verify operation.
const DefaultRequiredRole = "counter"

// Engine evaluates the slip state machine and records every decision.
type Engine struct {
	slips        slip.Store
	recorder     *audit.Recorder
	requiredRole string
	now          func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithRequiredRole overrides the role required to redeem slips.
func WithRequiredRole(role string) Option {
	return func(e *Engine) {
		if role != "" {
			e.requiredRole = role
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// New builds an Engine over the given store and audit recorder.
func New(slips slip.Store, recorder *audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		slips:        slips,
		recorder:     recorder,
		requiredRole: DefaultRequiredRole,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Redeem runs the state machine for code on behalf of identity. Transitions
// are evaluated in fixed order: role check, lookup, used, expired, then the
// atomic mark. Exactly one audit record is appended before returning, and an
// audit failure never changes the outcome.
func (e *Engine) Redeem(ctx context.Context, code string, identity auth.Identity, scannerID string) Outcome {
	staffID := identity.ActorID()

	if !identity.HasRole(e.requiredRole) {
		return e.decide(ctx, code, staffID, Outcome{
			Result:  ResultForbidden,
			Message: "User not authorized to verify slips",
		}, map[string]any{"scanner_id": scannerID})
	}

	current, err := e.slips.FindByCode(ctx, code)
	if errors.Is(err, slip.ErrNotFound) {
		return e.decide(ctx, code, staffID, Outcome{
			Result:  ResultInvalidSlip,
			Message: "Slip not found",
		}, map[string]any{"note": "not found", "scanner_id": scannerID})
	}
	if err != nil {
		return e.fault(ctx, code, staffID, scannerID, err)
	}

	if current.Used {
		return e.decide(ctx, code, staffID, Outcome{
			Result:  ResultAlreadyUsed,
			Message: "This slip has already been used",
			UsedAt:  current.UsedAt,
		}, map[string]any{"used_at": current.UsedAt, "scanner_id": scannerID})
	}

	if current.Expired(e.now()) {
		return e.decide(ctx, code, staffID, Outcome{
			Result:    ResultExpiredSlip,
			Message:   "Slip expired",
			ExpiresAt: current.ExpiresAt,
		}, map[string]any{"expires_at": current.ExpiresAt, "scanner_id": scannerID})
	}

	// The check above is advisory only; the store's conditional update is
	// the sole arbiter of who wins a concurrent redemption.
	updated, won, err := e.slips.MarkUsedIfUnused(ctx, code, staffID, e.now().UTC())
	if errors.Is(err, slip.ErrNotFound) {
		return e.decide(ctx, code, staffID, Outcome{
			Result:  ResultInvalidSlip,
			Message: "Slip not found",
		}, map[string]any{"note": "not found", "scanner_id": scannerID})
	}
	if err != nil {
		return e.fault(ctx, code, staffID, scannerID, err)
	}
	if !won {
		return e.decide(ctx, code, staffID, Outcome{
			Result:  ResultAlreadyUsed,
			Message: "This slip has already been used",
			UsedAt:  updated.UsedAt,
		}, map[string]any{"used_at": updated.UsedAt, "scanner_id": scannerID})
	}

	return e.decide(ctx, code, staffID, Outcome{
		Result:  ResultOK,
		Message: "Slip verified",
		Code:    updated.Code,
		UsedAt:  updated.UsedAt,
	}, map[string]any{"used_by": updated.UsedBy, "scanner_id": scannerID})
}

// decide appends the audit record and bumps the outcome metric. The outcome
// is already final when this runs.
func (e *Engine) decide(ctx context.Context, code, staffID string, out Outcome, details map[string]any) Outcome {
	e.recorder.Record(ctx, audit.Attempt{
		SlipID:  code,
		StaffID: staffID,
		Result:  string(out.Result),
		Details: details,
	})
	obs.ObserveVerification(string(out.Result))
	return out
}

func (e *Engine) fault(ctx context.Context, code, staffID, scannerID string, err error) Outcome {
	obs.LogEvent(map[string]any{
		"type":    "redeem",
		"event":   "redeem.store_error",
		"slip_id": code,
		"error":   err.Error(),
	})
	return e.decide(ctx, code, staffID, Outcome{
		Result:  ResultServerError,
		Message: "An error occurred",
		Err:     err,
	}, map[string]any{"note": "store error", "scanner_id": scannerID})
}
