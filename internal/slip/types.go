package slip

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Slip is a single-use voucher identified by an opaque code. The code is
// embedded in the QR payload presented at the counter. Metadata is carried
// through verbatim and never interpreted here.
type Slip struct {
	Code      string          `json:"code"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Used      bool            `json:"used"`
	UsedAt    *time.Time      `json:"used_at,omitempty"`
	UsedBy    string          `json:"used_by,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Expired reports whether the slip's expiry, if set, lies before now.
func (s Slip) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

var (
	ErrNotFound      = errors.New("slip not found")
	ErrAlreadyExists = errors.New("slip already exists")
)

// Store is the persisted slip collection. Issuance happens elsewhere;
// redemption only reads and conditionally flips the used flag.
type Store interface {
	FindByCode(ctx context.Context, code string) (Slip, error)

	// CreateIfAbsent inserts a new slip, returning ErrAlreadyExists when the
	// code is taken. Used by seeding and issuance tooling.
	CreateIfAbsent(ctx context.Context, s Slip) error

	// MarkUsedIfUnused atomically transitions used from false to true. It
	// returns the updated slip and true when this call won the transition,
	// or the current slip and false when the slip was already used. The
	// check and the write must be a single atomic operation; concurrent
	// callers for the same code see exactly one true.
	MarkUsedIfUnused(ctx context.Context, code, usedBy string, usedAt time.Time) (Slip, bool, error)
}
