package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"slipgate.org/internal/audit"
	"slipgate.org/internal/slip"
)

// Store backs the slip collection and the audit trail with Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ slip.Store     = (*Store)(nil)
	_ audit.Appender = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (used by tests and cmd/migrate).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const slipColumns = `code, expires_at, used, used_at, coalesce(used_by,''), metadata`

func (s *Store) FindByCode(ctx context.Context, code string) (slip.Slip, error) {
	row := s.db.QueryRowContext(ctx, `select `+slipColumns+` from slips where code=$1`, code)
	return scanSlip(row)
}

func (s *Store) CreateIfAbsent(ctx context.Context, sl slip.Slip) error {
	var metadata any
	if len(sl.Metadata) > 0 {
		metadata = []byte(sl.Metadata)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into slips(code, expires_at, metadata)
		values ($1, $2, $3)
		on conflict (code) do nothing
	`, sl.Code, sl.ExpiresAt, metadata)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return slip.ErrAlreadyExists
	}
	return nil
}

// MarkUsedIfUnused is the compare-and-swap at the heart of the system: the
// predicate and the write are one statement, so concurrent callers for the
// same code get exactly one affected row between them.
func (s *Store) MarkUsedIfUnused(ctx context.Context, code, usedBy string, usedAt time.Time) (slip.Slip, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		update slips
		set used = true, used_at = $2, used_by = $3
		where code = $1 and used = false
		returning `+slipColumns+`
	`, code, usedAt.UTC(), usedBy)

	updated, err := scanSlip(row)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, slip.ErrNotFound) {
		return slip.Slip{}, false, err
	}

	// No row matched: either the slip does not exist or it was already
	// used. Re-read to tell the two apart and surface the original usedAt.
	current, err := s.FindByCode(ctx, code)
	if err != nil {
		return slip.Slip{}, false, err
	}
	return current, false, nil
}

// Append writes one verification attempt to the append-only audit table.
func (s *Store) Append(ctx context.Context, a audit.Attempt) error {
	var details any
	if len(a.Details) > 0 {
		data, err := json.Marshal(a.Details)
		if err != nil {
			return err
		}
		details = data
	}
	_, err := s.db.ExecContext(ctx, `
		insert into verification_log(id, slip_id, staff_id, result, details, at)
		values ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.SlipID, a.StaffID, a.Result, details, a.At.UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlip(row rowScanner) (slip.Slip, error) {
	var (
		sl        slip.Slip
		expiresAt sql.NullTime
		usedAt    sql.NullTime
		metadata  []byte
	)
	err := row.Scan(&sl.Code, &expiresAt, &sl.Used, &usedAt, &sl.UsedBy, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return slip.Slip{}, slip.ErrNotFound
	}
	if err != nil {
		return slip.Slip{}, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sl.ExpiresAt = &t
	}
	if usedAt.Valid {
		t := usedAt.Time
		sl.UsedAt = &t
	}
	if len(metadata) > 0 {
		sl.Metadata = json.RawMessage(metadata)
	}
	return sl, nil
}
