package slip

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. The
// compare-and-swap in MarkUsedIfUnused happens under the store lock, so it
// carries the same exactly-once guarantee as the SQL conditional update.
type InMemory struct {
	mu    sync.RWMutex
	slips map[string]*Slip
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty slip store.
func NewInMemory() *InMemory {
	return &InMemory{slips: make(map[string]*Slip)}
}

func (s *InMemory) FindByCode(ctx context.Context, code string) (Slip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slips[code]
	if !ok {
		return Slip{}, ErrNotFound
	}
	return copySlip(sl), nil
}

func (s *InMemory) CreateIfAbsent(ctx context.Context, sl Slip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slips[sl.Code]; ok {
		return ErrAlreadyExists
	}
	stored := copySlip(&sl)
	s.slips[sl.Code] = &stored
	return nil
}

func (s *InMemory) MarkUsedIfUnused(ctx context.Context, code, usedBy string, usedAt time.Time) (Slip, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slips[code]
	if !ok {
		return Slip{}, false, ErrNotFound
	}
	if sl.Used {
		return copySlip(sl), false, nil
	}
	at := usedAt.UTC()
	sl.Used = true
	sl.UsedAt = &at
	sl.UsedBy = usedBy
	return copySlip(sl), true, nil
}

func copySlip(sl *Slip) Slip {
	out := *sl
	if sl.ExpiresAt != nil {
		t := *sl.ExpiresAt
		out.ExpiresAt = &t
	}
	if sl.UsedAt != nil {
		t := *sl.UsedAt
		out.UsedAt = &t
	}
	if sl.Metadata != nil {
		out.Metadata = append([]byte(nil), sl.Metadata...)
	}
	return out
}
