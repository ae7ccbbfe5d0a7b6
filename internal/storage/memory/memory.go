// Package memory is an in-process storage backend for single-instance runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"liquidity-rebalancer/internal/storage"
)

// Store keeps rebalances and rejections in maps guarded by a RWMutex.
// Records are copied on the way in and out.
type Store struct {
	mu         sync.RWMutex
	rebalances map[string]storage.RebalanceRecord
	rejections []storage.QuoteRejection
	locks      map[int64]bool

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rebalances: make(map[string]storage.RebalanceRecord),
		locks:      make(map[int64]bool),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// InsertRebalance stores rec, stamping timestamps and a PENDING status when unset.
func (s *Store) InsertRebalance(ctx context.Context, rec storage.RebalanceRecord) (storage.RebalanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rebalances[rec.ID]; exists {
		return storage.RebalanceRecord{}, storage.ErrDuplicateKey
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = storage.StatusPending
	}
	stored := copyRebalance(rec)
	s.rebalances[rec.ID] = stored
	return copyRebalance(stored), nil
}

// GetRebalance returns a copy of the record with id.
func (s *Store) GetRebalance(ctx context.Context, id string) (storage.RebalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rebalances[id]
	if !ok {
		return storage.RebalanceRecord{}, storage.ErrNotFound
	}
	return copyRebalance(rec), nil
}

// UpdateRebalanceStatus sets the status of id.
func (s *Store) UpdateRebalanceStatus(ctx context.Context, id string, status storage.RebalanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rebalances[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	s.rebalances[id] = rec
	return nil
}

// ListRebalancesByGroup lists records sharing groupID, oldest first.
func (s *Store) ListRebalancesByGroup(ctx context.Context, groupID string) ([]storage.RebalanceRecord, error) {
	return s.filter(func(r storage.RebalanceRecord) bool { return r.GroupID == groupID }, false, 0), nil
}

// ListRecentRebalances lists up to limit records, newest first.
func (s *Store) ListRecentRebalances(ctx context.Context, limit int) ([]storage.RebalanceRecord, error) {
	return s.filter(func(storage.RebalanceRecord) bool { return true }, true, limit), nil
}

// ListRebalancesBetween lists records created within [from, to).
func (s *Store) ListRebalancesBetween(ctx context.Context, from, to time.Time) ([]storage.RebalanceRecord, error) {
	return s.filter(func(r storage.RebalanceRecord) bool {
		return !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	}, false, 0), nil
}

// ListPendingRebalances lists a wallet's PENDING records.
func (s *Store) ListPendingRebalances(ctx context.Context, wallet common.Address) ([]storage.RebalanceRecord, error) {
	return s.filter(func(r storage.RebalanceRecord) bool {
		return r.Wallet == wallet && r.Status == storage.StatusPending
	}, false, 0), nil
}

// CountRebalancesSince counts records with status created at or after since.
func (s *Store) CountRebalancesSince(ctx context.Context, status storage.RebalanceStatus, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.rebalances {
		if r.Status == status && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// InsertRejection stores a rejected quote.
func (s *Store) InsertRejection(ctx context.Context, rej storage.QuoteRejection) (storage.QuoteRejection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = s.now()
	}
	rej.Details = copyRaw(rej.Details)
	s.rejections = append(s.rejections, rej)
	out := rej
	out.Details = copyRaw(rej.Details)
	return out, nil
}

// CountRejectionsSince counts rejections created at or after since.
func (s *Store) CountRejectionsSince(ctx context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.rejections {
		if !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListRejectionsBetween lists rejections created within [from, to).
func (s *Store) ListRejectionsBetween(ctx context.Context, from, to time.Time) ([]storage.QuoteRejection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.QuoteRejection, 0)
	for _, r := range s.rejections {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			c := r
			c.Details = copyRaw(r.Details)
			out = append(out, c)
		}
	}
	return out, nil
}

// TryAdvisoryLock emulates a session advisory lock within this process.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	return func() {
		s.mu.Lock()
		delete(s.locks, key)
		s.mu.Unlock()
	}, true, nil
}

func (s *Store) filter(keep func(storage.RebalanceRecord) bool, newestFirst bool, limit int) []storage.RebalanceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.RebalanceRecord, 0)
	for _, r := range s.rebalances {
		if keep(r) {
			out = append(out, copyRebalance(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyRebalance(r storage.RebalanceRecord) storage.RebalanceRecord {
	out := r
	if r.AmountIn != nil {
		out.AmountIn = new(big.Int).Set(r.AmountIn)
	}
	if r.AmountOut != nil {
		out.AmountOut = new(big.Int).Set(r.AmountOut)
	}
	out.Context = copyRaw(r.Context)
	return out
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

var (
	_ storage.RebalanceStore = (*Store)(nil)
	_ storage.RejectionStore = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)
