package calls

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and early development.
// UpdateGuarded has real compare-and-swap semantics under the mutex, so
// concurrency tests exercise the same accept/reject behavior as Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]CallRecord

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]CallRecord{}, clock: time.Now}
}

// SetClock injects a deterministic clock for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) { s.clock = clock }

func (s *MemoryStore) Create(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" || rec.WorkspaceID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.CallID]; ok {
		return ErrAlreadyExists
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.records[rec.CallID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, workspaceID, callID string) (CallRecord, error) {
	if workspaceID == "" || callID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok || rec.WorkspaceID != workspaceID {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetByLegSID(ctx context.Context, legSID string) (CallRecord, bool, error) {
	if legSID == "" {
		return CallRecord{}, false, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.PrimaryLegSID == legSID || (rec.SecondaryLegSID != "" && rec.SecondaryLegSID == legSID) {
			return rec, true, nil
		}
	}
	return CallRecord{}, false, nil
}

func (s *MemoryStore) FindOpenByNumbers(ctx context.Context, workspaceID, from, to string) (CallRecord, bool, error) {
	if workspaceID == "" {
		return CallRecord{}, false, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best CallRecord
	found := false
	for _, rec := range s.records {
		if rec.WorkspaceID != workspaceID || !rec.IsOpen() {
			continue
		}
		straight := SameNumber(rec.From, from) && SameNumber(rec.To, to)
		crossed := SameNumber(rec.From, to) && SameNumber(rec.To, from)
		if !straight && !crossed {
			continue
		}
		if !found || rec.CreatedAt.After(best.CreatedAt) {
			best = rec
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) BindPrimaryLeg(ctx context.Context, callID, legSID string) error {
	if callID == "" || legSID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return ErrNotFound
	}
	rec.PrimaryLegSID = legSID
	rec.UpdatedAt = s.clock().UTC()
	s.records[callID] = rec
	return nil
}

func (s *MemoryStore) UpdateGuarded(ctx context.Context, callID string, expect CallStatus, upd StatusUpdate) (CallRecord, bool, error) {
	if callID == "" {
		return CallRecord{}, false, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return CallRecord{}, false, ErrNotFound
	}
	if rec.Status != expect {
		return rec, false, nil
	}
	rec = applyUpdate(rec, upd, s.clock().UTC())
	s.records[callID] = rec
	return rec, true, nil
}

func (s *MemoryStore) ListSince(ctx context.Context, workspaceID string, since time.Time) ([]CallRecord, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, rec := range s.records {
		if rec.WorkspaceID != workspaceID {
			continue
		}
		if rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *MemoryStore) ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, rec := range s.records {
		if rec.IsOpen() && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func sortByCreatedDesc(recs []CallRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CreatedAt.After(recs[j-1].CreatedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
