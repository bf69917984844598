package record

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests and single-process
// development runs. Semantics match PostgresStore, including the
// compare-and-swap Claim.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return ErrNotFound
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) WithStatus(_ context.Context, statuses ...Status) ([]*Record, error) {
	want := statusSet(statuses)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, rec := range s.records {
		if want[rec.Status] {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) LatestPerLayer(_ context.Context, statuses ...Status) (map[string]*Record, error) {
	want := statusSet(statuses)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*Record)
	for _, rec := range s.records {
		if len(statuses) > 0 && !want[rec.Status] {
			continue
		}
		cur, ok := out[rec.LayerName]
		if !ok || rec.StartedAt.After(cur.StartedAt) {
			out[rec.LayerName] = cloneRecord(rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestForLayer(_ context.Context, layer string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Record
	for _, rec := range s.records {
		if rec.LayerName != layer {
			continue
		}
		if latest == nil || rec.StartedAt.After(latest.StartedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRecord(latest), nil
}

func (s *MemoryStore) DeleteForLayer(_ context.Context, layer string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, rec := range s.records {
		if rec.LayerName == layer {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

func statusSet(statuses []Status) map[Status]bool {
	set := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		set[st] = true
	}
	return set
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		out.CompletedAt = &t
	}
	if rec.Metadata != nil {
		out.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
