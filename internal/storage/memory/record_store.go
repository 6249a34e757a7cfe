package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/permit-crawler/internal/permit"
)

// RecordStore keeps permit records in a map. Upserts merge like the SQL stores.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]permit.Record
}

// NewRecordStore creates an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]permit.Record)}
}

// Get returns a copy of the record for statusNo.
func (s *RecordStore) Get(_ context.Context, statusNo string) (permit.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[statusNo]
	if !ok {
		return permit.Record{}, false, nil
	}
	return permit.Record{}.Merge(rec), true, nil
}

// Upsert merges rec's non-null fields into the stored record.
func (s *RecordStore) Upsert(_ context.Context, rec permit.Record) error {
	key := rec.Key()
	if key == "" {
		return errors.New("status number is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = s.records[key].Merge(rec)
	return nil
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
