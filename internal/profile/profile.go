// Package profile stores sticky experiment assignments per user and keeps
// them consistent with the live project configuration.
package profile

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
)

var (
	ErrStoreClosed     = errors.New("profile store closed")
	ErrInvalidRecord   = errors.New("invalid profile record")
	ErrRecordNotFound  = errors.New("profile record not found")
	errNilBackendStore = errors.New("profile backend is nil")
)

// Record is one stored assignment.
type Record struct {
	UserID       string `json:"user_id"`
	ExperimentID string `json:"experiment_id"`
	VariationID  string `json:"variation_id"`
}

func (r Record) validate() error {
	if r.UserID == "" || r.ExperimentID == "" || r.VariationID == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Store persists assignments. Lookup returns experiment id -> variation id
// for one user and a nil map when the user has no assignments.
type Store interface {
	Lookup(ctx context.Context, userID string) (map[string]string, error)
	Save(ctx context.Context, userID, experimentID, variationID string) error
	Remove(ctx context.Context, userID, experimentID string) error
	Records(ctx context.Context) ([]Record, error)
}

// MemoryStore keeps assignments in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]map[string]string)}
}

func (s *MemoryStore) Lookup(_ context.Context, userID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variations, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return maps.Clone(variations), nil
}

func (s *MemoryStore) Save(_ context.Context, userID, experimentID, variationID string) error {
	record := Record{UserID: userID, ExperimentID: experimentID, VariationID: variationID}
	if err := record.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.put(record)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, userID, experimentID string) error {
	s.mu.Lock()
	s.delete(userID, experimentID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Records(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.records(), nil
}

// get, put, delete and records expect s.mu to be held.

func (s *MemoryStore) get(userID, experimentID string) (string, bool) {
	variationID, ok := s.profiles[userID][experimentID]
	return variationID, ok
}

func (s *MemoryStore) put(record Record) {
	variations, ok := s.profiles[record.UserID]
	if !ok {
		variations = make(map[string]string)
		s.profiles[record.UserID] = variations
	}
	variations[record.ExperimentID] = record.VariationID
}

func (s *MemoryStore) delete(userID, experimentID string) {
	variations, ok := s.profiles[userID]
	if !ok {
		return
	}
	delete(variations, experimentID)
	if len(variations) == 0 {
		delete(s.profiles, userID)
	}
}

func (s *MemoryStore) records() []Record {
	records := make([]Record, 0, len(s.profiles))
	for userID, variations := range s.profiles {
		for experimentID, variationID := range variations {
			records = append(records, Record{UserID: userID, ExperimentID: experimentID, VariationID: variationID})
		}
	}
	SortRecords(records)
	return records
}

func (s *MemoryStore) replace(records []Record) {
	next := make(map[string]map[string]string)
	s.profiles = next
	for _, record := range records {
		if record.validate() == nil {
			s.put(record)
		}
	}
}

// NoopStore never remembers anything.
type NoopStore struct{}

func (NoopStore) Lookup(context.Context, string) (map[string]string, error) { return nil, nil }
func (NoopStore) Save(context.Context, string, string, string) error         { return nil }
func (NoopStore) Remove(context.Context, string, string) error               { return nil }
func (NoopStore) Records(context.Context) ([]Record, error)                  { return nil, nil }

// SortRecords orders records by user, then experiment.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		return records[i].ExperimentID < records[j].ExperimentID
	})
}
