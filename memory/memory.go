// Package memory provides concurrency-safe in-memory stores for tests, examples and runs without a database.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ProcessedStore is an in-memory processed-message ledger.
type ProcessedStore struct {
	mu   sync.RWMutex
	keys map[string]time.Time
}

// NewProcessedStore returns an empty ledger.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{keys: make(map[string]time.Time)}
}

func (s *ProcessedStore) Processed(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	_, ok := s.keys[key]
	s.mu.RUnlock()

	return ok, nil
}

func (s *ProcessedStore) MarkProcessed(ctx context.Context, key string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.keys[key]; !ok {
		s.keys[key] = at
	}
	s.mu.Unlock()

	return nil
}

// Purge deletes keys processed before the cutoff.
func (s *ProcessedStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for k, at := range s.keys {
		if at.Before(before) {
			delete(s.keys, k)
			n++
		}
	}

	return n, nil
}

// RoleStore keeps role assignments in memory.
type RoleStore struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{}
}

// NewRoleStore returns an empty store.
func NewRoleStore() *RoleStore {
	return &RoleStore{roles: make(map[string]map[string]struct{})}
}

func (s *RoleStore) Assign(ctx context.Context, subject, role string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.roles[subject]
	if !ok {
		set = make(map[string]struct{})
		s.roles[subject] = set
	}

	if _, exists := set[role]; exists {
		return false, nil
	}

	set[role] = struct{}{}

	return true, nil
}

func (s *RoleStore) Revoke(ctx context.Context, subject, role string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.roles[subject]
	if _, exists := set[role]; !exists {
		return false, nil
	}

	delete(set, role)

	if len(set) == 0 {
		delete(s.roles, subject)
	}

	return true, nil
}

// Roles lists the roles of subject in name order.
func (s *RoleStore) Roles(ctx context.Context, subject string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.roles[subject]))
	for r := range s.roles[subject] {
		out = append(out, r)
	}

	slices.Sort(out)

	return out, nil
}
