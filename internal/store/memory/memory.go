// Package memory provides an in-process Partial Result Store. Every operation
// holds a single mutex, so the store is linearizable. Error injection fields
// let tests simulate an unreachable backend.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kozaktomas/face-pipeline/internal/store"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory store is closed")

// Store is a mutex-guarded map of work item records.
type Store struct {
	mu      sync.Mutex
	records map[string]map[store.Field][]byte
	closed  bool

	// Error injection
	PutError      error
	ExistsError   error
	GetError      error
	CompleteError error
}

// New creates an empty memory store.
func New() *Store {
	return &Store{
		records: make(map[string]map[store.Field][]byte),
	}
}

// Put writes one field.
func (s *Store) Put(ctx context.Context, workItemID string, field store.Field, payload []byte) error {
	if s.PutError != nil {
		return s.PutError
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.putLocked(workItemID, field, payload)
	return nil
}

// Exists reports whether the field is present.
func (s *Store) Exists(ctx context.Context, workItemID string, field store.Field) (bool, error) {
	if s.ExistsError != nil {
		return false, s.ExistsError
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.records[workItemID][field]
	return ok, nil
}

// Get returns a copy of the stored payload.
func (s *Store) Get(ctx context.Context, workItemID string, field store.Field) ([]byte, error) {
	if s.GetError != nil {
		return nil, s.GetError
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	payload, ok := s.records[workItemID][field]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", store.Key(workItemID), field, store.ErrNotFound)
	}
	return append([]byte(nil), payload...), nil
}

// Complete writes one field and reports whether this write completed the record.
func (s *Store) Complete(ctx context.Context, workItemID string, field store.Field, payload []byte) (bool, error) {
	if s.CompleteError != nil {
		return false, s.CompleteError
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	before := make(map[store.Field]bool, len(store.Fields))
	for f := range s.records[workItemID] {
		before[f] = true
	}
	s.putLocked(workItemID, field, payload)
	return store.Joined(field, before), nil
}

// Close marks the store closed. Stored records are kept for inspection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of work items with at least one field.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) putLocked(workItemID string, field store.Field, payload []byte) {
	rec, ok := s.records[workItemID]
	if !ok {
		rec = make(map[store.Field][]byte, len(store.Fields))
		s.records[workItemID] = rec
	}
	rec[field] = append([]byte(nil), payload...)
}
