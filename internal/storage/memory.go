package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"almlp/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	calls       map[string][]model.ParentCallRecord
	runs        map[string]model.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.calls = make(map[string][]model.ParentCallRecord)
	s.runs = make(map[string]model.RunRecord)
	return nil
}

func (s *MemoryStore) AppendParentCall(_ context.Context, record model.ParentCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	for _, existing := range s.calls[record.RunID] {
		if existing.Seq == record.Seq {
			return fmt.Errorf("%w: run=%s seq=%d", ErrDuplicateRecord, record.RunID, record.Seq)
		}
	}
	record.Structure = record.Structure.Clone()
	record.Parent = record.Parent.Clone()
	if record.Delta != nil {
		delta := record.Delta.Clone()
		record.Delta = &delta
	}
	s.calls[record.RunID] = append(s.calls[record.RunID], record)
	return nil
}

func (s *MemoryStore) ListParentCalls(_ context.Context, runID string) ([]model.ParentCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.ParentCallRecord(nil), s.calls[runID]...)
	sortParentCalls(out)
	return out, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}
