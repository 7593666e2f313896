package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTaskStore implements TaskStore in process memory. It backs the
// memory queue mode and the package tests.
type MemoryTaskStore struct {
	mutex sync.RWMutex
	tasks map[uuid.UUID]*Record
	now   func() time.Time
}

// NewMemoryTaskStore creates an empty MemoryTaskStore
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*Record),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SaveTask stores a copy of rec
func (s *MemoryTaskStore) SaveTask(ctx context.Context, rec *Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.tasks[rec.ID]; exists {
		return fmt.Errorf("task %s already exists", rec.ID)
	}
	rec.UpdatedAt = s.now()
	s.tasks[rec.ID] = rec.Clone()
	return nil
}

// GetTask returns a copy of the stored record
func (s *MemoryTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec.Clone(), nil
}

// TransitionTask replaces the stored mutable fields if the status still matches from
func (s *MemoryTaskStore) TransitionTask(ctx context.Context, rec *Record, from TaskStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.tasks[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, rec.ID)
	}
	if stored.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, stored.Status)
	}

	rec.UpdatedAt = s.now()
	stored.Status = rec.Status
	stored.Progress = rec.Progress
	stored.AttemptCount = rec.AttemptCount
	stored.ErrorMessage = rec.ErrorMessage
	stored.StartedAt = rec.StartedAt
	stored.CompletedAt = rec.CompletedAt
	stored.UpdatedAt = rec.UpdatedAt
	return nil
}

// UpdateTaskProgress sets progress on a running task
func (s *MemoryTaskStore) UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if stored.Status != TaskStatusRunning {
		return nil
	}
	stored.Progress = progress
	stored.UpdatedAt = s.now()
	return nil
}

// TouchTask refreshes UpdatedAt if the task is still in status
func (s *MemoryTaskStore) TouchTask(ctx context.Context, id uuid.UUID, status TaskStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if stored.Status == status {
		stored.UpdatedAt = s.now()
	}
	return nil
}

// GetStaleTasks retrieves tasks in status whose last update is older than olderThan
func (s *MemoryTaskStore) GetStaleTasks(ctx context.Context, status TaskStatus, olderThan time.Duration) ([]*Record, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cutoff := s.now().Add(-olderThan)
	var stale []*Record
	for _, rec := range s.tasks {
		if rec.Status != status {
			continue
		}
		// If olderThan is zero, include all tasks with the status
		if olderThan == 0 || rec.UpdatedAt.Before(cutoff) {
			stale = append(stale, rec.Clone())
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

// Len returns the number of stored records
func (s *MemoryTaskStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.tasks)
}
