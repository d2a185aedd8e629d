package store

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/models"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.ScanJob
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*models.ScanJob),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, job *models.ScanJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.ID]; exists {
		return errors.ErrConflict(job.ID)
	}
	s.entries[job.ID] = job.Clone()
	s.order = append(s.order, job.ID)
	return nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, job *models.ScanJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.ID]; !ok {
		return errors.ErrNotFound(job.ID)
	}
	s.entries[job.ID] = job.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ScanJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.entries[id]
	if !ok {
		return nil, errors.ErrNotFound(id)
	}
	return job.Clone(), nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*models.ScanJob, error) {
	return s.List(ctx, ListFilter{States: []models.JobState{models.StateQueued, models.StateRunning}})
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.ScanJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.ScanJob, 0)
	skipped := 0
	for _, id := range s.order {
		job := s.entries[id]
		if !filter.Matches(job) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		jobs = append(jobs, job.Clone())
		if filter.Limit > 0 && len(jobs) >= filter.Limit {
			break
		}
	}
	return jobs, nil
}

// DeleteFinishedBefore implements Store.
func (s *MemoryStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		job := s.entries[id]
		if job.State.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Len returns the number of stored jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
