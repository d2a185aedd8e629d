// Package store defines the job store contract and its in-memory backend.
// The store holds the authoritative snapshot of every job; the job manager
// is its only writer.
package store

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/anstrom/scanwatch/internal/store Store

import (
	"context"
	"time"

	"github.com/anstrom/scanwatch/internal/models"
)

// ListFilter narrows List results.
type ListFilter struct {
	States []models.JobState
	Limit  int
	Offset int
}

// Matches reports whether job passes the state filter.
func (f ListFilter) Matches(job *models.ScanJob) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if job.State == s {
			return true
		}
	}
	return false
}

// Store persists job snapshots.
type Store interface {
	// Create inserts a new job. It fails with CONFLICT if the id exists.
	Create(ctx context.Context, job *models.ScanJob) error
	// Update replaces the snapshot of an existing job.
	Update(ctx context.Context, job *models.ScanJob) error
	// Get returns a copy of the job or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*models.ScanJob, error)
	// ListActive returns non-terminal jobs in insertion order.
	ListActive(ctx context.Context) ([]*models.ScanJob, error)
	// List returns jobs matching filter in insertion order.
	List(ctx context.Context, filter ListFilter) ([]*models.ScanJob, error)
	// DeleteFinishedBefore removes terminal jobs finished before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
