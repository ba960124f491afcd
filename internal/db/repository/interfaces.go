// Package repository provides data access layer implementations.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/saltfish/trainstream/internal/db"
	"github.com/saltfish/trainstream/internal/domain"
)

// RunRepository defines the interface for run history data access.
type RunRepository interface {
	// Create records a newly submitted run.
	Create(ctx context.Context, run *domain.RunRecord) error

	// Finish stores the terminal outcome of a running run.
	Finish(ctx context.Context, run *domain.RunRecord) error

	// MarkCancelled marks a running run as cancelled, keeping its progress counters.
	MarkCancelled(ctx context.Context, id uuid.UUID, expectedUnits, completedUnits uint) error

	// GetByID retrieves a run by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RunRecord, error)

	// List lists runs with filters and pagination, newest first.
	List(ctx context.Context, query domain.RunQuery) ([]*domain.RunRecord, int, error)
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Runs RunRepository
}

// NewRepositories creates a new Repositories instance with all PostgreSQL implementations.
func NewRepositories(q db.Querier) *Repositories {
	return &Repositories{
		Runs: NewRunRepository(q),
	}
}
