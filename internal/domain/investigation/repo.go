package investigation

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists investigation records and their steps.
type Repository interface {
	// InTx runs fn with every repository call inside it routed through a
	// single transaction, committed on nil and rolled back on error.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Create stores a new record together with its initial step.
	Create(ctx context.Context, rec *Record, first *Step) error
	// GetByID loads a record with all of its steps, ordered by seq.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// Update writes the record's mutable fields if the stored version equals
	// expectedVersion, incrementing the version. Returns ErrVersionConflict
	// when another writer got there first.
	Update(ctx context.Context, rec *Record, expectedVersion int) error
	// AppendStep adds a step to an existing record.
	AppendStep(ctx context.Context, step *Step) error
	// UpdateStepAI writes only the AI attachment fields of a step.
	UpdateStepAI(ctx context.Context, step *Step) error
	// ListByStatus returns records in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int, error)
	// ListByPatient returns a patient's records, newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error)
	// ListByReviewer returns records a doctor has acted on, newest first.
	ListByReviewer(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Record, int, error)
}
