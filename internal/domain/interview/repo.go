package interview

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists interview sessions.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// Update writes the session's status and message log.
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
}
