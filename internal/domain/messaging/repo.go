package messaging

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists case thread messages.
type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListByInvestigation returns a case's thread in posting order.
	ListByInvestigation(ctx context.Context, investigationID uuid.UUID, limit, offset int) ([]*Message, int, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
}
