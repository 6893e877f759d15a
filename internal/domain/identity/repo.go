package identity

import (
	"context"

	"github.com/google/uuid"
)

// ProfileRepository abstracts profile storage.
type ProfileRepository interface {
	Create(ctx context.Context, p *Profile) error
	GetByID(ctx context.Context, id uuid.UUID) (*Profile, error)
	GetByEmail(ctx context.Context, email string) (*Profile, error)
	Update(ctx context.Context, p *Profile) error
	SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error
	List(ctx context.Context, role string, limit, offset int) ([]*Profile, int, error)
}
