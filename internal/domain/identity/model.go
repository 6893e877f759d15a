package identity

import (
	"time"

	"github.com/google/uuid"
)

// Profile maps to the user_profile table. The role stored here is the source
// of truth for authorization; tokens carry a copy of it as a claim.
type Profile struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	Role         string    `db:"role" json:"role"`
	Suspended    bool      `db:"suspended" json:"suspended"`
	PasswordHash *string   `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
