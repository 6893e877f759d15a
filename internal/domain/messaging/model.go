package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Message is one entry in a case's conversation thread between the patient
// and the reviewing clinicians.
type Message struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	InvestigationID uuid.UUID  `db:"investigation_id" json:"investigation_id"`
	SenderID        uuid.UUID  `db:"sender_id" json:"sender_id"`
	SenderName      string     `db:"sender_name" json:"sender_name"`
	SenderRole      string     `db:"sender_role" json:"sender_role"`
	Body            string     `db:"body" json:"body"`
	ReadAt          *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}
