package interview

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus tracks whether the intake conversation has gathered enough
// for an analysis.
type SessionStatus string

const (
	StatusActive        SessionStatus = "active"
	StatusReadyToSubmit SessionStatus = "ready_to_submit"
)

// Message roles within a session.
const (
	RolePatientTurn   = "patient"
	RoleAssistantTurn = "assistant"
)

// Message is one turn of the intake conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a guided symptom-intake conversation owned by one patient. The
// assistant asks clarifying questions until it signals the history is
// sufficient, at which point the session becomes ready_to_submit.
type Session struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	PatientID uuid.UUID     `db:"patient_id" json:"patient_id"`
	Status    SessionStatus `db:"status" json:"status"`
	Messages  []Message     `db:"messages" json:"messages"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// Transcript flattens the conversation into the text form a case submission
// carries.
func (s *Session) Transcript() string {
	var b strings.Builder
	for _, m := range s.Messages {
		switch m.Role {
		case RolePatientTurn:
			b.WriteString("Patient: ")
		case RoleAssistantTurn:
			b.WriteString("Assistant: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
