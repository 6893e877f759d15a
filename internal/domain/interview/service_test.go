package interview

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lifeline/lifeline/internal/platform/ai"
	"github.com/lifeline/lifeline/internal/platform/auth"
)

type mockSessionRepo struct {
	sessions map[uuid.UUID]*Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[uuid.UUID]*Session)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	return &cp, nil
}

func (m *mockSessionRepo) Update(_ context.Context, s *Session) error {
	if _, ok := m.sessions[s.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessionRepo) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.sessions, id)
	return nil
}

var testPatientID = uuid.New().String()

func TestService_OpenAndConverse(t *testing.T) {
	svc := NewService(newMockSessionRepo(), &ai.MockClient{}, zerolog.Nop())

	session, err := svc.Open(context.Background(), testPatientID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if session.Status != StatusActive {
		t.Errorf("status = %s, want active", session.Status)
	}

	session, err = svc.AddMessage(context.Background(), testPatientID, session.ID, "I have had a headache for three days.")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected patient turn and assistant reply, got %d", len(session.Messages))
	}
	if session.Messages[0].Role != RolePatientTurn || session.Messages[1].Role != RoleAssistantTurn {
		t.Errorf("unexpected roles: %+v", session.Messages)
	}
	if session.Status != StatusActive {
		t.Errorf("status = %s, default reply is not sufficient", session.Status)
	}
}

func TestService_SufficiencyFlipsStatus(t *testing.T) {
	flow := &ai.MockClient{
		InterviewTurnFunc: func(_ context.Context, req ai.InterviewTurnRequest) (*ai.InterviewReply, error) {
			return &ai.InterviewReply{Message: "Thank you, that is enough to proceed.", Sufficient: true}, nil
		},
	}
	svc := NewService(newMockSessionRepo(), flow, zerolog.Nop())

	session, _ := svc.Open(context.Background(), testPatientID)
	session, err := svc.AddMessage(context.Background(), testPatientID, session.ID, "Severe chest pain radiating to my left arm.")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if session.Status != StatusReadyToSubmit {
		t.Errorf("status = %s, want ready_to_submit", session.Status)
	}
}

func TestService_FlowFailureKeepsPatientTurn(t *testing.T) {
	flow := &ai.MockClient{
		InterviewTurnFunc: func(_ context.Context, _ ai.InterviewTurnRequest) (*ai.InterviewReply, error) {
			return nil, ai.ErrUnavailable
		},
	}
	repo := newMockSessionRepo()
	svc := NewService(repo, flow, zerolog.Nop())

	session, _ := svc.Open(context.Background(), testPatientID)
	if _, err := svc.AddMessage(context.Background(), testPatientID, session.ID, "Hello."); !errors.Is(err, ai.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	stored, _ := repo.GetByID(context.Background(), session.ID)
	if len(stored.Messages) != 1 || stored.Messages[0].Role != RolePatientTurn {
		t.Errorf("patient turn should survive the outage: %+v", stored.Messages)
	}
}

func TestService_Ownership(t *testing.T) {
	svc := NewService(newMockSessionRepo(), &ai.MockClient{}, zerolog.Nop())
	session, _ := svc.Open(context.Background(), testPatientID)

	other := uuid.New().String()
	if _, err := svc.AddMessage(context.Background(), other, session.ID, "hi"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(context.Background(), other, auth.RolePatient, session.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(context.Background(), other, auth.RoleAdmin, session.ID); err != nil {
		t.Errorf("admin read: %v", err)
	}
	if _, err := svc.Get(context.Background(), testPatientID, auth.RolePatient, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Delete(t *testing.T) {
	svc := NewService(newMockSessionRepo(), &ai.MockClient{}, zerolog.Nop())
	session, _ := svc.Open(context.Background(), testPatientID)

	if err := svc.Delete(context.Background(), uuid.New().String(), auth.RolePatient, session.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := svc.Delete(context.Background(), testPatientID, auth.RolePatient, session.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), testPatientID, auth.RolePatient, session.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestService_TranscriptFor(t *testing.T) {
	flow := &ai.MockClient{
		InterviewTurnFunc: func(_ context.Context, _ ai.InterviewTurnRequest) (*ai.InterviewReply, error) {
			return &ai.InterviewReply{Message: "Thank you, that is enough to proceed.", Sufficient: true}, nil
		},
	}
	svc := NewService(newMockSessionRepo(), flow, zerolog.Nop())
	session, _ := svc.Open(context.Background(), testPatientID)

	if _, err := svc.TranscriptFor(context.Background(), testPatientID, session.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("active session: expected ErrNotReady, got %v", err)
	}

	if _, err := svc.AddMessage(context.Background(), testPatientID, session.ID, "Severe chest pain."); err != nil {
		t.Fatalf("add message: %v", err)
	}

	got, err := svc.TranscriptFor(context.Background(), testPatientID, session.ID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	want := "Patient: Severe chest pain.\nAssistant: Thank you, that is enough to proceed."
	if got != want {
		t.Errorf("TranscriptFor() = %q, want %q", got, want)
	}

	if _, err := svc.TranscriptFor(context.Background(), uuid.New().String(), session.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestSession_Transcript(t *testing.T) {
	s := &Session{Messages: []Message{
		{Role: RolePatientTurn, Content: "I have a headache."},
		{Role: RoleAssistantTurn, Content: "How long has it lasted?"},
		{Role: RolePatientTurn, Content: "Three days."},
	}}
	want := "Patient: I have a headache.\nAssistant: How long has it lasted?\nPatient: Three days."
	if got := s.Transcript(); got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
}
