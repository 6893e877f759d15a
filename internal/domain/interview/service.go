package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lifeline/lifeline/internal/platform/ai"
	"github.com/lifeline/lifeline/internal/platform/auth"
)

var (
	ErrNotFound  = errors.New("interview session not found")
	ErrForbidden = errors.New("not allowed to access this session")
	// ErrNotReady means the session was offered for case submission before
	// the assistant judged the history sufficient.
	ErrNotReady = errors.New("interview session is not ready to submit")
)

// Service drives the guided intake conversation against the flow service.
type Service struct {
	repo   Repository
	flow   ai.Client
	logger zerolog.Logger
}

func NewService(repo Repository, flow ai.Client, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		flow:   flow,
		logger: logger.With().Str("component", "interview").Logger(),
	}
}

// Open starts a fresh session for the calling patient.
func (s *Service) Open(ctx context.Context, userID string) (*Session, error) {
	patientID, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("caller has no usable subject id")
	}
	session := &Session{
		PatientID: patientID,
		Status:    StatusActive,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// AddMessage appends the patient's turn, asks the flow service for the next
// question, and flips the session to ready_to_submit once the assistant
// signals the history is sufficient. The patient turn persists even when the
// flow call fails, so retrying does not lose input.
func (s *Service) AddMessage(ctx context.Context, userID string, sessionID uuid.UUID, content string) (*Session, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("message content is required")
	}
	session, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	session.Messages = append(session.Messages, Message{
		Role:      RolePatientTurn,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err := s.repo.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	history := make([]ai.Turn, 0, len(session.Messages))
	for _, m := range session.Messages {
		history = append(history, ai.Turn{Role: m.Role, Content: m.Content})
	}
	reply, err := s.flow.InterviewTurn(ctx, ai.InterviewTurnRequest{History: history})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("interview turn failed")
		return nil, fmt.Errorf("interview turn: %w", err)
	}

	session.Messages = append(session.Messages, Message{
		Role:      RoleAssistantTurn,
		Content:   reply.Message,
		CreatedAt: time.Now().UTC(),
	})
	if reply.Sufficient {
		session.Status = StatusReadyToSubmit
	}
	if err := s.repo.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("save reply: %w", err)
	}
	return session, nil
}

// TranscriptFor renders the caller's ready_to_submit session as the
// transcript a case submission is built from.
func (s *Service) TranscriptFor(ctx context.Context, userID string, sessionID uuid.UUID) (string, error) {
	session, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status != StatusReadyToSubmit {
		return "", ErrNotReady
	}
	return session.Transcript(), nil
}

// Get returns a session for its owner or an admin.
func (s *Service) Get(ctx context.Context, userID, role string, sessionID uuid.UUID) (*Session, error) {
	if role == auth.RoleAdmin {
		return s.get(ctx, sessionID)
	}
	return s.getOwned(ctx, userID, sessionID)
}

// Delete removes a session. Owners may discard their own intake; admins may
// remove any.
func (s *Service) Delete(ctx context.Context, userID, role string, sessionID uuid.UUID) error {
	if _, err := s.Get(ctx, userID, role, sessionID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, sessionID)
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*Session, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Service) getOwned(ctx context.Context, userID string, id uuid.UUID) (*Session, error) {
	session, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	callerID, err := uuid.Parse(userID)
	if err != nil || callerID != session.PatientID {
		return nil, ErrForbidden
	}
	return session, nil
}
