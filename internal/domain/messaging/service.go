package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lifeline/lifeline/internal/platform/auth"
	"github.com/lifeline/lifeline/internal/platform/websocket"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrCaseNotFound = errors.New("investigation not found")
	ErrForbidden    = errors.New("not a participant in this thread")
)

// CaseLookup resolves who participates in a case's thread.
type CaseLookup interface {
	// CasePatient returns the owning patient of an investigation.
	CasePatient(ctx context.Context, investigationID uuid.UUID) (uuid.UUID, error)
}

// Service guards case threads: only the case's patient and clinicians may
// read or post.
type Service struct {
	repo   Repository
	cases  CaseLookup
	pub    websocket.Publisher
	logger zerolog.Logger
}

func NewService(repo Repository, cases CaseLookup, pub websocket.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		cases:  cases,
		pub:    pub,
		logger: logger.With().Str("component", "messaging").Logger(),
	}
}

// Sender identifies the authenticated author of a message.
type Sender struct {
	ID   string
	Name string
	Role string
}

func (s *Service) participant(ctx context.Context, sender Sender, investigationID uuid.UUID) (uuid.UUID, error) {
	patientID, err := s.cases.CasePatient(ctx, investigationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrCaseNotFound
		}
		return uuid.Nil, err
	}
	senderID, err := uuid.Parse(sender.ID)
	if err != nil {
		return uuid.Nil, ErrForbidden
	}
	if sender.Role == auth.RoleDoctor || sender.Role == auth.RoleAdmin || senderID == patientID {
		return senderID, nil
	}
	return uuid.Nil, ErrForbidden
}

// Send posts a message to a case thread.
func (s *Service) Send(ctx context.Context, sender Sender, investigationID uuid.UUID, body string) (*Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("message body is required")
	}
	senderID, err := s.participant(ctx, sender, investigationID)
	if err != nil {
		return nil, err
	}

	m := &Message{
		InvestigationID: investigationID,
		SenderID:        senderID,
		SenderName:      sender.Name,
		SenderRole:      sender.Role,
		Body:            body,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	if s.pub != nil {
		patientID, _ := s.cases.CasePatient(ctx, investigationID)
		s.pub.PublishRecordChange(ctx, websocket.Event{
			Type:      websocket.EventMessagePosted,
			RecordID:  investigationID.String(),
			PatientID: patientID.String(),
		})
	}
	return m, nil
}

// Thread lists a case's messages for a participant.
func (s *Service) Thread(ctx context.Context, sender Sender, investigationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	if _, err := s.participant(ctx, sender, investigationID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByInvestigation(ctx, investigationID, limit, offset)
}

// MarkRead records that a participant other than the sender has seen the
// message.
func (s *Service) MarkRead(ctx context.Context, sender Sender, messageID uuid.UUID) error {
	m, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	readerID, err := s.participant(ctx, sender, m.InvestigationID)
	if err != nil {
		return err
	}
	if readerID == m.SenderID {
		return fmt.Errorf("cannot mark your own message as read")
	}
	return s.repo.MarkRead(ctx, messageID)
}
