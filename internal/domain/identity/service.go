package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lifeline/lifeline/internal/platform/auth"
)

var (
	ErrNotFound           = errors.New("profile not found")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSuspended          = errors.New("account is suspended")
)

var validRoles = map[string]bool{
	auth.RolePatient: true,
	auth.RoleDoctor:  true,
	auth.RoleAdmin:   true,
}

type Service struct {
	profiles ProfileRepository
}

func NewService(profiles ProfileRepository) *Service {
	return &Service{profiles: profiles}
}

func validateProfile(p *Profile) error {
	if strings.TrimSpace(p.Email) == "" || !strings.Contains(p.Email, "@") {
		return fmt.Errorf("a valid email is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !validRoles[p.Role] {
		return fmt.Errorf("invalid role: %s", p.Role)
	}
	return nil
}

// Register creates a new patient account with hashed credentials. Only
// standalone deployments use this path; with an external IdP the profile is
// provisioned on first login instead.
func (s *Service) Register(ctx context.Context, email, name, password string) (*Profile, error) {
	p := &Profile{
		Email: strings.TrimSpace(email),
		Name:  strings.TrimSpace(name),
		Role:  auth.RolePatient,
	}
	if err := validateProfile(p); err != nil {
		return nil, err
	}

	if existing, err := s.profiles.GetByEmail(ctx, p.Email); err == nil && existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	p.PasswordHash = &hash

	if err := s.profiles.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

// Authenticate verifies standalone credentials and returns the profile.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Profile, error) {
	p, err := s.profiles.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if p.PasswordHash == nil || !auth.CheckPassword(*p.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if p.Suspended {
		return nil, ErrSuspended
	}
	return p, nil
}

func (s *Service) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	p, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// CreateProfile provisions an account with an explicit role (admin surface).
// Accounts created here have no credentials until the user is onboarded
// through the IdP or a password reset.
func (s *Service) CreateProfile(ctx context.Context, p *Profile) error {
	p.Email = strings.TrimSpace(p.Email)
	p.Name = strings.TrimSpace(p.Name)
	if err := validateProfile(p); err != nil {
		return err
	}
	if existing, err := s.profiles.GetByEmail(ctx, p.Email); err == nil && existing != nil {
		return ErrEmailTaken
	}
	return s.profiles.Create(ctx, p)
}

func (s *Service) UpdateProfile(ctx context.Context, p *Profile) error {
	existing, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.Name == "" {
		p.Name = existing.Name
	}
	if p.Role == "" {
		p.Role = existing.Role
	}
	p.Email = existing.Email
	if err := validateProfile(p); err != nil {
		return err
	}
	return s.profiles.Update(ctx, p)
}

func (s *Service) Suspend(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetProfile(ctx, id); err != nil {
		return err
	}
	return s.profiles.SetSuspended(ctx, id, true)
}

func (s *Service) Reinstate(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetProfile(ctx, id); err != nil {
		return err
	}
	return s.profiles.SetSuspended(ctx, id, false)
}

func (s *Service) ListProfiles(ctx context.Context, role string, limit, offset int) ([]*Profile, int, error) {
	if role != "" && !validRoles[role] {
		return nil, 0, fmt.Errorf("invalid role: %s", role)
	}
	return s.profiles.List(ctx, role, limit, offset)
}

// EmailByUserID resolves a user id to the email notifications go to.
func (s *Service) EmailByUserID(ctx context.Context, id uuid.UUID) (string, error) {
	p, err := s.GetProfile(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Email, nil
}

// IsSuspended reports whether the given user's account is suspended. Unknown
// users are not suspended; external-IdP users may not have a profile row yet.
func (s *Service) IsSuspended(ctx context.Context, userID string) (bool, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return false, nil
	}
	p, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return p.Suspended, nil
}
