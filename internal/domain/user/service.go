package user

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/rakhmight/radonco/internal/platform/auth"
)

// Service owns staff account management and credential checks.
type Service struct {
	repo     Repository
	sessions *auth.Sessions
}

func NewService(repo Repository, sessions *auth.Sessions) *Service {
	return &Service{repo: repo, sessions: sessions}
}

// Authenticate verifies the credentials and returns the account with a
// signed session token. Unknown logins and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, login, password string) (*User, string, error) {
	u, err := s.repo.GetByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.sessions.Issue(auth.Identity{
		UserID:   u.ID,
		FullName: u.FullName,
		Role:     u.Role,
	})
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// Create registers a staff account. Role defaults to doctor.
func (s *Service) Create(ctx context.Context, u *User, password string) error {
	u.Login = strings.TrimSpace(u.Login)
	if u.Login == "" {
		return ErrLoginRequired
	}
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if u.Role == "" {
		u.Role = RoleDoctor
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return s.repo.Create(ctx, u)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByTelegramID resolves a Telegram identity to a staff account, used to
// attribute bot edits.
func (s *Service) GetByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	return s.repo.GetByTelegramID(ctx, telegramID)
}

func (s *Service) List(ctx context.Context) ([]*User, error) {
	return s.repo.List(ctx)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, u Update) (*User, error) {
	if u.IsEmpty() {
		return nil, ErrEmptyUpdate
	}
	return s.repo.Update(ctx, id, u)
}

func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return s.repo.SetPassword(ctx, id, hash)
}

// Delete removes an account. Deleting the account that makes the call is
// rejected so a clinic cannot lock itself out of administration.
func (s *Service) Delete(ctx context.Context, id, actorID uuid.UUID) error {
	if id == actorID {
		return ErrSelfDelete
	}
	return s.repo.Delete(ctx, id)
}
