package user

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the staff account store.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id uuid.UUID, u Update) (*User, error)
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
