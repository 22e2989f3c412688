package user

import (
	"time"

	"github.com/google/uuid"
)

// Staff roles. Admins additionally pass every role check.
const (
	RoleDoctor = "doctor"
	RoleAdmin  = "admin"
)

// User is a staff account. TelegramID links the account to its Telegram
// identity so bot edits are attributed to the right person.
type User struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Login        string     `db:"login" json:"login"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         string     `db:"role" json:"role"`
	TelegramID   *int64     `db:"telegram_id" json:"telegram_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Update is a partial patch for account metadata. Credentials change
// through the dedicated password flow instead.
type Update struct {
	FullName   *string `json:"full_name,omitempty"`
	Role       *string `json:"role,omitempty"`
	TelegramID *int64  `json:"telegram_id,omitempty"`
}

func (u Update) IsEmpty() bool {
	return u.FullName == nil && u.Role == nil && u.TelegramID == nil
}
