package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG implements Repository on PostgreSQL.
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const userCols = `id, login, password_hash, full_name, role, telegram_id, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.FullName, &u.Role, &u.TelegramID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &u, err
}

func (r *RepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()

	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (id, login, password_hash, full_name, role, telegram_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		u.ID, u.Login, u.PasswordHash, u.FullName, u.Role, u.TelegramID,
	).Scan(&u.CreatedAt, &u.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrLoginTaken
	}
	return err
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	q := fmt.Sprintf("SELECT %s FROM users WHERE id = $1", userCols)
	return scanUser(r.pool.QueryRow(ctx, q, id))
}

func (r *RepoPG) GetByLogin(ctx context.Context, login string) (*User, error) {
	q := fmt.Sprintf("SELECT %s FROM users WHERE login = $1", userCols)
	return scanUser(r.pool.QueryRow(ctx, q, login))
}

func (r *RepoPG) GetByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	q := fmt.Sprintf("SELECT %s FROM users WHERE telegram_id = $1", userCols)
	return scanUser(r.pool.QueryRow(ctx, q, telegramID))
}

func (r *RepoPG) List(ctx context.Context) ([]*User, error) {
	q := fmt.Sprintf("SELECT %s FROM users ORDER BY full_name, login", userCols)
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.FullName, &u.Role, &u.TelegramID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (r *RepoPG) Update(ctx context.Context, id uuid.UUID, u Update) (*User, error) {
	q := fmt.Sprintf(`UPDATE users SET
		full_name = COALESCE($2, full_name),
		role = COALESCE($3, role),
		telegram_id = COALESCE($4, telegram_id),
		updated_at = NOW()
	WHERE id = $1
	RETURNING %s`, userCols)

	row, err := scanUser(r.pool.QueryRow(ctx, q, id, u.FullName, u.Role, u.TelegramID))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrLoginTaken
	}
	return row, err
}

func (r *RepoPG) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1",
		id, passwordHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
