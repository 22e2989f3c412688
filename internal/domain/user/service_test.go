package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rakhmight/radonco/internal/platform/auth"
)

type mockRepo struct {
	users map[uuid.UUID]*User
}

func newMockRepo() *mockRepo {
	return &mockRepo{users: make(map[uuid.UUID]*User)}
}

func (m *mockRepo) Create(_ context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.Login == u.Login {
			return ErrLoginTaken
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = u
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *mockRepo) GetByLogin(_ context.Context, login string) (*User, error) {
	for _, u := range m.users {
		if u.Login == login {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetByTelegramID(_ context.Context, telegramID int64) (*User, error) {
	for _, u := range m.users {
		if u.TelegramID != nil && *u.TelegramID == telegramID {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) List(_ context.Context) ([]*User, error) {
	var out []*User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, id uuid.UUID, u Update) (*User, error) {
	existing, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.FullName != nil {
		existing.FullName = *u.FullName
	}
	if u.Role != nil {
		existing.Role = *u.Role
	}
	if u.TelegramID != nil {
		existing.TelegramID = u.TelegramID
	}
	return existing, nil
}

func (m *mockRepo) SetPassword(_ context.Context, id uuid.UUID, hash string) error {
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	sessions := auth.NewSessions("test-secret", time.Hour)
	return NewService(repo, sessions), repo
}

func TestCreateAndAuthenticate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u := &User{Login: " dr.ahmedov ", FullName: "Dr. Ahmedov", Role: RoleDoctor}
	if err := svc.Create(ctx, u, "correct horse"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Login != "dr.ahmedov" {
		t.Errorf("login = %q, want trimmed", u.Login)
	}
	if u.PasswordHash == "correct horse" || u.PasswordHash == "" {
		t.Error("password stored unhashed")
	}

	got, token, err := svc.Authenticate(ctx, "dr.ahmedov", "correct horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != u.ID || token == "" {
		t.Errorf("authenticate returned %v / token %q", got, token)
	}

	if _, _, err := svc.Authenticate(ctx, "dr.ahmedov", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password err = %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "nobody", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown login err = %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.Create(ctx, &User{Login: "  "}, "long enough"); !errors.Is(err, ErrLoginRequired) {
		t.Errorf("empty login err = %v", err)
	}
	if err := svc.Create(ctx, &User{Login: "short"}, "1234567"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("short password err = %v", err)
	}

	u := &User{Login: "defaulted"}
	if err := svc.Create(ctx, u, "long enough"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Role != RoleDoctor {
		t.Errorf("role = %q, want default %q", u.Role, RoleDoctor)
	}

	if err := svc.Create(ctx, &User{Login: "defaulted"}, "long enough"); !errors.Is(err, ErrLoginTaken) {
		t.Errorf("duplicate login err = %v", err)
	}
}

func TestDeleteRejectsSelf(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	admin := &User{Login: "admin", Role: RoleAdmin}
	if err := svc.Create(ctx, admin, "admin-password"); err != nil {
		t.Fatalf("create: %v", err)
	}
	doctor := &User{Login: "doctor"}
	if err := svc.Create(ctx, doctor, "doctor-password"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Delete(ctx, admin.ID, admin.ID); !errors.Is(err, ErrSelfDelete) {
		t.Errorf("self delete err = %v", err)
	}
	if err := svc.Delete(ctx, doctor.ID, admin.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := repo.users[doctor.ID]; ok {
		t.Error("doctor survived delete")
	}
}

func TestGetByTelegramID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tg := int64(987654321)
	u := &User{Login: "tg-linked", TelegramID: &tg}
	if err := svc.Create(ctx, u, "long enough"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := svc.GetByTelegramID(ctx, tg)
	if err != nil || got.ID != u.ID {
		t.Errorf("got %v, %v", got, err)
	}
	if _, err := svc.GetByTelegramID(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown telegram id err = %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u := &User{Login: "rotates"}
	if err := svc.Create(ctx, u, "first password"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ChangePassword(ctx, u.ID, "short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("short password err = %v", err)
	}
	if err := svc.ChangePassword(ctx, u.ID, "second password"); err != nil {
		t.Fatalf("change: %v", err)
	}

	if _, _, err := svc.Authenticate(ctx, "rotates", "first password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("old password still accepted")
	}
	if _, _, err := svc.Authenticate(ctx, "rotates", "second password"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}
