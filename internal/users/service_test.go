package users

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	users  map[int64]User
	audit  []shared.AuditLog
	nextID int64

	auditError error
}

func newMockRepository() *mockRepository {
	return &mockRepository{users: make(map[int64]User), nextID: 1}
}

func (m *mockRepository) FindByUsername(ctx context.Context, username string) (User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return User{}, shared.ErrNotFound
}

func (m *mockRepository) FindByID(ctx context.Context, id int64) (User, error) {
	u, ok := m.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return u, nil
}

func (m *mockRepository) List(ctx context.Context) ([]User, error) {
	out := make([]User, 0, len(m.users))
	for id := int64(1); id < m.nextID; id++ {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	users := maps.Clone(m.users)
	auditLen, nextID := len(m.audit), m.nextID
	if err := fn(ctx, &mockTxRepo{mock: m}); err != nil {
		m.users, m.audit, m.nextID = users, m.audit[:auditLen], nextID
		return err
	}
	return nil
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) InsertUser(ctx context.Context, u User) (User, error) {
	for _, existing := range t.mock.users {
		if strings.EqualFold(existing.Username, u.Username) || existing.Email == u.Email {
			return User{}, fmt.Errorf("%w: username or email already registered", shared.ErrValidation)
		}
	}
	u.ID = t.mock.nextID
	t.mock.nextID++
	t.mock.users[u.ID] = u
	return u, nil
}

func (t *mockTxRepo) GetUserForUpdate(ctx context.Context, id int64) (User, error) {
	return t.mock.FindByID(ctx, id)
}

func (t *mockTxRepo) UpdateUser(ctx context.Context, u User) (User, error) {
	t.mock.users[u.ID] = u
	return u, nil
}

func (t *mockTxRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if t.mock.auditError != nil {
		return t.mock.auditError
	}
	t.mock.audit = append(t.mock.audit, log)
	return nil
}

// ============================================================================
// TESTS
// ============================================================================

// adminActor has an ID the mock repository never issues.
var adminActor = shared.Actor{UserID: 900, Role: string(rbac.RoleAdmin), IP: "10.0.0.1"}

func newTestService(repo Repository) *Service {
	svc := NewService(repo, nil)
	svc.WithHashCost(bcrypt.MinCost)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) })
	return svc
}

func TestCreateUserHashesPasswordAndAudits(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	user, err := svc.CreateUser(context.Background(), adminActor, CreateInput{
		Username: "cajero1",
		Email:    "Cajero1@Caja.test",
		FullName: "Ana Cajera",
		Role:     "CAJERO",
		Password: "s3cret-pass",
	})
	require.NoError(t, err)

	assert.Equal(t, rbac.RoleCajero, user.Role)
	assert.Equal(t, "cajero1@caja.test", user.Email)
	assert.True(t, user.IsActive)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("s3cret-pass")))

	require.Len(t, repo.audit, 1)
	assert.Equal(t, "user.create", repo.audit[0].Action)
	assert.Equal(t, adminActor.UserID, repo.audit[0].ActorID)
	assert.Equal(t, "10.0.0.1", repo.audit[0].IP)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	_, err := svc.CreateUser(context.Background(), shared.Actor{UserID: 5, Role: string(rbac.RoleSupervisor)}, CreateInput{
		Username: "x", Email: "x@y.z", FullName: "X", Role: "ADMIN", Password: "password1",
	})
	require.ErrorIs(t, err, shared.ErrForbidden)
	assert.Empty(t, repo.users)
	assert.Empty(t, repo.audit)
}

func TestCreateUserDuplicateRollsBack(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	in := CreateInput{Username: "aud", Email: "aud@caja.test", FullName: "Aud", Role: "AUDITOR", Password: "password1"}

	_, err := svc.CreateUser(context.Background(), adminActor, in)
	require.NoError(t, err)
	_, err = svc.CreateUser(context.Background(), adminActor, in)
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Len(t, repo.users, 1)
	assert.Len(t, repo.audit, 1)
}

func TestCreateUserAuditFailureRollsBack(t *testing.T) {
	repo := newMockRepository()
	repo.auditError = errors.New("audit down")
	svc := newTestService(repo)

	_, err := svc.CreateUser(context.Background(), adminActor, CreateInput{
		Username: "sup", Email: "sup@caja.test", FullName: "Sup", Role: "SUPERVISOR", Password: "password1",
	})
	require.Error(t, err)
	assert.Empty(t, repo.users)
}

func TestUpdateUserChangesRoleAndActive(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	user, err := svc.CreateUser(context.Background(), adminActor, CreateInput{
		Username: "maria", Email: "maria@caja.test", FullName: "Maria", Role: "CAJERO", Password: "password1",
	})
	require.NoError(t, err)

	role := "SUPERVISOR"
	active := false
	updated, err := svc.UpdateUser(context.Background(), adminActor, user.ID, UpdateInput{Role: &role, IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleSupervisor, updated.Role)
	assert.False(t, updated.IsActive)
	assert.Equal(t, user.PasswordHash, updated.PasswordHash)
	require.Len(t, repo.audit, 2)
	assert.Equal(t, "user.update", repo.audit[1].Action)
}

func TestAdminCanDeactivateAnotherAdmin(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	other, err := svc.CreateUser(context.Background(), adminActor, CreateInput{
		Username: "admin2", Email: "admin2@caja.test", FullName: "Second Admin", Role: "ADMIN", Password: "password1",
	})
	require.NoError(t, err)
	require.NotEqual(t, adminActor.UserID, other.ID)

	active := false
	updated, err := svc.UpdateUser(context.Background(), adminActor, other.ID, UpdateInput{IsActive: &active})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, rbac.RoleAdmin, updated.Role)
}

func TestUpdateUserUnknown(t *testing.T) {
	svc := newTestService(newMockRepository())
	name := "n"
	_, err := svc.UpdateUser(context.Background(), adminActor, 99, UpdateInput{FullName: &name})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAdminCannotDeactivateSelf(t *testing.T) {
	svc := newTestService(newMockRepository())
	active := false
	_, err := svc.UpdateUser(context.Background(), adminActor, adminActor.UserID, UpdateInput{IsActive: &active})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	admin := BootstrapAdmin{Username: "admin", Email: "admin@caja.test", Password: "admin12345"}

	created, err := svc.EnsureAdmin(context.Background(), admin)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.EnsureAdmin(context.Background(), admin)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, repo.users, 1)
	assert.Equal(t, rbac.RoleAdmin, repo.users[1].Role)
}
