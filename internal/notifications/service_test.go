package notifications

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

type mockRepository struct {
	mu        sync.Mutex
	rows      map[int64]Notification
	audit     []shared.AuditLog
	nextID    int64
	active    []int64
	failFor   map[int64]bool
	auditFail error
}

func newMockRepository(active ...int64) *mockRepository {
	return &mockRepository{rows: make(map[int64]Notification), nextID: 1, active: active, failFor: map[int64]bool{}}
}

func (m *mockRepository) insertLocked(recipientID int64, msg Message, at time.Time) (Notification, error) {
	if m.failFor[recipientID] {
		return Notification{}, fmt.Errorf("insert for %d: connection reset", recipientID)
	}
	n := Notification{ID: m.nextID, RecipientID: recipientID, Title: msg.Title, Message: msg.Body, Type: msg.Type, Status: StatusUnread, CreatedAt: at}
	m.nextID++
	m.rows[n.ID] = n
	return n, nil
}

func (m *mockRepository) Insert(ctx context.Context, recipientID int64, msg Message, at time.Time) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(recipientID, msg, at)
}

func (m *mockRepository) ActiveUserIDs(ctx context.Context) ([]int64, error) {
	return m.active, nil
}

func (m *mockRepository) List(ctx context.Context, recipientID int64, unreadOnly bool, page, pageSize int) ([]Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for id := m.nextID - 1; id > 0; id-- {
		n, ok := m.rows[id]
		if !ok || n.RecipientID != recipientID || (unreadOnly && n.Status != StatusUnread) {
			continue
		}
		out = append(out, n)
	}
	return out, len(out), nil
}

func (m *mockRepository) UnreadCount(ctx context.Context, recipientID int64) (int, error) {
	list, _, err := m.List(ctx, recipientID, true, 1, 100)
	return len(list), err
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := maps.Clone(m.rows)
	auditLen, nextID := len(m.audit), m.nextID
	if err := fn(ctx, &mockTxRepo{mock: m}); err != nil {
		m.rows, m.audit, m.nextID = rows, m.audit[:auditLen], nextID
		return err
	}
	return nil
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) Insert(ctx context.Context, recipientID int64, msg Message, at time.Time) (Notification, error) {
	return t.mock.insertLocked(recipientID, msg, at)
}

func (t *mockTxRepo) GetForUpdate(ctx context.Context, id int64) (Notification, error) {
	n, ok := t.mock.rows[id]
	if !ok {
		return Notification{}, fmt.Errorf("notification: %w", shared.ErrNotFound)
	}
	return n, nil
}

func (t *mockTxRepo) MarkRead(ctx context.Context, id int64, at time.Time) (Notification, error) {
	n := t.mock.rows[id]
	n.Status = StatusRead
	n.ReadAt = &at
	t.mock.rows[id] = n
	return n, nil
}

func (t *mockTxRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if t.mock.auditFail != nil {
		return t.mock.auditFail
	}
	t.mock.audit = append(t.mock.audit, log)
	return nil
}

type stubDispatcher struct {
	tasks []BroadcastTask
	err   error
}

func (d *stubDispatcher) EnqueueBroadcast(ctx context.Context, task BroadcastTask) error {
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

var supervisor = shared.Actor{UserID: 2, Role: string(rbac.RoleSupervisor), IP: "10.0.0.2"}

func newTestService(repo Repository, d Dispatcher) *Service {
	svc := NewService(repo, d, nil)
	svc.WithNow(func() time.Time { return time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC) })
	return svc
}

func TestBroadcastInlineSkipsFailedRecipient(t *testing.T) {
	repo := newMockRepository(1, 2, 3, 4)
	repo.failFor[3] = true
	svc := newTestService(repo, nil)

	res, err := svc.Send(context.Background(), supervisor, SendInput{Title: "Asamblea", Message: "Asamblea general el viernes"})
	require.NoError(t, err)

	assert.False(t, res.Queued)
	assert.Equal(t, 4, res.Recipients)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, repo.rows, 3)
	require.Len(t, repo.audit, 1)
	assert.Equal(t, "notification.broadcast", repo.audit[0].Action)
	assert.Equal(t, res.BatchID, repo.audit[0].EntityID)
	for _, n := range repo.rows {
		assert.Equal(t, TypeSystem, n.Type)
	}
}

func TestBroadcastQueuedThroughDispatcher(t *testing.T) {
	repo := newMockRepository(1, 2)
	d := &stubDispatcher{}
	svc := newTestService(repo, d)

	res, err := svc.Send(context.Background(), supervisor, SendInput{Title: "Aviso", Message: "Cierre anual", Type: "ALERT"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.Len(t, d.tasks, 1)
	assert.Equal(t, TypeAlert, d.tasks[0].Message.Type)
	assert.Empty(t, repo.rows)

	fanned, err := svc.FanOut(context.Background(), d.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, 2, fanned.Delivered)
}

func TestBroadcastFallsBackInlineWhenQueueDown(t *testing.T) {
	repo := newMockRepository(1, 2)
	svc := newTestService(repo, &stubDispatcher{err: errors.New("redis down")})

	res, err := svc.Send(context.Background(), supervisor, SendInput{Title: "Aviso", Message: "x"})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, 2, res.Delivered)
}

func TestSendToOneRecipientIsAudited(t *testing.T) {
	repo := newMockRepository(1, 2)
	svc := newTestService(repo, nil)
	recipient := int64(2)

	res, err := svc.Send(context.Background(), supervisor, SendInput{RecipientID: &recipient, Title: "Hola", Message: "Mensaje", Type: "MEMBER"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, repo.audit, 1)
	assert.Equal(t, "notification.send", repo.audit[0].Action)
}

func TestSendRequiresBroadcastPermission(t *testing.T) {
	repo := newMockRepository(1)
	cajero := shared.Actor{UserID: 3, Role: string(rbac.RoleCajero)}
	_, err := newTestService(repo, nil).Send(context.Background(), cajero, SendInput{Title: "x", Message: "y"})
	require.ErrorIs(t, err, shared.ErrForbidden)
	assert.Empty(t, repo.rows)
	assert.Empty(t, repo.audit)
}

func TestBroadcastAuditFailureDeliversNothing(t *testing.T) {
	repo := newMockRepository(1, 2)
	repo.auditFail = errors.New("audit down")
	_, err := newTestService(repo, nil).Send(context.Background(), supervisor, SendInput{Title: "x", Message: "y"})
	require.Error(t, err)
	assert.Empty(t, repo.rows)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	n, err := svc.Deliver(context.Background(), 5, Message{Type: TypeTransaction, Title: "Deposit posted", Body: "DEP-000000000001"})
	require.NoError(t, err)
	owner := shared.Actor{UserID: 5, Role: string(rbac.RoleCajero)}

	count, err := svc.UnreadCount(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	first, err := svc.MarkRead(context.Background(), owner, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, first.Status)
	require.NotNil(t, first.ReadAt)

	second, err := svc.MarkRead(context.Background(), owner, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, second.Status)
	assert.Len(t, repo.audit, 1)

	count, err = svc.UnreadCount(context.Background(), owner)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMarkReadForbiddenForOtherUser(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo, nil)
	n, err := svc.Deliver(context.Background(), 5, Message{Title: "t", Body: "b"})
	require.NoError(t, err)

	_, err = svc.MarkRead(context.Background(), shared.Actor{UserID: 6, Role: string(rbac.RoleAdmin)}, n.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)
	assert.Equal(t, StatusUnread, repo.rows[n.ID].Status)
}

func TestMarkReadUnknown(t *testing.T) {
	_, err := newTestService(newMockRepository(), nil).MarkRead(context.Background(), shared.Actor{UserID: 1, Role: "ADMIN"}, 9)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeliverRejectsUnknownType(t *testing.T) {
	_, err := newTestService(newMockRepository(), nil).Deliver(context.Background(), 1, Message{Type: "PUSH", Title: "t", Body: "b"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
