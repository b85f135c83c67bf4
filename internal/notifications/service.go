package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

const defaultFanOutLimit = 8

// Dispatcher hands a broadcast to background workers.
type Dispatcher interface {
	EnqueueBroadcast(ctx context.Context, task BroadcastTask) error
}

// Service manages user inboxes.
type Service struct {
	repo       Repository
	dispatcher Dispatcher
	logger     *slog.Logger
	validator  *validator.Validate
	now        func() time.Time
	fanOut     int
}

// NewService builds Service instance. A nil dispatcher fans out inline.
func NewService(repo Repository, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
		validator:  validator.New(),
		now:        time.Now,
		fanOut:     defaultFanOutLimit,
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithDispatcher sets the broadcast dispatcher after construction.
func (s *Service) WithDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Deliver writes one notification for recipientID. It is the system-facing
// entry point used by other modules.
func (s *Service) Deliver(ctx context.Context, recipientID int64, msg Message) (Notification, error) {
	msg, err := normalizeMessage(msg)
	if err != nil {
		return Notification{}, err
	}
	return s.repo.Insert(ctx, recipientID, msg, s.now())
}

// Send notifies a single user or, without a recipient, every active user.
// The send itself is audited once; broadcast rows are delivered independently.
func (s *Service) Send(ctx context.Context, actor shared.Actor, in SendInput) (SendResult, error) {
	if err := rbac.Authorize(actor, rbac.PermNotificationsBroadcast); err != nil {
		return SendResult{}, err
	}
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return SendResult{}, err
	}
	msg, err := normalizeMessage(Message{Type: Type(in.Type), Title: in.Title, Body: in.Message})
	if err != nil {
		return SendResult{}, err
	}
	batchID := uuid.NewString()

	if in.RecipientID != nil {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			n, err := tx.Insert(ctx, *in.RecipientID, msg, s.now())
			if err != nil {
				return err
			}
			return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "notification.send", "notification", n.ID, map[string]any{
				"recipient_id": n.RecipientID,
				"title":        n.Title,
				"type":         n.Type,
			}, s.now()))
		})
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{BatchID: batchID, Recipients: 1, Delivered: 1}, nil
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   "notification.broadcast",
			Entity:   "notification_batch",
			EntityID: batchID,
			IP:       actor.IP,
			Meta:     map[string]any{"title": msg.Title, "type": msg.Type},
			At:       s.now(),
		})
	})
	if err != nil {
		return SendResult{}, err
	}

	task := BroadcastTask{BatchID: batchID, ActorID: actor.UserID, Message: msg}
	if s.dispatcher != nil {
		err := s.dispatcher.EnqueueBroadcast(ctx, task)
		if err == nil {
			return SendResult{BatchID: batchID, Queued: true}, nil
		}
		s.logger.Warn("broadcast enqueue failed, delivering inline", slog.String("batch_id", batchID), slog.Any("error", err))
	}
	return s.FanOut(context.WithoutCancel(ctx), task)
}

// FanOut writes one notification per active user. A failed recipient is
// logged and counted; it never stops delivery to the others.
func (s *Service) FanOut(ctx context.Context, task BroadcastTask) (SendResult, error) {
	recipients, err := s.repo.ActiveUserIDs(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("notifications: load recipients: %w", err)
	}
	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.fanOut)
	for _, id := range recipients {
		g.Go(func() error {
			if _, err := s.repo.Insert(ctx, id, task.Message, s.now()); err != nil {
				failed.Add(1)
				s.logger.Warn("broadcast delivery failed",
					slog.String("batch_id", task.BatchID),
					slog.Int64("recipient_id", id),
					slog.Any("error", err))
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	res := SendResult{
		BatchID:    task.BatchID,
		Recipients: len(recipients),
		Delivered:  int(delivered.Load()),
		Failed:     int(failed.Load()),
	}
	s.logger.Info("broadcast delivered",
		slog.String("batch_id", res.BatchID),
		slog.Int("recipients", res.Recipients),
		slog.Int("failed", res.Failed))
	return res, nil
}

// MarkRead transitions a notification to READ. Marking an already read
// notification succeeds without changes.
func (s *Service) MarkRead(ctx context.Context, actor shared.Actor, id int64) (Notification, error) {
	if actor.UserID == 0 {
		return Notification{}, fmt.Errorf("%w: no authenticated actor", shared.ErrForbidden)
	}
	var result Notification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.RecipientID != actor.UserID {
			return fmt.Errorf("%w: notification %d belongs to another user", shared.ErrForbidden, id)
		}
		if current.Status == StatusRead {
			result = current
			return nil
		}
		result, err = tx.MarkRead(ctx, id, s.now())
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "notification.read", "notification", id, nil, s.now()))
	})
	if err != nil {
		return Notification{}, err
	}
	return result, nil
}

// UnreadCount reads the committed unread count of the actor's inbox.
func (s *Service) UnreadCount(ctx context.Context, actor shared.Actor) (int, error) {
	if actor.UserID == 0 {
		return 0, fmt.Errorf("%w: no authenticated actor", shared.ErrForbidden)
	}
	return s.repo.UnreadCount(ctx, actor.UserID)
}

// List pages through the actor's inbox, newest first.
func (s *Service) List(ctx context.Context, actor shared.Actor, unreadOnly bool, page, pageSize int) ([]Notification, shared.Pagination, error) {
	if actor.UserID == 0 {
		return nil, shared.Pagination{}, fmt.Errorf("%w: no authenticated actor", shared.ErrForbidden)
	}
	page, pageSize = shared.NormalizePage(page, pageSize)
	list, total, err := s.repo.List(ctx, actor.UserID, unreadOnly, page, pageSize)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(page, pageSize, total), nil
}

func normalizeMessage(msg Message) (Message, error) {
	msg.Title = strings.TrimSpace(msg.Title)
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Type == "" {
		msg.Type = TypeSystem
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown notification type %q", shared.ErrValidation, msg.Type)
	}
	if msg.Title == "" || msg.Body == "" {
		return Message{}, fmt.Errorf("%w: notification title and message are required", shared.ErrValidation)
	}
	return msg, nil
}
