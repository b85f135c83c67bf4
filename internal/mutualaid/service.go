package mutualaid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/notifications"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// DefaultMinMembership is how long a member must belong to the cooperative
// before requesting aid.
const DefaultMinMembership = 180 * 24 * time.Hour

// ErrPoolNotReady is returned when approvals run before EnsurePool.
var ErrPoolNotReady = errors.New("mutualaid: pooled fund account not initialised")

// Service runs the mutual aid workflow on top of the ledger.
type Service struct {
	repo          Repository
	ledger        *ledger.Service
	locks         *shared.KeyedLocker
	notifier      ledger.Notifier
	logger        *slog.Logger
	validator     *validator.Validate
	now           func() time.Time
	minMembership time.Duration
	poolAccountID atomic.Int64
}

// NewService builds Service instance. locks must be the locker given to the ledger.
func NewService(repo Repository, ledgerSvc *ledger.Service, locks *shared.KeyedLocker, notifier ledger.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:          repo,
		ledger:        ledgerSvc,
		locks:         locks,
		notifier:      notifier,
		logger:        logger,
		validator:     validator.New(),
		now:           time.Now,
		minMembership: DefaultMinMembership,
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMinMembership overrides the membership age required to request aid.
func (s *Service) WithMinMembership(d time.Duration) {
	if d >= 0 {
		s.minMembership = d
	}
}

// EnsurePool resolves or creates the pooled MUTUAL_AID_FUND account held by
// holderMemberID and remembers it for approvals.
func (s *Service) EnsurePool(ctx context.Context, holderMemberID int64) (ledger.Account, error) {
	actor := rbac.SystemActor()
	unlock, err := s.locks.Lock(ctx, shared.AccountSlotLockKey(holderMemberID, string(ledger.AccountMutualAidFund)))
	if err != nil {
		return ledger.Account{}, err
	}
	defer unlock()

	var pool ledger.Account
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var created bool
		pool, created, err = s.ledger.EnsureAccountInTx(ctx, tx, holderMemberID, ledger.AccountMutualAidFund)
		if err != nil || !created {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "mutualaid.pool.create", "account", pool.ID, map[string]any{
			"account_number": pool.Number,
			"member_id":      holderMemberID,
		}, s.now()))
	})
	if err != nil {
		return ledger.Account{}, err
	}
	s.poolAccountID.Store(pool.ID)
	s.logger.Info("mutual aid pool ready", slog.Int64("account_id", pool.ID), slog.String("account_number", pool.Number))
	return pool, nil
}

// PoolAccountID returns the pooled account id, zero before EnsurePool.
func (s *Service) PoolAccountID() int64 {
	return s.poolAccountID.Load()
}

// Pool returns the pooled fund account with its current balance. This is the
// balance approvals disburse from; member contributions are not included.
func (s *Service) Pool(ctx context.Context, actor shared.Actor) (ledger.Account, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidView); err != nil {
		return ledger.Account{}, err
	}
	id := s.PoolAccountID()
	if id == 0 {
		return ledger.Account{}, ErrPoolNotReady
	}
	return s.ledger.GetAccount(ctx, rbac.SystemActor(), id)
}

// CreateRequest opens a PENDING aid request for an active member.
func (s *Service) CreateRequest(ctx context.Context, actor shared.Actor, in RequestInput) (Request, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidRequest); err != nil {
		return Request{}, err
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Request{}, err
	}
	if err := shared.RequirePositiveAmount("amount", in.Amount); err != nil {
		return Request{}, err
	}
	now := s.now()
	var created Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		member, err := tx.GetMemberRef(ctx, in.MemberID)
		if err != nil {
			return err
		}
		if member.Status != "ACTIVE" {
			return fmt.Errorf("%w: member %d is %s", shared.ErrInvalidState, member.ID, member.Status)
		}
		if now.Sub(member.RegisteredAt) < s.minMembership {
			return fmt.Errorf("%w: member must belong to the cooperative for at least %d days",
				shared.ErrValidation, int(s.minMembership.Hours()/24))
		}
		created, err = tx.InsertRequest(ctx, Request{
			MemberID:    in.MemberID,
			Amount:      in.Amount,
			Reason:      in.Reason,
			Status:      StatusPending,
			RequestedBy: actor.UserID,
			RequestedAt: now,
		})
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "mutualaid.request.create", "mutual_aid_request", created.ID, map[string]any{
			"member_id": created.MemberID,
			"amount":    created.Amount.StringFixed(2),
			"reason":    created.Reason,
		}, now))
	})
	if err != nil {
		return Request{}, err
	}
	return created, nil
}

// Approve disburses a PENDING request from the pooled fund. The withdrawal
// and the status change commit together; if the withdrawal fails the request
// stays PENDING.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64, in DecisionInput) (Request, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidApprove); err != nil {
		return Request{}, err
	}
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Request{}, err
	}
	poolID := s.PoolAccountID()
	if poolID == 0 {
		return Request{}, ErrPoolNotReady
	}

	unlockRequest, err := s.locks.Lock(ctx, shared.AidRequestLockKey(id))
	if err != nil {
		return Request{}, err
	}
	defer unlockRequest()
	unlockPool, err := s.ledger.LockAccount(ctx, poolID)
	if err != nil {
		return Request{}, err
	}
	defer unlockPool()

	var (
		decided   Request
		posted    ledger.Posted
		requester *int64
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return fmt.Errorf("%w: request %d is %s", shared.ErrInvalidState, id, current.Status)
		}
		posted, err = s.ledger.PostInTx(ctx, tx, actor, ledger.Posting{
			AccountID:   poolID,
			Type:        ledger.Withdrawal,
			Amount:      current.Amount,
			Description: fmt.Sprintf("mutual aid request #%d", id),
		})
		if err != nil {
			return err
		}
		member, err := tx.GetMemberRef(ctx, current.MemberID)
		if err != nil {
			return err
		}
		requester = member.UserID
		decided, err = s.decide(ctx, tx, actor, current, StatusApproved, in.Notes, &posted.Transaction.ID)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.ledger.Committed(ctx, posted)
	s.notifyDecision(ctx, requester, decided)
	return decided, nil
}

// Reject closes a PENDING request without touching the ledger. Rejected
// requests are final; members file a new request instead.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id int64, in DecisionInput) (Request, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidApprove); err != nil {
		return Request{}, err
	}
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Request{}, err
	}
	unlock, err := s.locks.Lock(ctx, shared.AidRequestLockKey(id))
	if err != nil {
		return Request{}, err
	}
	defer unlock()

	var (
		decided   Request
		requester *int64
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return fmt.Errorf("%w: request %d is %s", shared.ErrInvalidState, id, current.Status)
		}
		member, err := tx.GetMemberRef(ctx, current.MemberID)
		if err != nil {
			return err
		}
		requester = member.UserID
		decided, err = s.decide(ctx, tx, actor, current, StatusRejected, in.Notes, nil)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.notifyDecision(ctx, requester, decided)
	return decided, nil
}

func (s *Service) decide(ctx context.Context, tx TxRepository, actor shared.Actor, current Request, status Status, notes string, txnID *int64) (Request, error) {
	now := s.now()
	next := current
	next.Status = status
	next.DecidedBy = &actor.UserID
	next.DecidedAt = &now
	next.Notes = strings.TrimSpace(notes)
	next.TransactionID = txnID
	updated, err := tx.UpdateRequestDecision(ctx, next)
	if err != nil {
		return Request{}, err
	}
	action := "mutualaid.request.reject"
	if status == StatusApproved {
		action = "mutualaid.request.approve"
	}
	meta := map[string]any{
		"old":    map[string]any{"status": current.Status},
		"new":    map[string]any{"status": updated.Status},
		"amount": updated.Amount.StringFixed(2),
		"notes":  updated.Notes,
	}
	if txnID != nil {
		meta["transaction_id"] = *txnID
	}
	if err := tx.RecordAudit(ctx, shared.NewAuditLog(actor, action, "mutual_aid_request", updated.ID, meta, now)); err != nil {
		return Request{}, err
	}
	return updated, nil
}

// Contribute deposits into the member's MUTUAL_AID_FUND account, opening it
// on first use. The pooled account is untouched: the pool is funded only by
// treasury deposits posted to it directly.
func (s *Service) Contribute(ctx context.Context, actor shared.Actor, in ContributionInput) (Contribution, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidContribute); err != nil {
		return Contribution{}, err
	}
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Contribution{}, err
	}
	if err := shared.RequirePositiveAmount("amount", in.Amount); err != nil {
		return Contribution{}, err
	}
	now := s.now()
	if in.Month == 0 {
		in.Month = int(now.Month())
	}
	if in.Year == 0 {
		in.Year = now.Year()
	}

	unlockSlot, err := s.locks.Lock(ctx, shared.AccountSlotLockKey(in.MemberID, string(ledger.AccountMutualAidFund)))
	if err != nil {
		return Contribution{}, err
	}
	defer unlockSlot()
	existing, err := s.ledger.FindAccount(ctx, in.MemberID, ledger.AccountMutualAidFund)
	switch {
	case err == nil:
		unlockAccount, err := s.ledger.LockAccount(ctx, existing.ID)
		if err != nil {
			return Contribution{}, err
		}
		defer unlockAccount()
	case !errors.Is(err, shared.ErrNotFound):
		return Contribution{}, err
	}

	var (
		contribution Contribution
		posted       ledger.Posted
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, created, err := s.ledger.EnsureAccountInTx(ctx, tx, in.MemberID, ledger.AccountMutualAidFund)
		if err != nil {
			return err
		}
		posted, err = s.ledger.PostInTx(ctx, tx, actor, ledger.Posting{
			AccountID:   account.ID,
			Type:        ledger.Deposit,
			Amount:      in.Amount,
			Description: fmt.Sprintf("mutual aid contribution %02d/%d", in.Month, in.Year),
		})
		if err != nil {
			return err
		}
		contribution, err = tx.InsertContribution(ctx, Contribution{
			MemberID:      in.MemberID,
			AccountID:     account.ID,
			TransactionID: posted.Transaction.ID,
			Amount:        in.Amount,
			PeriodMonth:   in.Month,
			PeriodYear:    in.Year,
			CreatedBy:     actor.UserID,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "mutualaid.contribution.create", "mutual_aid_contribution", contribution.ID, map[string]any{
			"member_id":       in.MemberID,
			"account_id":      account.ID,
			"account_created": created,
			"reference":       posted.Transaction.Reference,
			"amount":          in.Amount.StringFixed(2),
			"period":          fmt.Sprintf("%02d/%d", in.Month, in.Year),
		}, now))
	})
	if err != nil {
		return Contribution{}, err
	}
	s.ledger.Committed(ctx, posted)
	return contribution, nil
}

// GetRequest returns one request.
func (s *Service) GetRequest(ctx context.Context, actor shared.Actor, id int64) (Request, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidView); err != nil {
		return Request{}, err
	}
	return s.repo.GetRequest(ctx, id)
}

// ListRequests pages through requests, newest first.
func (s *Service) ListRequests(ctx context.Context, actor shared.Actor, f RequestFilter) ([]Request, shared.Pagination, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidView); err != nil {
		return nil, shared.Pagination{}, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown request status %q", shared.ErrValidation, f.Status)
	}
	f.Page, f.PageSize = shared.NormalizePage(f.Page, f.PageSize)
	list, total, err := s.repo.ListRequests(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(f.Page, f.PageSize, total), nil
}

// ListContributions pages through contributions, optionally for one member.
func (s *Service) ListContributions(ctx context.Context, actor shared.Actor, memberID int64, page, pageSize int) ([]Contribution, shared.Pagination, error) {
	if err := rbac.Authorize(actor, rbac.PermMutualAidView); err != nil {
		return nil, shared.Pagination{}, err
	}
	page, pageSize = shared.NormalizePage(page, pageSize)
	list, total, err := s.repo.ListContributions(ctx, memberID, page, pageSize)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(page, pageSize, total), nil
}

func (s *Service) notifyDecision(ctx context.Context, userID *int64, r Request) {
	if s.notifier == nil || userID == nil {
		return
	}
	title := "Mutual aid request rejected"
	body := fmt.Sprintf("Request #%d for %s was rejected.", r.ID, r.Amount.StringFixed(2))
	if r.Status == StatusApproved {
		title = "Mutual aid request approved"
		body = fmt.Sprintf("Request #%d for %s was approved and disbursed.", r.ID, r.Amount.StringFixed(2))
	}
	if r.Notes != "" {
		body += " " + r.Notes
	}
	msg := notifications.Message{Type: notifications.TypeMember, Title: title, Body: body}
	if _, err := s.notifier.Deliver(context.WithoutCancel(ctx), *userID, msg); err != nil {
		s.logger.Warn("notification delivery failed",
			slog.Int64("recipient_id", *userID),
			slog.Int64("request_id", r.ID),
			slog.Any("error", err))
	}
}
