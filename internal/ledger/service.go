package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/caja-rds/caja-rds/internal/notifications"
	"github.com/caja-rds/caja-rds/internal/platform/httpx"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

const (
	initialDepositDescription = "initial deposit"
	defaultHistoryPage        = 200
)

// Notifier delivers a best-effort notification to a user inbox.
type Notifier interface {
	Deliver(ctx context.Context, recipientID int64, msg notifications.Message) (notifications.Notification, error)
}

// PostingHook observes committed postings.
type PostingHook func(ctx context.Context, p Posted)

// Service is the account ledger.
type Service struct {
	repo      Repository
	locks     *shared.KeyedLocker
	notifier  Notifier
	hooks     []PostingHook
	logger    *slog.Logger
	validator *validator.Validate
	now       func() time.Time
	pageSize  int
}

// NewService builds the ledger. locks must be shared with every module that
// posts to accounts.
func NewService(repo Repository, locks *shared.KeyedLocker, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = shared.NewKeyedLocker()
	}
	return &Service{
		repo:      repo,
		locks:     locks,
		notifier:  notifier,
		logger:    logger,
		validator: validator.New(),
		now:       time.Now,
		pageSize:  defaultHistoryPage,
	}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithHistoryPageSize sets how many rows a history iterator fetches per query.
func (s *Service) WithHistoryPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// OnPosted registers a hook run after every committed posting.
func (s *Service) OnPosted(hook PostingHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// OpenAccount creates an account for a member. A positive initial deposit is
// posted in the same transaction as the account row.
func (s *Service) OpenAccount(ctx context.Context, actor shared.Actor, in OpenAccountInput) (Account, error) {
	if err := rbac.Authorize(actor, rbac.PermAccountsEdit); err != nil {
		return Account{}, err
	}
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Account{}, err
	}
	accountType, err := ParseAccountType(in.AccountType)
	if err != nil {
		return Account{}, err
	}
	if err := shared.RequireNonNegativeAmount("initial_deposit", in.InitialDeposit); err != nil {
		return Account{}, err
	}

	unlock, err := s.locks.Lock(ctx, shared.AccountSlotLockKey(in.MemberID, string(accountType)))
	if err != nil {
		return Account{}, err
	}
	defer unlock()

	var (
		account Account
		posted  *Posted
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var created bool
		account, created, err = s.EnsureAccountInTx(ctx, tx, in.MemberID, accountType)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: member already holds a %s account", shared.ErrValidation, accountType)
		}
		if in.InitialDeposit.IsPositive() {
			p, err := s.PostInTx(ctx, tx, actor, Posting{
				AccountID:   account.ID,
				Type:        Deposit,
				Amount:      in.InitialDeposit,
				Description: initialDepositDescription,
			})
			if err != nil {
				return err
			}
			account = p.Account
			posted = &p
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "account.create", "account", account.ID, map[string]any{
			"new": map[string]any{
				"member_id":       account.MemberID,
				"account_number":  account.Number,
				"account_type":    account.Type,
				"initial_deposit": in.InitialDeposit.StringFixed(2),
			},
		}, s.now()))
	})
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("account opened", slog.Int64("account_id", account.ID), slog.String("account_number", account.Number))
	if posted != nil {
		s.Committed(ctx, *posted)
	}
	return account, nil
}

// Post applies a deposit or withdrawal. Postings on one account are admitted
// one at a time and commit in admission order.
func (s *Service) Post(ctx context.Context, actor shared.Actor, in PostInput) (Transaction, error) {
	if err := rbac.Authorize(actor, rbac.PermTransactionsPost); err != nil {
		return Transaction{}, err
	}
	posting, err := s.validatePosting(in)
	if err != nil {
		return Transaction{}, err
	}

	unlock, err := s.locks.Lock(ctx, shared.AccountLockKey(posting.AccountID))
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	var posted Posted
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, err = s.PostInTx(ctx, tx, actor, posting)
		if err != nil {
			return err
		}
		txn := posted.Transaction
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, "transaction.create", "transaction", txn.ID, map[string]any{
			"account_id":     txn.AccountID,
			"reference":      txn.Reference,
			"type":           txn.Type,
			"amount":         txn.Amount.StringFixed(2),
			"balance_before": txn.BalanceBefore.StringFixed(2),
			"balance_after":  txn.BalanceAfter.StringFixed(2),
		}, s.now()))
	})
	if err != nil {
		return Transaction{}, err
	}
	s.Committed(ctx, posted)
	return posted.Transaction, nil
}

// Block stops all postings on an account. Reads stay available.
func (s *Service) Block(ctx context.Context, actor shared.Actor, accountID int64) (Account, error) {
	return s.setBlocked(ctx, actor, accountID, true)
}

// Unblock re-enables postings on an account.
func (s *Service) Unblock(ctx context.Context, actor shared.Actor, accountID int64) (Account, error) {
	return s.setBlocked(ctx, actor, accountID, false)
}

func (s *Service) setBlocked(ctx context.Context, actor shared.Actor, accountID int64, blocked bool) (Account, error) {
	if err := rbac.Authorize(actor, rbac.PermAccountsEdit); err != nil {
		return Account{}, err
	}
	unlock, err := s.locks.Lock(ctx, shared.AccountLockKey(accountID))
	if err != nil {
		return Account{}, err
	}
	defer unlock()

	action := "account.unblock"
	if blocked {
		action = "account.block"
	}
	var (
		updated Account
		owner   MemberRef
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		owner, err = tx.GetMemberRef(ctx, current.MemberID)
		if err != nil {
			return err
		}
		updated, err = tx.SetAccountBlocked(ctx, accountID, blocked, s.now())
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.NewAuditLog(actor, action, "account", accountID, map[string]any{
			"old": map[string]any{"is_blocked": current.IsBlocked},
			"new": map[string]any{"is_blocked": updated.IsBlocked},
		}, s.now()))
	})
	if err != nil {
		return Account{}, err
	}
	if owner.UserID != nil && blocked {
		s.notify(ctx, *owner.UserID, notifications.Message{
			Type:  notifications.TypeAccount,
			Title: "Account blocked",
			Body:  fmt.Sprintf("Account %s has been blocked. New postings are rejected until it is unblocked.", updated.Number),
		})
	}
	return updated, nil
}

// GetAccount returns a single account.
func (s *Service) GetAccount(ctx context.Context, actor shared.Actor, id int64) (Account, error) {
	if err := rbac.Authorize(actor, rbac.PermAccountsView); err != nil {
		return Account{}, err
	}
	return s.repo.GetAccount(ctx, id)
}

// ListAccounts returns the accounts of a member, or all accounts when memberID is zero.
func (s *Service) ListAccounts(ctx context.Context, actor shared.Actor, memberID int64) ([]Account, error) {
	if err := rbac.Authorize(actor, rbac.PermAccountsView); err != nil {
		return nil, err
	}
	return s.repo.ListAccounts(ctx, memberID)
}

// ListTransactions pages through transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, actor shared.Actor, f TransactionFilter) ([]Transaction, shared.Pagination, error) {
	if err := rbac.Authorize(actor, rbac.PermTransactionsView); err != nil {
		return nil, shared.Pagination{}, err
	}
	f.Page, f.PageSize = shared.NormalizePage(f.Page, f.PageSize)
	list, total, err := s.repo.ListTransactions(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(f.Page, f.PageSize, total), nil
}

// History returns the transactions of an account in commit order. The
// sequence is lazy and fetches keyset pages on demand. Every range over it
// starts from the beginning and stops at the last transaction committed when
// that range started.
func (s *Service) History(ctx context.Context, actor shared.Actor, accountID int64, f HistoryFilter) (iter.Seq2[Transaction, error], error) {
	if err := rbac.Authorize(actor, rbac.PermTransactionsView, rbac.PermAccountsView); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return func(yield func(Transaction, error) bool) {
		untilID, err := s.repo.LastTransactionID(ctx, accountID)
		if err != nil {
			yield(Transaction{}, err)
			return
		}
		var cursor Cursor
		for {
			page, err := s.repo.TransactionsAfter(ctx, accountID, f, cursor, untilID, s.pageSize)
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			for _, txn := range page {
				if !yield(txn, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}, nil
}

// CheckIntegrity lists accounts whose balance no longer equals the sum of
// their transactions or their last balance snapshot.
func (s *Service) CheckIntegrity(ctx context.Context) ([]Drift, error) {
	return s.repo.IntegrityReport(ctx)
}

// LockAccount acquires the posting slot of an account. Callers composing
// PostInTx into their own transaction must hold it.
func (s *Service) LockAccount(ctx context.Context, accountID int64) (func(), error) {
	return s.locks.Lock(ctx, shared.AccountLockKey(accountID))
}

// FindAccount returns the member's account of type t.
func (s *Service) FindAccount(ctx context.Context, memberID int64, t AccountType) (Account, error) {
	return s.repo.FindAccountByMemberAndType(ctx, memberID, t)
}

// EnsureAccountInTx returns the member's account of type t, creating it with a
// zero balance when missing. It reports whether the account was created. The
// caller holds the account slot lock and records the audit entry.
func (s *Service) EnsureAccountInTx(ctx context.Context, tx TxRepository, memberID int64, t AccountType) (Account, bool, error) {
	if _, err := tx.GetMemberRef(ctx, memberID); err != nil {
		return Account{}, false, err
	}
	existing, err := tx.FindAccountByMemberAndType(ctx, memberID, t)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Account{}, false, err
	}
	seq, err := tx.NextAccountSeq(ctx)
	if err != nil {
		return Account{}, false, err
	}
	created, err := tx.InsertAccount(ctx, Account{
		MemberID:  memberID,
		Number:    FormatAccountNumber(t, seq),
		Type:      t,
		Balance:   decimal.Zero,
		CreatedAt: s.now(),
	})
	if err != nil {
		return Account{}, false, err
	}
	return created, true, nil
}

// PostInTx applies p inside tx without writing an audit entry. The caller
// holds the account lock, records the audit entry and calls Committed once
// the transaction commits.
func (s *Service) PostInTx(ctx context.Context, tx TxRepository, actor shared.Actor, p Posting) (Posted, error) {
	account, err := tx.GetAccountForUpdate(ctx, p.AccountID)
	if err != nil {
		return Posted{}, err
	}
	if account.IsBlocked {
		return Posted{}, fmt.Errorf("account %s: %w", account.Number, shared.ErrAccountBlocked)
	}
	before := account.Balance
	after := before.Add(p.Type.Effect(p.Amount))
	if after.IsNegative() {
		return Posted{}, fmt.Errorf("%w: account %s holds %s, requested %s",
			shared.ErrInsufficientFunds, account.Number, before.StringFixed(2), p.Amount.StringFixed(2))
	}
	owner, err := tx.GetMemberRef(ctx, account.MemberID)
	if err != nil {
		return Posted{}, err
	}
	seq, err := tx.NextReferenceSeq(ctx)
	if err != nil {
		return Posted{}, err
	}
	now := s.now()
	if err := tx.UpdateAccountBalance(ctx, account.ID, after, now); err != nil {
		return Posted{}, err
	}
	txn, err := tx.InsertTransaction(ctx, Transaction{
		AccountID:     account.ID,
		MemberID:      account.MemberID,
		Reference:     FormatReference(p.Type, seq),
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   p.Description,
		CreatedBy:     actor.UserID,
		CreatedAt:     now,
	})
	if err != nil {
		return Posted{}, err
	}
	account.Balance = after
	account.UpdatedAt = now
	return Posted{Account: account, Transaction: txn, OwnerUserID: owner.UserID}, nil
}

// Committed runs posting hooks and notifies the account owner. Failures are
// logged and never surface to the caller.
func (s *Service) Committed(ctx context.Context, p Posted) {
	for _, hook := range s.hooks {
		hook(ctx, p)
	}
	if p.OwnerUserID == nil {
		return
	}
	txn := p.Transaction
	title := "Deposit posted"
	if txn.Type == Withdrawal {
		title = "Withdrawal posted"
	}
	s.notify(ctx, *p.OwnerUserID, notifications.Message{
		Type:  notifications.TypeTransaction,
		Title: title,
		Body: fmt.Sprintf("%s for %s on account %s. New balance: %s.",
			txn.Reference, txn.Amount.StringFixed(2), p.Account.Number, txn.BalanceAfter.StringFixed(2)),
	})
}

func (s *Service) notify(ctx context.Context, userID int64, msg notifications.Message) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Deliver(context.WithoutCancel(ctx), userID, msg); err != nil {
		s.logger.Warn("notification delivery failed",
			slog.Int64("recipient_id", userID),
			slog.String("type", string(msg.Type)),
			slog.Any("error", err))
	}
}

func (s *Service) validatePosting(in PostInput) (Posting, error) {
	if err := httpx.ValidateStruct(s.validator, &in); err != nil {
		return Posting{}, err
	}
	t, err := ParseTransactionType(in.TransactionType)
	if err != nil {
		return Posting{}, err
	}
	if err := shared.RequirePositiveAmount("amount", in.Amount); err != nil {
		return Posting{}, err
	}
	return Posting{
		AccountID:   in.AccountID,
		Type:        t,
		Amount:      in.Amount,
		Description: strings.TrimSpace(in.Description),
	}, nil
}
