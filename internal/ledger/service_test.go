package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/ledger/ledgertest"
	"github.com/caja-rds/caja-rds/internal/notifications"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notifications.Message
	to   []int64
	err  error
}

func (n *recordingNotifier) Deliver(ctx context.Context, recipientID int64, msg notifications.Message) (notifications.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return notifications.Notification{}, n.err
	}
	n.sent = append(n.sent, msg)
	n.to = append(n.to, recipientID)
	return notifications.Notification{RecipientID: recipientID}, nil
}

var (
	cajero  = shared.Actor{UserID: 3, Role: string(rbac.RoleCajero), IP: "10.0.0.3"}
	auditor = shared.Actor{UserID: 4, Role: string(rbac.RoleAuditor), IP: "10.0.0.4"}
	ownerID = int64(30)
)

type fixture struct {
	store    *ledgertest.Store
	notifier *recordingNotifier
	svc      *ledger.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := ledgertest.NewStore()
	return newFixtureOn(t, store, store)
}

// newFixtureOn builds the service over repo, which must be backed by store.
func newFixtureOn(t *testing.T, store *ledgertest.Store, repo ledger.Repository) fixture {
	t.Helper()
	store.AddMember(ledger.MemberRef{ID: 1, UserID: &ownerID})
	store.AddMember(ledger.MemberRef{ID: 2})
	notifier := &recordingNotifier{}
	svc := ledger.NewService(repo, shared.NewKeyedLocker(), notifier, nil)
	clock := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	svc.WithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	})
	return fixture{store: store, notifier: notifier, svc: svc}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f fixture) open(t *testing.T, memberID int64, accountType string, initial string) ledger.Account {
	t.Helper()
	account, err := f.svc.OpenAccount(context.Background(), cajero, ledger.OpenAccountInput{
		MemberID: memberID, AccountType: accountType, InitialDeposit: dec(initial),
	})
	require.NoError(t, err)
	return account
}

func (f fixture) post(accountID int64, kind, amount string) (ledger.Transaction, error) {
	return f.svc.Post(context.Background(), cajero, ledger.PostInput{
		AccountID: accountID, TransactionType: kind, Amount: dec(amount), Description: "ventanilla",
	})
}

func TestOpenAccountWithInitialDeposit(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 1, "CHECKING", "100.00")

	assert.True(t, account.Balance.Equal(dec("100.00")))
	assert.Equal(t, "CC-00000001", account.Number)
	txns := f.store.TransactionsOf(account.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.Deposit, txns[0].Type)
	assert.Equal(t, "initial deposit", txns[0].Description)
	assert.True(t, txns[0].BalanceAfter.Equal(dec("100.00")))
	assert.Equal(t, "DEP-000000000001", txns[0].Reference)
	require.Equal(t, 1, f.store.AuditLen())
	assert.Equal(t, "account.create", f.store.Audit[0].Action)
	require.Len(t, f.notifier.to, 1)
	assert.Equal(t, ownerID, f.notifier.to[0])
}

func TestOpenAccountZeroDepositHasNoTransaction(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 2, "SAVINGS", "0")
	assert.True(t, account.Balance.IsZero())
	assert.Equal(t, "AH-00000001", account.Number)
	assert.Empty(t, f.store.TransactionsOf(account.ID))
	assert.Equal(t, 1, f.store.AuditLen())
	assert.Empty(t, f.notifier.sent)
}

func TestOpenAccountErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OpenAccount(ctx, cajero, ledger.OpenAccountInput{MemberID: 99, AccountType: "CHECKING", InitialDeposit: dec("10")})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.OpenAccount(ctx, cajero, ledger.OpenAccountInput{MemberID: 1, AccountType: "CHECKING", InitialDeposit: dec("-1")})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
	assert.Equal(t, shared.KindValidation, shared.KindOf(err))

	_, err = f.svc.OpenAccount(ctx, cajero, ledger.OpenAccountInput{MemberID: 1, AccountType: "BROKERAGE"})
	require.ErrorIs(t, err, shared.ErrInvalidArgument)

	_, err = f.svc.OpenAccount(ctx, auditor, ledger.OpenAccountInput{MemberID: 1, AccountType: "CHECKING"})
	require.ErrorIs(t, err, shared.ErrForbidden)

	f.open(t, 1, "HOLIDAY", "5")
	_, err = f.svc.OpenAccount(ctx, cajero, ledger.OpenAccountInput{MemberID: 1, AccountType: "HOLIDAY"})
	require.ErrorIs(t, err, shared.ErrValidation)

	assert.Len(t, f.store.Accounts, 1)
	assert.Equal(t, 1, f.store.AuditLen())
}

func TestOpenAccountRollsBackWhenDepositFails(t *testing.T) {
	f := newFixture(t)
	f.store.InsertTxnErr = errors.New("disk full")

	_, err := f.svc.OpenAccount(context.Background(), cajero, ledger.OpenAccountInput{MemberID: 1, AccountType: "SCHOOL", InitialDeposit: dec("20")})
	require.Error(t, err)
	assert.Empty(t, f.store.Accounts)
	assert.Empty(t, f.store.Transactions)
	assert.Zero(t, f.store.AuditLen())
}

func TestScenarios(t *testing.T) {
	f := newFixture(t)

	// A: open with 100.00.
	account := f.open(t, 1, "CHECKING", "100.00")
	assert.True(t, f.store.Balance(account.ID).Equal(dec("100.00")))

	// B: overdraw.
	_, err := f.post(account.ID, "WITHDRAWAL", "150.00")
	require.ErrorIs(t, err, shared.ErrInsufficientFunds)
	assert.Equal(t, shared.KindInsufficientFunds, shared.KindOf(err))
	assert.True(t, f.store.Balance(account.ID).Equal(dec("100.00")))
	assert.Len(t, f.store.TransactionsOf(account.ID), 1)

	// C: deposit then withdraw.
	dep, err := f.post(account.ID, "DEPOSIT", "50.00")
	require.NoError(t, err)
	assert.True(t, dep.BalanceAfter.Equal(dec("150.00")))
	wd, err := f.post(account.ID, "WITHDRAWAL", "30.00")
	require.NoError(t, err)
	assert.True(t, wd.BalanceBefore.Equal(dec("150.00")))
	assert.True(t, wd.BalanceAfter.Equal(dec("120.00")))
	assert.Equal(t, "RET-000000000003", wd.Reference)
	txns := f.store.TransactionsOf(account.ID)
	require.Len(t, txns, 3)
	assert.Equal(t, dep.ID, txns[1].ID)
	assert.Equal(t, wd.ID, txns[2].ID)

	// D: block and deposit.
	blocked, err := f.svc.Block(context.Background(), cajero, account.ID)
	require.NoError(t, err)
	assert.True(t, blocked.IsBlocked)
	assert.True(t, blocked.Balance.Equal(dec("120.00")))
	_, err = f.post(account.ID, "DEPOSIT", "10.00")
	require.ErrorIs(t, err, shared.ErrAccountBlocked)
	assert.True(t, f.store.Balance(account.ID).Equal(dec("120.00")))

	// History stays readable while blocked.
	seq, err := f.svc.History(context.Background(), auditor, account.ID, ledger.HistoryFilter{})
	require.NoError(t, err)
	var refs []string
	for txn, err := range seq {
		require.NoError(t, err)
		refs = append(refs, txn.Reference)
	}
	assert.Equal(t, []string{"DEP-000000000001", "DEP-000000000002", "RET-000000000003"}, refs)

	_, err = f.svc.Unblock(context.Background(), cajero, account.ID)
	require.NoError(t, err)
	_, err = f.post(account.ID, "DEPOSIT", "10.00")
	require.NoError(t, err)

	assert.True(t, f.store.Balance(account.ID).Equal(f.store.LedgerSum(account.ID)))
	// open, deposit, withdrawal, block, unblock, deposit
	assert.Equal(t, 6, f.store.AuditLen())
}

func TestPostValidation(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 1, "CHECKING", "10")

	for _, amount := range []string{"0", "-5", "1.001"} {
		_, err := f.post(account.ID, "DEPOSIT", amount)
		require.ErrorIs(t, err, shared.ErrInvalidArgument, amount)
	}
	_, err := f.post(account.ID, "TRANSFER", "5")
	require.ErrorIs(t, err, shared.ErrInvalidArgument)
	_, err = f.post(404, "DEPOSIT", "5")
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.Post(context.Background(), auditor, ledger.PostInput{AccountID: account.ID, TransactionType: "DEPOSIT", Amount: dec("1")})
	require.ErrorIs(t, err, shared.ErrForbidden)

	assert.Len(t, f.store.TransactionsOf(account.ID), 1)
	assert.Equal(t, 1, f.store.AuditLen())
}

func TestPostAuditFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 1, "CHECKING", "10")
	f.store.AuditErr = errors.New("audit unavailable")

	_, err := f.post(account.ID, "DEPOSIT", "5")
	require.Error(t, err)
	assert.True(t, f.store.Balance(account.ID).Equal(dec("10")))
	assert.Len(t, f.store.TransactionsOf(account.ID), 1)
}

func TestPostNotificationFailureDoesNotFailPosting(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 1, "CHECKING", "10")
	f.notifier.err = errors.New("inbox down")

	txn, err := f.post(account.ID, "WITHDRAWAL", "10")
	require.NoError(t, err)
	assert.True(t, txn.BalanceAfter.IsZero())
}

func TestPostingHooksSeeCommittedPostings(t *testing.T) {
	f := newFixture(t)
	var seen []string
	f.svc.OnPosted(func(ctx context.Context, p ledger.Posted) {
		seen = append(seen, p.Transaction.Reference)
	})
	account := f.open(t, 2, "SAVINGS", "1")
	_, err := f.post(account.ID, "WITHDRAWAL", "5")
	require.Error(t, err)
	_, err = f.post(account.ID, "DEPOSIT", "5")
	require.NoError(t, err)
	assert.Equal(t, []string{"DEP-000000000001", "DEP-000000000002"}, seen)
}

func TestConcurrentPostsSerializePerAccount(t *testing.T) {
	// The interleaved view runs transactions side by side, so only the
	// per-account lock in Post keeps read-modify-write cycles apart.
	store := ledgertest.NewStore()
	f := newFixtureOn(t, store, store.Interleaved())
	account := f.open(t, 1, "CHECKING", "100.00")

	var g errgroup.Group
	for i := range 40 {
		g.Go(func() error {
			kind := "DEPOSIT"
			if i%2 == 1 {
				kind = "WITHDRAWAL"
			}
			_, err := f.post(account.ID, kind, "7.50")
			if errors.Is(err, shared.ErrInsufficientFunds) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	balance := f.store.Balance(account.ID)
	assert.False(t, balance.IsNegative())
	assert.True(t, balance.Equal(f.store.LedgerSum(account.ID)))

	txns := f.store.TransactionsOf(account.ID)
	for i := 1; i < len(txns); i++ {
		assert.True(t, txns[i].BalanceBefore.Equal(txns[i-1].BalanceAfter), "posting %d did not see its predecessor", i)
	}
	drift, err := f.svc.CheckIntegrity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestPostsOnDifferentAccountsDoNotWait(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, 1, "CHECKING", "10")
	b := f.open(t, 2, "CHECKING", "10")

	release, err := f.svc.LockAccount(context.Background(), a.ID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.svc.Post(ctx, cajero, ledger.PostInput{AccountID: b.ID, TransactionType: "DEPOSIT", Amount: dec("1")})
	require.NoError(t, err)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = f.svc.Post(short, cajero, ledger.PostInput{AccountID: a.ID, TransactionType: "DEPOSIT", Amount: dec("1")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.store.Balance(a.ID).Equal(dec("10")))
}

func TestHistoryIsLazyAndRestartable(t *testing.T) {
	f := newFixture(t)
	f.svc.WithHistoryPageSize(2)
	account := f.open(t, 1, "SAVINGS", "1")
	for i := range 4 {
		_, err := f.post(account.ID, "DEPOSIT", fmt.Sprintf("%d", i+1))
		require.NoError(t, err)
	}

	seq, err := f.svc.History(context.Background(), auditor, account.ID, ledger.HistoryFilter{})
	require.NoError(t, err)

	collect := func() []int64 {
		var ids []int64
		for txn, err := range seq {
			require.NoError(t, err)
			ids = append(ids, txn.ID)
		}
		return ids
	}
	first := collect()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, first)

	_, err = f.post(account.ID, "WITHDRAWAL", "1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, collect())

	var early []int64
	for txn := range seq {
		early = append(early, txn.ID)
		if len(early) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, early)

	onlyWithdrawals, err := f.svc.History(context.Background(), auditor, account.ID, ledger.HistoryFilter{Type: ledger.Withdrawal})
	require.NoError(t, err)
	var n int
	for _, err := range onlyWithdrawals {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)

	_, err = f.svc.History(context.Background(), auditor, 999, ledger.HistoryFilter{})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCheckIntegrityReportsDrift(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 1, "CHECKING", "40")
	f.store.Corrupt(account.ID, dec("45"))

	drift, err := f.svc.CheckIntegrity(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, account.ID, drift[0].AccountID)
	assert.True(t, drift[0].LedgerSum.Equal(dec("40")))
}

func TestListTransactionsNewestFirst(t *testing.T) {
	f := newFixture(t)
	account := f.open(t, 1, "CHECKING", "10")
	_, err := f.post(account.ID, "DEPOSIT", "1")
	require.NoError(t, err)

	list, page, err := f.svc.ListTransactions(context.Background(), auditor, ledger.TransactionFilter{MemberID: 1})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "DEP-000000000002", list[0].Reference)
	assert.Equal(t, 2, page.Total)
}
