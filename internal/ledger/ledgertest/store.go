// Package ledgertest provides an in-memory ledger store for tests.
package ledgertest

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Snapshotter lets extensions of Store roll back with it. Snapshot returns a
// func restoring the state captured at call time.
type Snapshotter interface {
	Snapshot() func()
}

// Store implements ledger.Repository in memory. Transactions run one at a
// time and roll back by restoring a snapshot. Sequences never roll back.
type Store struct {
	mu sync.Mutex

	Members      map[int64]ledger.MemberRef
	Accounts     map[int64]ledger.Account
	Transactions []ledger.Transaction
	Audit        []shared.AuditLog

	// AuditErr and InsertTxnErr inject failures into the next writes.
	AuditErr     error
	InsertTxnErr error

	accountSeq int64
	refSeq     int64
	nextTxnID  int64
	extensions []Snapshotter
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		Members:  make(map[int64]ledger.MemberRef),
		Accounts: make(map[int64]ledger.Account),
	}
}

// AddMember registers a member the ledger can see.
func (s *Store) AddMember(m ledger.MemberRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Status == "" {
		m.Status = "ACTIVE"
	}
	s.Members[m.ID] = m
}

// Extend registers an extension whose state rolls back with the store.
func (s *Store) Extend(x Snapshotter) {
	s.extensions = append(s.extensions, x)
}

// Atomic runs fn with the store locked and restores every snapshot when fn fails.
func (s *Store) Atomic(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	restore := s.snapshot()
	if err := fn(); err != nil {
		restore()
		return err
	}
	if err := ctx.Err(); err != nil {
		restore()
		return err
	}
	return nil
}

func (s *Store) snapshot() func() {
	accounts := maps.Clone(s.Accounts)
	txnLen, auditLen, nextTxnID := len(s.Transactions), len(s.Audit), s.nextTxnID
	restores := make([]func(), 0, len(s.extensions))
	for _, x := range s.extensions {
		restores = append(restores, x.Snapshot())
	}
	return func() {
		s.Accounts = accounts
		s.Transactions = s.Transactions[:txnLen]
		s.Audit = s.Audit[:auditLen]
		s.nextTxnID = nextTxnID
		for _, r := range restores {
			r()
		}
	}
}

// Tx returns the transactional view. Only use it inside Atomic.
func (s *Store) Tx() ledger.TxRepository {
	return &txView{s: s}
}

// WithTx implements ledger.Repository.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return s.Atomic(ctx, func() error { return fn(ctx, s.Tx()) })
}

// Interleaved returns a view of s whose transactions do not run one at a time.
// Each statement locks the store on its own, GetAccountForUpdate yields
// before returning and failed transactions do not roll back. Callers must
// provide their own per-row isolation.
func (s *Store) Interleaved() ledger.Repository {
	return &interleaved{Store: s}
}

type interleaved struct {
	*Store
}

func (r *interleaved) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &lockedTx{s: r.Store, tx: &txView{s: r.Store}})
}

// lockedTx locks the store around every statement of txView.
type lockedTx struct {
	s  *Store
	tx *txView
}

func (t *lockedTx) GetMemberRef(ctx context.Context, memberID int64) (ledger.MemberRef, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.GetMemberRef(ctx, memberID)
}

func (t *lockedTx) FindAccountByMemberAndType(ctx context.Context, memberID int64, at ledger.AccountType) (ledger.Account, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.FindAccountByMemberAndType(ctx, memberID, at)
}

func (t *lockedTx) NextAccountSeq(ctx context.Context) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.NextAccountSeq(ctx)
}

func (t *lockedTx) InsertAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.InsertAccount(ctx, a)
}

func (t *lockedTx) GetAccountForUpdate(ctx context.Context, id int64) (ledger.Account, error) {
	t.s.mu.Lock()
	a, err := t.tx.GetAccountForUpdate(ctx, id)
	t.s.mu.Unlock()
	runtime.Gosched()
	return a, err
}

func (t *lockedTx) UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.UpdateAccountBalance(ctx, id, balance, at)
}

func (t *lockedTx) SetAccountBlocked(ctx context.Context, id int64, blocked bool, at time.Time) (ledger.Account, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.SetAccountBlocked(ctx, id, blocked, at)
}

func (t *lockedTx) NextReferenceSeq(ctx context.Context) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.NextReferenceSeq(ctx)
}

func (t *lockedTx) InsertTransaction(ctx context.Context, tr ledger.Transaction) (ledger.Transaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.InsertTransaction(ctx, tr)
}

func (t *lockedTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.tx.RecordAudit(ctx, log)
}

// Balance returns the stored balance of an account.
func (s *Store) Balance(accountID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Accounts[accountID].Balance
}

// LedgerSum returns the signed sum of the account's transactions.
func (s *Store) LedgerSum(accountID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, t := range s.Transactions {
		if t.AccountID == accountID {
			sum = sum.Add(t.Type.Effect(t.Amount))
		}
	}
	return sum
}

// TransactionsOf returns the account's transactions in insertion order.
func (s *Store) TransactionsOf(accountID int64) []ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Transaction
	for _, t := range s.Transactions {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out
}

// AuditLen returns how many audit entries are stored.
func (s *Store) AuditLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Audit)
}

// Corrupt overwrites a balance without a transaction.
func (s *Store) Corrupt(accountID int64, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.Accounts[accountID]
	a.Balance = balance
	s.Accounts[accountID] = a
}

func (s *Store) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccount(id)
}

func (s *Store) getAccount(id int64) (ledger.Account, error) {
	a, ok := s.Accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("account: %w", shared.ErrNotFound)
	}
	return a, nil
}

func (s *Store) FindAccountByMemberAndType(ctx context.Context, memberID int64, t ledger.AccountType) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findAccount(memberID, t)
}

func (s *Store) findAccount(memberID int64, t ledger.AccountType) (ledger.Account, error) {
	for _, a := range s.Accounts {
		if a.MemberID == memberID && a.Type == t {
			return a, nil
		}
	}
	return ledger.Account{}, fmt.Errorf("account: %w", shared.ErrNotFound)
}

func (s *Store) ListAccounts(ctx context.Context, memberID int64) ([]ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Account
	for _, a := range s.Accounts {
		if memberID == 0 || a.MemberID == memberID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Account) int { return cmp.Compare(a.Number, b.Number) })
	return out, nil
}

func (s *Store) LastTransactionID(ctx context.Context, accountID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	for _, t := range s.Transactions {
		if t.AccountID == accountID && t.ID > last {
			last = t.ID
		}
	}
	return last, nil
}

func (s *Store) TransactionsAfter(ctx context.Context, accountID int64, f ledger.HistoryFilter, after ledger.Cursor, untilID int64, limit int) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []ledger.Transaction
	for _, t := range s.Transactions {
		if t.AccountID != accountID || t.ID > untilID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
			continue
		}
		if after.ID > 0 && compareCursor(t, after) <= 0 {
			continue
		}
		matched = append(matched, t)
	}
	slices.SortFunc(matched, func(a, b ledger.Transaction) int {
		return compareCursor(a, ledger.Cursor{CreatedAt: b.CreatedAt, ID: b.ID})
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) ListTransactions(ctx context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []ledger.Transaction
	for i := len(s.Transactions) - 1; i >= 0; i-- {
		t := s.Transactions[i]
		if (f.AccountID > 0 && t.AccountID != f.AccountID) ||
			(f.MemberID > 0 && t.MemberID != f.MemberID) ||
			(f.Type != "" && t.Type != f.Type) ||
			(!f.From.IsZero() && t.CreatedAt.Before(f.From)) ||
			(!f.To.IsZero() && !t.CreatedAt.Before(f.To)) {
			continue
		}
		matched = append(matched, t)
	}
	total := len(matched)
	start := min(shared.Offset(f.Page, f.PageSize), total)
	end := min(start+f.PageSize, total)
	return matched[start:end], total, nil
}

func (s *Store) IntegrityReport(ctx context.Context) ([]ledger.Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Drift
	for _, a := range s.Accounts {
		sum, last := decimal.Zero, decimal.Zero
		for _, t := range s.Transactions {
			if t.AccountID == a.ID {
				sum = sum.Add(t.Type.Effect(t.Amount))
				last = t.BalanceAfter
			}
		}
		if !a.Balance.Equal(sum) || !a.Balance.Equal(last) {
			out = append(out, ledger.Drift{AccountID: a.ID, AccountNumber: a.Number, Balance: a.Balance, LedgerSum: sum, LastBalanceAfter: last})
		}
	}
	slices.SortFunc(out, func(a, b ledger.Drift) int { return cmp.Compare(a.AccountID, b.AccountID) })
	return out, nil
}

type txView struct {
	s *Store
}

func (t *txView) GetMemberRef(ctx context.Context, memberID int64) (ledger.MemberRef, error) {
	m, ok := t.s.Members[memberID]
	if !ok {
		return ledger.MemberRef{}, fmt.Errorf("member %d: %w", memberID, shared.ErrNotFound)
	}
	return m, nil
}

func (t *txView) FindAccountByMemberAndType(ctx context.Context, memberID int64, at ledger.AccountType) (ledger.Account, error) {
	return t.s.findAccount(memberID, at)
}

func (t *txView) NextAccountSeq(ctx context.Context) (int64, error) {
	t.s.accountSeq++
	return t.s.accountSeq, nil
}

func (t *txView) InsertAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	if _, err := t.s.findAccount(a.MemberID, a.Type); err == nil {
		return ledger.Account{}, fmt.Errorf("%w: member already holds a %s account", shared.ErrValidation, a.Type)
	}
	a.ID = int64(len(t.s.Accounts)) + 1
	for {
		if _, taken := t.s.Accounts[a.ID]; !taken {
			break
		}
		a.ID++
	}
	a.UpdatedAt = a.CreatedAt
	t.s.Accounts[a.ID] = a
	return a, nil
}

func (t *txView) GetAccountForUpdate(ctx context.Context, id int64) (ledger.Account, error) {
	return t.s.getAccount(id)
}

func (t *txView) UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal, at time.Time) error {
	a, err := t.s.getAccount(id)
	if err != nil {
		return err
	}
	if balance.IsNegative() {
		return fmt.Errorf("accounts_balance_check violated for account %d", id)
	}
	a.Balance = balance
	a.UpdatedAt = at
	t.s.Accounts[id] = a
	return nil
}

func (t *txView) SetAccountBlocked(ctx context.Context, id int64, blocked bool, at time.Time) (ledger.Account, error) {
	a, err := t.s.getAccount(id)
	if err != nil {
		return ledger.Account{}, err
	}
	a.IsBlocked = blocked
	a.UpdatedAt = at
	t.s.Accounts[id] = a
	return a, nil
}

func (t *txView) NextReferenceSeq(ctx context.Context) (int64, error) {
	t.s.refSeq++
	return t.s.refSeq, nil
}

func (t *txView) InsertTransaction(ctx context.Context, tr ledger.Transaction) (ledger.Transaction, error) {
	if t.s.InsertTxnErr != nil {
		return ledger.Transaction{}, t.s.InsertTxnErr
	}
	t.s.nextTxnID++
	tr.ID = t.s.nextTxnID
	t.s.Transactions = append(t.s.Transactions, tr)
	return tr, nil
}

func (t *txView) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if t.s.AuditErr != nil {
		return t.s.AuditErr
	}
	if err := log.Validate(); err != nil {
		return err
	}
	t.s.Audit = append(t.s.Audit, log)
	return nil
}

func compareCursor(t ledger.Transaction, c ledger.Cursor) int {
	if order := t.CreatedAt.Compare(c.CreatedAt); order != 0 {
		return order
	}
	return cmp.Compare(t.ID, c.ID)
}
