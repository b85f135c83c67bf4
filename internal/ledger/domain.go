package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caja-rds/caja-rds/internal/shared"
)

// AccountType classifies a member account.
type AccountType string

const (
	AccountChecking      AccountType = "CHECKING"
	AccountScheduled     AccountType = "SCHEDULED"
	AccountHoliday       AccountType = "HOLIDAY"
	AccountSchool        AccountType = "SCHOOL"
	AccountSavings       AccountType = "SAVINGS"
	AccountMutualAidFund AccountType = "MUTUAL_AID_FUND"
)

var accountPrefixes = map[AccountType]string{
	AccountChecking:      "CC",
	AccountScheduled:     "AP",
	AccountHoliday:       "AN",
	AccountSchool:        "AE",
	AccountSavings:       "AH",
	AccountMutualAidFund: "FM",
}

// ParseAccountType validates raw against the known account types.
func ParseAccountType(raw string) (AccountType, error) {
	t := AccountType(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := accountPrefixes[t]; !ok {
		return "", fmt.Errorf("%w: unknown account type %q", shared.ErrInvalidArgument, raw)
	}
	return t, nil
}

// FormatAccountNumber renders the public account number, e.g. CC-00000042.
func FormatAccountNumber(t AccountType, seq int64) string {
	return fmt.Sprintf("%s-%08d", accountPrefixes[t], seq)
}

// TransactionType is the direction of a posting.
type TransactionType string

const (
	Deposit    TransactionType = "DEPOSIT"
	Withdrawal TransactionType = "WITHDRAWAL"
)

// ParseTransactionType validates raw against DEPOSIT and WITHDRAWAL.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch t := TransactionType(strings.ToUpper(strings.TrimSpace(raw))); t {
	case Deposit, Withdrawal:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown transaction type %q", shared.ErrInvalidArgument, raw)
}

// Effect returns the signed change amount causes on a balance.
func (t TransactionType) Effect(amount decimal.Decimal) decimal.Decimal {
	if t == Withdrawal {
		return amount.Neg()
	}
	return amount
}

// FormatReference renders a transaction reference, e.g. DEP-000000000123.
func FormatReference(t TransactionType, seq int64) string {
	prefix := "DEP"
	if t == Withdrawal {
		prefix = "RET"
	}
	return fmt.Sprintf("%s-%012d", prefix, seq)
}

// Account is a typed savings account owned by one member.
type Account struct {
	ID        int64           `json:"id"`
	MemberID  int64           `json:"member_id"`
	Number    string          `json:"account_number"`
	Type      AccountType     `json:"account_type"`
	Balance   decimal.Decimal `json:"balance"`
	IsBlocked bool            `json:"is_blocked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	MemberID      int64           `json:"member_id"`
	Reference     string          `json:"reference"`
	Type          TransactionType `json:"transaction_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	CreatedBy     int64           `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MemberRef is the slice of a member the ledger needs.
type MemberRef struct {
	ID           int64
	UserID       *int64
	Status       string
	RegisteredAt time.Time
}

// OpenAccountInput opens an account with an optional initial deposit.
type OpenAccountInput struct {
	MemberID       int64           `json:"member_id" validate:"required,gt=0"`
	AccountType    string          `json:"account_type" validate:"required"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
}

// PostInput requests a deposit or withdrawal.
type PostInput struct {
	AccountID       int64           `json:"account_id" validate:"required,gt=0"`
	TransactionType string          `json:"transaction_type" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description" validate:"max=255"`
}

// Posting is a validated posting ready to apply inside a transaction.
type Posting struct {
	AccountID   int64
	Type        TransactionType
	Amount      decimal.Decimal
	Description string
}

// Posted is the outcome of a committed posting.
type Posted struct {
	Account     Account
	Transaction Transaction
	OwnerUserID *int64
}

// HistoryFilter narrows an account history.
type HistoryFilter struct {
	Type TransactionType
	From time.Time
	To   time.Time
}

// Cursor is a keyset position in an account history.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// TransactionFilter narrows the global transaction listing.
type TransactionFilter struct {
	AccountID int64
	MemberID  int64
	Type      TransactionType
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// Drift reports an account whose balance disagrees with its transactions.
type Drift struct {
	AccountID        int64           `json:"account_id"`
	AccountNumber    string          `json:"account_number"`
	Balance          decimal.Decimal `json:"balance"`
	LedgerSum        decimal.Decimal `json:"ledger_sum"`
	LastBalanceAfter decimal.Decimal `json:"last_balance_after"`
}
