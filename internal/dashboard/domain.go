package dashboard

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stats summarises the cooperative for the console landing page.
type Stats struct {
	ActiveMembers      int             `json:"active_members"`
	TotalAccounts      int             `json:"total_accounts"`
	TotalBalance       decimal.Decimal `json:"total_balance"`
	TodayTransactions  int             `json:"today_transactions"`
	PendingAidRequests int             `json:"pending_aid_requests"`
	GeneratedAt        time.Time       `json:"generated_at"`
}
