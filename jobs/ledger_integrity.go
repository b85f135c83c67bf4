package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/caja-rds/caja-rds/internal/jobs"
	"github.com/caja-rds/caja-rds/internal/ledger"
)

// IntegrityChecker reports accounts whose balance disagrees with the ledger.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) ([]ledger.Drift, error)
}

// LedgerIntegrityJob logs and counts balance drift.
type LedgerIntegrityJob struct {
	Ledger  IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerIntegrityJob{Ledger: checker, Logger: logger, Metrics: metrics}
}

// Handle runs one integrity pass. Drift is reported, never repaired.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() { err = tracker.End(err) }()

	drifts, err := j.Ledger.CheckIntegrity(ctx)
	if err != nil {
		j.Logger.Error("ledger integrity check failed", slog.Any("error", err))
		return err
	}
	for _, d := range drifts {
		j.Logger.Warn("ledger drift detected",
			slog.Int64("account_id", d.AccountID),
			slog.String("account_number", d.AccountNumber),
			slog.String("balance", d.Balance.StringFixed(2)),
			slog.String("ledger_sum", d.LedgerSum.StringFixed(2)),
			slog.String("last_balance_after", d.LastBalanceAfter.StringFixed(2)),
		)
	}
	j.Metrics.SetDrift(len(drifts))
	j.Logger.Info("ledger integrity check executed", slog.String("job", TaskLedgerIntegrity), slog.Int("drift", len(drifts)))
	return nil
}
