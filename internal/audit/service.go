package audit

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

const (
	// DefaultExportRange applies when an export names no start date.
	DefaultExportRange = 7 * 24 * time.Hour
	// MaxExportRange bounds a single export.
	MaxExportRange = 90 * 24 * time.Hour
	// MaxExportRows caps the rows streamed by one export.
	MaxExportRows = 50000
)

// Service reads the audit trail for auditors.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService builds Service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func normalize(f Filters) (Filters, error) {
	f.Action = strings.TrimSpace(f.Action)
	f.Entity = strings.TrimSpace(f.Entity)
	if f.ActorID < 0 {
		return Filters{}, fmt.Errorf("%w: actor_id must be positive", shared.ErrValidation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return Filters{}, fmt.Errorf("%w: from must be before to", shared.ErrValidation)
	}
	return f, nil
}

// List returns one page of entries, newest first.
func (s *Service) List(ctx context.Context, actor shared.Actor, f Filters) ([]Entry, shared.Pagination, error) {
	if err := rbac.Authorize(actor, rbac.PermAuditView); err != nil {
		return nil, shared.Pagination{}, err
	}
	f, err := normalize(f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	f.Page, f.PageSize = shared.NormalizePage(f.Page, f.PageSize)
	list, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return list, shared.NewPagination(f.Page, f.PageSize, total), nil
}

// Export streams matching entries to w as CSV. The window defaults to the
// last seven days and may not exceed ninety.
func (s *Service) Export(ctx context.Context, actor shared.Actor, f Filters, w io.Writer) (int, error) {
	if err := rbac.Authorize(actor, rbac.PermAuditView); err != nil {
		return 0, err
	}
	if f.To.IsZero() {
		f.To = s.now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-DefaultExportRange)
	}
	f, err := normalize(f)
	if err != nil {
		return 0, err
	}
	if f.To.Sub(f.From) > MaxExportRange {
		return 0, fmt.Errorf("%w: export range may not exceed %d days", shared.ErrValidation, int(MaxExportRange.Hours()/24))
	}
	out := NewCSVWriter(w)
	if err := out.WriteHeader(); err != nil {
		return 0, err
	}
	var n int
	err = s.repo.Each(ctx, f, MaxExportRows, func(e Entry) error {
		n++
		return out.Write(e)
	})
	if err != nil {
		return n, err
	}
	return n, out.Flush()
}
