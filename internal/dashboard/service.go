package dashboard

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/caja-rds/caja-rds/internal/ledger"
	"github.com/caja-rds/caja-rds/internal/rbac"
	"github.com/caja-rds/caja-rds/internal/shared"
)

// Service serves cached dashboard figures. Postings bump the cache version;
// figures not driven by postings refresh when the TTL expires.
type Service struct {
	repo     Repository
	cache    *Cache
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
	group    singleflight.Group
}

// NewService builds Service instance. cache may be nil.
func NewService(repo Repository, cache *Cache, location *time.Location, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.UTC
	}
	return &Service{repo: repo, cache: cache, logger: logger, location: location, now: time.Now}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Stats returns the dashboard figures for today.
func (s *Service) Stats(ctx context.Context, actor shared.Actor) (Stats, error) {
	if err := rbac.Authorize(actor, rbac.PermReportsView); err != nil {
		return Stats{}, err
	}
	now := s.now().In(s.location)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	load := func(ctx context.Context) (Stats, error) {
		stats, err := s.repo.Stats(ctx, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return Stats{}, err
		}
		stats.GeneratedAt = s.now().UTC()
		return stats, nil
	}

	key, err := s.cache.BuildKey(ctx, "dashboard", "stats", dayStart.Format(time.DateOnly))
	if err != nil {
		s.logger.Warn("dashboard cache unavailable", slog.Any("error", err))
		return load(ctx)
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		var loadErr error
		stats, err := FetchJSON(ctx, s.cache, key, func(ctx context.Context) (Stats, error) {
			stats, err := load(ctx)
			loadErr = err
			return stats, err
		})
		switch {
		case loadErr != nil:
			return nil, loadErr
		case err != nil:
			s.logger.Warn("dashboard cache fetch failed", slog.String("key", key), slog.Any("error", err))
			return load(ctx)
		}
		return stats, nil
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}

// Invalidate drops cached figures. It matches ledger.PostingHook.
func (s *Service) Invalidate(ctx context.Context, p ledger.Posted) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("dashboard cache bump failed",
			slog.String("reference", p.Transaction.Reference), slog.Any("error", err))
	}
}
