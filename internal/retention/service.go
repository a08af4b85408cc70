package retention

import (
	"context"
	"log/slog"
	"time"
)

// Pruner is implemented by db.Repository.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteDaySnapshotsBefore(ctx context.Context, cutoffDate string) (int64, error)
}

type Service struct {
	repo          Pruner
	retentionDays int
	loc           *time.Location
	now           func() time.Time
	log           *slog.Logger
}

func NewService(repo Pruner, days int, loc *time.Location, logger *slog.Logger) *Service {
	if days <= 0 {
		days = 30
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{repo: repo, retentionDays: days, loc: loc, now: time.Now, log: logger}
}

// Run drops alert and command history and archived production days older
// than the retention window.
func (s *Service) Run(ctx context.Context) {
	cutoff := s.now().In(s.loc).AddDate(0, 0, -s.retentionDays)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("retention cleanup failed", "err", err)
		return
	}
	days, err := s.repo.DeleteDaySnapshotsBefore(ctx, cutoff.Format("2006-01-02"))
	if err != nil {
		s.log.Error("retention cleanup of production days failed", "err", err)
		return
	}
	s.log.Info("retention cleanup completed", "cutoff", cutoff, "events", n, "days", days)
}
