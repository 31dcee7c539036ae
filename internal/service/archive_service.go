package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/posledger/posledger/internal/domain"
)

// ArchiveService periodically moves cold ledger data to object storage.
type ArchiveService struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiveService creates an ArchiveService. retention is how long rows
// stay in Postgres before they are eligible for archival.
func NewArchiveService(archiver domain.Archiver, interval, retention time.Duration, logger *slog.Logger) *ArchiveService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &ArchiveService{
		archiver:  archiver,
		interval:  interval,
		retention: retention,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run executes archive passes until the context is cancelled. The first pass
// runs immediately so a rarely restarted process still catches up.
func (s *ArchiveService) Run(ctx context.Context) error {
	s.logger.Info("archiver started",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention))
	defer s.logger.Info("archiver stopped")

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce archives everything older than the retention window. Positions and
// events are independent; one failing does not stop the other.
func (s *ArchiveService) RunOnce(ctx context.Context) {
	before := time.Now().UTC().Add(-s.retention)

	if n, err := s.archiver.ArchivePositions(ctx, before); err != nil {
		s.logger.ErrorContext(ctx, "archive positions failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.InfoContext(ctx, "positions archived", slog.Int64("count", n))
	}

	if n, err := s.archiver.ArchiveEvents(ctx, before); err != nil {
		s.logger.ErrorContext(ctx, "archive events failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.InfoContext(ctx, "events archived", slog.Int64("count", n))
	}
}
