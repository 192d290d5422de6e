package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"lockstep/api/internal/config"
	"lockstep/api/internal/models"
	"lockstep/api/internal/service"
	"lockstep/api/internal/storage"
)

// EventArchiveSource feeds the archival job.
// *repository.EventRepository satisfies it.
type EventArchiveSource interface {
	UnarchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.SecurityEvent, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// Scheduler drives the background work: the session timeout sweep and the
// daily audit export. Both jobs are idempotent, so overlapping runs from
// multiple instances are harmless.
type Scheduler struct {
	cron     *cron.Cron
	cfg      *config.AppConfig
	registry *service.SessionRegistry
	source   EventArchiveSource
	archive  *storage.ArchiveStore
	log      zerolog.Logger
}

func NewScheduler(
	cfg *config.AppConfig,
	registry *service.SessionRegistry,
	source EventArchiveSource,
	archive *storage.ArchiveStore,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		cfg:      cfg,
		registry: registry,
		source:   source,
		archive:  archive,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Jobs.SweepSpec, s.runSweep); err != nil {
		return err
	}
	if s.archive != nil {
		if _, err := s.cron.AddFunc(s.cfg.Jobs.ArchiveSpec, s.runArchive); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits briefly for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.registry.Sweep(ctx)
}

const archiveBatchSize = 500

func (s *Scheduler) runArchive() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Archive.RetainFor)

	for {
		events, err := s.source.UnarchivedBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			s.log.Error().Err(err).Msg("archive scan failed")
			return
		}
		if len(events) == 0 {
			return
		}

		key, err := s.archive.WriteBatch(ctx, time.Now(), events)
		if err != nil {
			s.log.Error().Err(err).Msg("archive export failed")
			return
		}

		ids := make([]string, 0, len(events))
		for _, event := range events {
			ids = append(ids, event.ID)
		}
		if err := s.source.MarkArchived(ctx, ids); err != nil {
			s.log.Error().Err(err).Str("object", key).Msg("archive mark failed")
			return
		}

		s.log.Info().Int("events", len(events)).Str("object", key).Msg("security events archived")

		if len(events) < archiveBatchSize {
			return
		}
	}
}
