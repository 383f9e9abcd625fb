// Package scheduler runs the background maintenance jobs of the server.
// Today that is the purge of expired idempotency rows.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/circlelink/linkage-core/internal/repo"
)

const purgeTimeout = 30 * time.Second

var purgedRows = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "idempotency_purged_total",
	Help: "Expired idempotency rows deleted by the purge job.",
})

func init() {
	prometheus.MustRegister(purgedRows)
}

// Scheduler owns a gocron scheduler and the jobs registered on it.
type Scheduler struct {
	DB  *gorm.DB
	Now func() time.Time

	cron gocron.Scheduler
}

// New registers the idempotency purge every interval. The first run happens
// right after Start. The job never overlaps itself.
func New(db *gorm.DB, every time.Duration) (*Scheduler, error) {
	if every <= 0 {
		return nil, errors.New("purge interval must be positive")
	}
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	s := &Scheduler{DB: db, cron: cron}

	_, err = cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(s.runPurge),
		gocron.WithName("idempotency_purge"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = cron.Shutdown()
		return nil, err
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Jobs())).Msg("scheduler started")
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// PurgeOnce deletes expired idempotency rows and returns how many went.
func (s *Scheduler) PurgeOnce(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	n, err := repo.PurgeExpiredIdempotency(ctx, s.DB, now)
	if err != nil {
		return 0, err
	}
	purgedRows.Add(float64(n))
	return n, nil
}

func (s *Scheduler) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	n, err := s.PurgeOnce(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", "idempotency_purge").Msg("purge failed")
		return
	}
	if n > 0 {
		log.Info().Int64("rows", n).Str("job", "idempotency_purge").Msg("expired idempotency rows purged")
	}
}
