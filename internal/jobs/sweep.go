package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexfleet/linkd/internal/repository"
)

const sweepStepTimeout = 30 * time.Second

// SweepJob periodically enforces TTLs: it expires timed-out device codes,
// reaps resolved records past retention, and drops expired sessions. Each
// step's error is logged and retried on the next tick; a failing sweep
// never reaches in-flight requests.
type SweepJob struct {
	codeRepo    repository.DeviceCodeRepository
	sessionRepo repository.SessionRepository
	interval    time.Duration
	retention   time.Duration
	done        chan struct{}
}

func NewSweepJob(
	codeRepo repository.DeviceCodeRepository,
	sessionRepo repository.SessionRepository,
	interval time.Duration,
	retention time.Duration,
) *SweepJob {
	return &SweepJob{
		codeRepo:    codeRepo,
		sessionRepo: sessionRepo,
		interval:    interval,
		retention:   retention,
		done:        make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("sweep job started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepStepTimeout)
	defer cancel()

	j.runStep(ctx, "timed-out device codes", j.codeRepo.ExpireTimedOut)
	j.runStep(ctx, "resolved device codes", func(ctx context.Context) (int64, error) {
		return j.codeRepo.DeleteResolvedBefore(ctx, time.Now().Add(-j.retention))
	})
	j.runStep(ctx, "expired sessions", j.sessionRepo.DeleteExpired)
}

func (j *SweepJob) runStep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to sweep %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("swept %s", name)
	}
}
