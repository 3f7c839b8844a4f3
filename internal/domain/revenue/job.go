package revenue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultReconcileSchedule = "15 2 * * *"

// Scheduler runs reconciliation on a cron schedule. Each run covers the
// current and the previous month so late rejections are caught.
type Scheduler struct {
	cron    *cron.Cron
	svc     *Service
	logger  zerolog.Logger
	timeout time.Duration
}

func NewScheduler(svc *Service, schedule string, logger zerolog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		svc:     svc,
		logger:  logger.With().Str("component", "revenue-reconcile").Logger(),
		timeout: 10 * time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("reconciliation scheduled")
}

// Stop waits for a running job to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("reconciliation run failed")
	}
}

// RunOnce reconciles the previous and the current month for every clinic.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.svc.now().UTC()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var errs []error
	adjusted := 0
	for _, m := range []time.Time{current.AddDate(0, -1, 0), current} {
		reports, err := s.svc.ReconcileAll(ctx, m.Year(), int(m.Month()))
		if err != nil {
			errs = append(errs, err)
		}
		for _, r := range reports {
			adjusted += len(r.Adjustments)
		}
	}
	s.logger.Info().Int("adjustments", adjusted).Msg("reconciliation finished")
	return errors.Join(errs...)
}
