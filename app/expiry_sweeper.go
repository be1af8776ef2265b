package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"variantlab/internal/errors"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// sweepTimeout bounds one sweep run
const sweepTimeout = 30 * time.Second

// ExpirySweeper periodically completes active experiments that have run past
// started_at + duration_days
type ExpirySweeper struct {
	manager *ExperimentManager
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewExpirySweeper schedules sweeps on a cron expression such as "@every 1m".
// An empty schedule is rejected; callers disable the sweeper by not creating it.
func NewExpirySweeper(manager *ExperimentManager, schedule string, logger *slog.Logger) (*ExpirySweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errors.ConfigInvalid("expiry sweep schedule is required")
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, errors.WithCode(errors.CodeConfigInvalid, fmt.Errorf("invalid expiry sweep schedule %q: %w", schedule, err))
	}

	s := &ExpirySweeper{
		manager: manager,
		cron:    cron.New(cron.WithParser(cronParser)),
		logger:  loggerOrDiscard(logger),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		_, _ = s.Sweep(ctx)
	}))
	return s, nil
}

// Sweep runs one pass and returns the number of experiments completed
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.manager.CompleteExpired(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "completed", n, "err", err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("expiry sweep completed experiments", "completed", n)
	}
	return n, nil
}

// Start begins running scheduled sweeps in the background
func (s *ExpirySweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end
func (s *ExpirySweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
