package idempotency

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically garbage-collects expired idempotency records.
type Sweeper struct {
	store    *Store
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron
}

// NewSweeper creates a sweeper on the given cron schedule
// (e.g. "@every 10m").
func NewSweeper(store *Store, schedule string, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: store, schedule: schedule, logger: logger}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		count, err := s.store.CleanupExpired(ctx)
		if err != nil {
			s.logger.Warn("idempotency sweep failed", zap.Error(err))
			return
		}
		if count > 0 {
			s.logger.Info("idempotency sweep", zap.Int64("removed", count))
		}
	})
	if err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
