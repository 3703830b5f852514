package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically aborts replies that have run longer than the
// configured maximum.
type Sweeper struct {
	scheduler *cron.Cron
	entryID   cron.EntryID
	logger    *log.Logger
}

// NewSweeper schedules the sweep. schedule accepts the standard five-field
// cron syntax and descriptors such as "@every 30s".
func NewSweeper(streamer *Streamer, schedule string, maxAge time.Duration, logger *log.Logger) (*Sweeper, error) {
	s := &Sweeper{scheduler: cron.New(), logger: logger}
	id, err := s.scheduler.AddFunc(schedule, func() {
		if n := streamer.AbortOlderThan(maxAge); n > 0 {
			logger.Printf("Swept %d stale stream(s)", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.entryID = id
	return s, nil
}

func (s *Sweeper) Start() { s.scheduler.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.scheduler.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Printf("Sweeper stop interrupted: %v", ctx.Err())
	}
}

// Next returns when the next sweep is due.
func (s *Sweeper) Next() time.Time {
	return s.scheduler.Entry(s.entryID).Next
}
