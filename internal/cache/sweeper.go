package cache

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically evicts expired entries from a Store.
type Sweeper struct {
	store *Store
	cron  *cron.Cron
}

// NewSweeper schedules Store.Sweep every interval.
func NewSweeper(store *Store, interval time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("cache sweep interval must be positive, got %s", interval)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		store.Sweep()
	}); err != nil {
		return nil, fmt.Errorf("schedule cache sweep: %w", err)
	}

	return &Sweeper{store: store, cron: c}, nil
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	logrus.Info("Cache sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	logrus.Info("Cache sweeper stopped")
}
