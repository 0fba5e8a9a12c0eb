package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Monitor periodically refreshes the controller against the server's live
// sessions so that sessions ended elsewhere disappear without a restart.
type Monitor struct {
	ctrl    *Controller
	every   time.Duration
	timeout time.Duration
	cron    *cron.Cron
}

// NewMonitor creates a monitor running every interval. Intervals under one
// second are raised to one second.
func NewMonitor(ctrl *Controller, every time.Duration) *Monitor {
	if every < time.Second {
		every = time.Second
	}
	return &Monitor{
		ctrl:    ctrl,
		every:   every,
		timeout: every,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the refresh job.
func (m *Monitor) Start() error {
	schedule := fmt.Sprintf("@every %s", m.every)
	if _, err := m.cron.AddFunc(schedule, m.tick); err != nil {
		return fmt.Errorf("schedule session refresh: %w", err)
	}
	m.cron.Start()
	log.Printf("[monitor] refreshing sessions every %s", m.every)
	return nil
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.ctrl.Refresh(ctx); err != nil {
		log.Printf("[monitor] refresh failed: %v", err)
	}
}

// Stop unschedules the job and waits for a running refresh to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}
