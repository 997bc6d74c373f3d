// Package janitor runs cron-scheduled storage maintenance: expired dedupe
// records, tracked messages past retention, and queued records orphaned by
// a crashed delivery worker.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lanternworks/agentrelay/internal/store"
)

// Config holds the janitor's schedule and retention knobs.
type Config struct {
	// Schedule is a standard 5-field cron expression. Empty means every
	// 5 minutes.
	Schedule string
	// Retention bounds how long terminal tracked messages stay readable.
	// Zero means 24h.
	Retention time.Duration
	// StaleQueuedAfter is the age past which a still-queued record is
	// declared timed out. Zero means 10 minutes.
	StaleQueuedAfter time.Duration
}

func (c *Config) defaults() {
	if c.Schedule == "" {
		c.Schedule = "*/5 * * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.StaleQueuedAfter <= 0 {
		c.StaleQueuedAfter = 10 * time.Minute
	}
}

// Janitor ticks once a minute and sweeps when the cron expression is due.
type Janitor struct {
	cfg      Config
	dedupe   store.DedupeStore
	messages store.MessageStore
	gron     *gronx.Gronx

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, dedupe store.DedupeStore, messages store.MessageStore) *Janitor {
	cfg.defaults()
	return &Janitor{
		cfg:      cfg,
		dedupe:   dedupe,
		messages: messages,
		gron:     gronx.New(),
	}
}

// Start launches the tick loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	slog.Info("janitor started", "schedule", j.cfg.Schedule, "retention", j.cfg.Retention)
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	slog.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	// One sweep on startup clears anything a previous process left behind.
	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			due, err := j.gron.IsDue(j.cfg.Schedule, tick)
			if err != nil {
				slog.Error("janitor: bad cron expression", "schedule", j.cfg.Schedule, "error", err)
				return
			}
			if due {
				j.Sweep(ctx)
			}
		}
	}
}

// Sweep runs all maintenance tasks once. Each task's failure is logged and
// does not block the others.
func (j *Janitor) Sweep(ctx context.Context) {
	if n, err := j.dedupe.Sweep(ctx); err != nil {
		slog.Error("janitor: dedupe sweep failed", "error", err)
	} else if n > 0 {
		slog.Debug("janitor: swept expired dedupe records", "count", n)
	}

	if n, err := j.messages.TimeOutStale(ctx, j.cfg.StaleQueuedAfter, "delivery worker lost"); err != nil {
		slog.Error("janitor: stale queued timeout failed", "error", err)
	} else if n > 0 {
		slog.Warn("janitor: timed out stale queued messages", "count", n)
	}

	if n, err := j.messages.Evict(ctx, j.cfg.Retention); err != nil {
		slog.Error("janitor: message eviction failed", "error", err)
	} else if n > 0 {
		slog.Debug("janitor: evicted tracked messages past retention", "count", n)
	}
}
