// Package fleet sizes the worker fleet from queue depth. The controller
// only scales up; surplus workers drain the queue and exit on their own
// idle timers, so no command is ever interrupted by a scale-down.
package fleet

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DepthReporter exposes the command backlog.
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// Orchestrator starts workers and reports how many are alive.
type Orchestrator interface {
	Launch(ctx context.Context, n int) error
	Running(ctx context.Context) (int, error)
}

type Config struct {
	// MessagesPerTask is the backlog one worker is expected to absorb.
	MessagesPerTask int
	// Min and Max bound the fleet size.
	Min int
	Max int
	// Interval is the control loop period.
	Interval time.Duration
}

// Desired returns the fleet size for a backlog: the backlog divided by
// per-worker capacity, rounded up and clamped to the configured bounds.
func Desired(depth int64, messagesPerTask, min, max int) int {
	if messagesPerTask < 1 {
		messagesPerTask = 1
	}
	desired := int((depth + int64(messagesPerTask) - 1) / int64(messagesPerTask))
	if desired < min {
		desired = min
	}
	if desired > max {
		desired = max
	}
	return desired
}

type Controller struct {
	depth DepthReporter
	orch  Orchestrator
	cfg   Config
}

func NewController(depth DepthReporter, orch Orchestrator, cfg Config) *Controller {
	if cfg.MessagesPerTask < 1 {
		cfg.MessagesPerTask = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Controller{depth: depth, orch: orch, cfg: cfg}
}

// Tick runs one control step: measure the backlog and launch however
// many workers are missing. It never stops workers.
func (c *Controller) Tick(ctx context.Context) error {
	depth, err := c.depth.Depth(ctx)
	if err != nil {
		return fmt.Errorf("measure backlog: %w", err)
	}
	running, err := c.orch.Running(ctx)
	if err != nil {
		return fmt.Errorf("count workers: %w", err)
	}

	desired := Desired(depth, c.cfg.MessagesPerTask, c.cfg.Min, c.cfg.Max)
	if desired <= running {
		return nil
	}

	missing := desired - running
	log.Printf("INFO: backlog %d, workers %d, launching %d", depth, running, missing)
	if err := c.orch.Launch(ctx, missing); err != nil {
		return fmt.Errorf("launch workers: %w", err)
	}
	return nil
}

// Run ticks until the context is cancelled. Tick failures are logged and
// retried on the next period.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := c.Tick(ctx); err != nil {
			log.Printf("WARNING: fleet tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
