// Package worker executes queued terminal commands against a scratch
// materialization of the project and syncs the results back to the
// durable store. Workers are disposable: they pull from the shared
// stream, publish output over the cache bus, and exit when idle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/queue"
)

type Config struct {
	// Shell runs each command via shell -c.
	Shell string
	// CommandTimeout bounds one command's execution.
	CommandTimeout time.Duration
	// IdleExit shuts the worker down after this long without work.
	// Zero disables idle exit.
	IdleExit time.Duration
	// PollInterval is the pause between empty polls.
	PollInterval time.Duration
	// WorkRoot holds scratch workspaces; empty means the OS temp dir.
	WorkRoot string
}

type Worker struct {
	queue *queue.Queue
	store blob.Store
	cache *cache.Cache
	cfg   Config
}

func New(q *queue.Queue, store blob.Store, c *cache.Cache, cfg Config) *Worker {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{queue: q, store: store, cache: c, cfg: cfg}
}

// Run processes commands until the context is cancelled or the worker
// has been idle for the configured window.
func (w *Worker) Run(ctx context.Context) error {
	lastWork := time.Now()
	for {
		worked, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("WARNING: receive commands: %v", err)
		}
		if worked {
			lastWork = time.Now()
			continue
		}
		if w.cfg.IdleExit > 0 && time.Since(lastWork) >= w.cfg.IdleExit {
			log.Printf("INFO: no work for %s, exiting", w.cfg.IdleExit)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce polls for one delivery and processes it. It reports whether
// any work was done.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	deliveries, err := w.queue.Receive(ctx, 1, -1)
	if err != nil {
		return false, err
	}
	if len(deliveries) == 0 {
		return false, nil
	}
	for _, d := range deliveries {
		w.process(ctx, d)
	}
	return true, nil
}

// process runs one command pipeline end to end. Failures are reported to
// the requesting terminal, and the delivery is always acked; commands do
// not retry, clients do.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	cmd := d.Command
	log.Printf("INFO: running command for project %s terminal %s (user %s)", cmd.ProjectID, cmd.TerminalID, cmd.UserID)

	output, err := w.execute(ctx, cmd)
	if err != nil {
		log.Printf("WARNING: command pipeline for project %s: %v", cmd.ProjectID, err)
		output = append(output, []byte("Error: "+err.Error()+"\r\n")...)
	}
	// Published even when empty; the message itself is the completion
	// signal for live viewers.
	channel := cache.TerminalChannel(cmd.ProjectID, cmd.TerminalID)
	if perr := w.cache.Publish(ctx, channel, output); perr != nil {
		log.Printf("WARNING: publish output for project %s: %v", cmd.ProjectID, perr)
	}
	if aerr := w.queue.Ack(ctx, d.ID); aerr != nil {
		log.Printf("WARNING: ack delivery %s: %v", d.ID, aerr)
	}
}

func (w *Worker) execute(ctx context.Context, cmd queue.Command) ([]byte, error) {
	dir, err := os.MkdirTemp(w.cfg.WorkRoot, "coderoom-job-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	skipped, err := materialize(ctx, w.store, cmd.ProjectID, dir)
	if err != nil {
		return nil, fmt.Errorf("materialize workspace: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.CommandTimeout)
	defer cancel()
	c := exec.CommandContext(runCtx, w.cfg.Shell, "-c", cmd.Command)
	c.Dir = dir
	c.Env = append(os.Environ(), "TERM=dumb")

	output, runErr := c.CombinedOutput()
	if runErr != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			// A timed-out command may have left the workspace half
			// written; do not sync it back.
			return output, fmt.Errorf("command timed out after %s", w.cfg.CommandTimeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return output, fmt.Errorf("run command: %w", runErr)
		}
		// Non-zero exit is a result, not a pipeline failure; the output
		// already tells the user what went wrong.
	}

	if err := syncBack(ctx, w.store, cmd.ProjectID, dir, skipped); err != nil {
		return output, fmt.Errorf("sync workspace: %w", err)
	}
	return output, nil
}
