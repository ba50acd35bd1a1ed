package fleet

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
)

// LocalOrchestrator runs workers as child processes of the controller.
// Deployments with a real scheduler swap in their own Orchestrator.
type LocalOrchestrator struct {
	binary string
	args   []string

	mu      sync.Mutex
	running int
}

func NewLocalOrchestrator(binary string, args ...string) *LocalOrchestrator {
	return &LocalOrchestrator{binary: binary, args: args}
}

func (o *LocalOrchestrator) Launch(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		cmd := exec.Command(o.binary, o.args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}

		o.mu.Lock()
		o.running++
		o.mu.Unlock()

		go func() {
			if err := cmd.Wait(); err != nil {
				log.Printf("WARNING: worker %d exited: %v", cmd.Process.Pid, err)
			}
			o.mu.Lock()
			o.running--
			o.mu.Unlock()
		}()
	}
	return nil
}

func (o *LocalOrchestrator) Running(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running, nil
}
