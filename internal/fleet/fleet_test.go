package fleet

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDesired(t *testing.T) {
	cases := []struct {
		name           string
		depth          int64
		perTask        int
		min, max, want int
	}{
		{"empty backlog holds the floor", 0, 5, 1, 10, 1},
		{"one message needs one worker", 1, 5, 1, 10, 1},
		{"exact multiple", 10, 5, 1, 10, 2},
		{"rounds up", 11, 5, 1, 10, 3},
		{"clamped to ceiling", 47, 5, 1, 10, 10},
		{"beyond ceiling stays clamped", 500, 5, 1, 10, 10},
		{"floor above demand", 3, 5, 4, 10, 4},
		{"zero per task treated as one", 3, 0, 1, 10, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Desired(tc.depth, tc.perTask, tc.min, tc.max); got != tc.want {
				t.Errorf("Desired(%d, %d, %d, %d) = %d, want %d",
					tc.depth, tc.perTask, tc.min, tc.max, got, tc.want)
			}
		})
	}
}

type fakeDepth struct {
	depth int64
	err   error
}

func (f *fakeDepth) Depth(context.Context) (int64, error) { return f.depth, f.err }

type fakeOrchestrator struct {
	mu       sync.Mutex
	running  int
	launched []int
}

func (f *fakeOrchestrator) Launch(_ context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, n)
	f.running += n
	return nil
}

func (f *fakeOrchestrator) Running(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeOrchestrator) launches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.launched...)
}

func TestTickLaunchesMissingWorkers(t *testing.T) {
	depth := &fakeDepth{depth: 23}
	orch := &fakeOrchestrator{running: 2}
	c := NewController(depth, orch, Config{MessagesPerTask: 5, Min: 1, Max: 10})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// ceil(23/5) = 5 desired, 2 running.
	if got := orch.launches(); len(got) != 1 || got[0] != 3 {
		t.Errorf("launches = %v, want [3]", got)
	}
}

func TestTickNeverScalesDown(t *testing.T) {
	depth := &fakeDepth{depth: 0}
	orch := &fakeOrchestrator{running: 7}
	c := NewController(depth, orch, Config{MessagesPerTask: 5, Min: 1, Max: 10})

	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := orch.launches(); len(got) != 0 {
		t.Errorf("launches = %v, want none", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	depth := &fakeDepth{depth: 6}
	orch := &fakeOrchestrator{}
	c := NewController(depth, orch, Config{MessagesPerTask: 5, Min: 1, Max: 10, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(orch.launches()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
	if got := orch.launches(); len(got) == 0 || got[0] != 2 {
		t.Errorf("launches = %v, want first launch of 2", got)
	}
}
