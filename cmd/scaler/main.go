package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"coderoom/backend/internal/config"
	"coderoom/backend/internal/fleet"
	"coderoom/backend/internal/queue"
	"coderoom/backend/internal/util"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.New(cfg.RedisURL, cfg.CommandStream, cfg.CommandGroup, util.NewID("scaler"))
	if err != nil {
		log.Fatalf("command queue setup failed: %v", err)
	}
	defer q.Close()

	orch := fleet.NewLocalOrchestrator(cfg.WorkerBinary)
	controller := fleet.NewController(q, orch, fleet.Config{
		MessagesPerTask: cfg.MessagesPerTask,
		Min:             cfg.FleetMin,
		Max:             cfg.FleetMax,
		Interval:        cfg.ScaleTick,
	})

	log.Printf("Coderoom scaler watching %s (fleet %d-%d, %d messages per worker)",
		cfg.CommandStream, cfg.FleetMin, cfg.FleetMax, cfg.MessagesPerTask)
	if err := controller.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("scaler failed: %v", err)
	}
}
