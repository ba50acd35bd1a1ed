package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/config"
	"coderoom/backend/internal/queue"
	"coderoom/backend/internal/util"
	"coderoom/backend/internal/worker"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("blob store connection failed: %v", err)
	}

	c, err := cache.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer c.Close()

	consumer := util.NewID("worker")
	q, err := queue.New(cfg.RedisURL, cfg.CommandStream, cfg.CommandGroup, consumer)
	if err != nil {
		log.Fatalf("command queue setup failed: %v", err)
	}
	defer q.Close()

	w := worker.New(q, store, c, worker.Config{
		Shell:          cfg.Shell,
		CommandTimeout: cfg.CommandTimeout,
		IdleExit:       cfg.WorkerIdleExit,
		WorkRoot:       cfg.WorkspaceDir,
	})

	log.Printf("Coderoom worker %s consuming %s", consumer, cfg.CommandStream)
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker failed: %v", err)
	}
}
