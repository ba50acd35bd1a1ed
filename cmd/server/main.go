package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coderoom/backend/internal/auth"
	"coderoom/backend/internal/blob"
	"coderoom/backend/internal/cache"
	"coderoom/backend/internal/config"
	"coderoom/backend/internal/docs"
	"coderoom/backend/internal/projects"
	"coderoom/backend/internal/queue"
	"coderoom/backend/internal/session"
	"coderoom/backend/internal/terminal"
	"coderoom/backend/internal/util"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

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
	if err := c.Ping(ctx); err != nil {
		log.Fatalf("redis ping failed: %v", err)
	}

	q, err := queue.New(cfg.RedisURL, cfg.CommandStream, cfg.CommandGroup, util.NewID("server"))
	if err != nil {
		log.Fatalf("command queue setup failed: %v", err)
	}
	defer q.Close()

	// Ownership checks need the projects database; without one the
	// server runs single-tenant.
	var owners session.OwnerStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := projects.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		owners = projects.NewStore(db)
	} else {
		log.Printf("WARNING: no DATABASE_URL, project ownership checks disabled")
	}

	terminals := terminal.NewManager(cfg.Shell)
	defer terminals.CloseAll()

	srv := session.New(session.Deps{
		Verifier:  auth.NewVerifier([]byte(cfg.AuthSecret)),
		Engine:    docs.NewEngine(store, c),
		Store:     store,
		Cache:     c,
		Queue:     q,
		Terminals: terminals,
		Owners:    owners,
		Debounce:  cfg.DebounceDelay,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Coderoom session server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
