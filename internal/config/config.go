package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	RedisURL    string
	DatabaseURL string
	AuthSecret  string
	// MinIO (durable blob store)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Session server
	DebounceDelay time.Duration
	// Command queue
	CommandStream string
	CommandGroup  string
	// Command worker
	CommandTimeout time.Duration
	WorkerIdleExit time.Duration
	WorkspaceDir   string
	Shell          string
	// Capacity controller
	ScaleTick       time.Duration
	FleetMin        int
	FleetMax        int
	MessagesPerTask int
	WorkerBinary    string
}

func Load() Config {
	return Config{
		Addr:            getenv("CODEROOM_ADDR", ":8989"),
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		AuthSecret:      getenv("CODEROOM_AUTH_SECRET", "coderoom-dev-secret"),
		MinioEndpoint:   getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:  getenv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:  getenv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:     getenv("MINIO_BUCKET", "coderoom-projects"),
		MinioUseSSL:     getenv("MINIO_USE_SSL", "") == "true",
		DebounceDelay:   time.Duration(getenvInt("CODEROOM_DEBOUNCE_MS", 2000)) * time.Millisecond,
		CommandStream:   getenv("CODEROOM_COMMAND_STREAM", "coderoom:commands"),
		CommandGroup:    getenv("CODEROOM_COMMAND_GROUP", "command-workers"),
		CommandTimeout:  time.Duration(getenvInt("CODEROOM_COMMAND_TIMEOUT_SECONDS", 30)) * time.Second,
		WorkerIdleExit:  time.Duration(getenvInt("CODEROOM_WORKER_IDLE_EXIT_SECONDS", 300)) * time.Second,
		WorkspaceDir:    getenv("CODEROOM_WORKSPACE_DIR", ""),
		Shell:           getenv("CODEROOM_SHELL", "/bin/bash"),
		ScaleTick:       time.Duration(getenvInt("CODEROOM_SCALE_TICK_SECONDS", 15)) * time.Second,
		FleetMin:        getenvInt("CODEROOM_FLEET_MIN", 1),
		FleetMax:        getenvInt("CODEROOM_FLEET_MAX", 10),
		MessagesPerTask: getenvInt("CODEROOM_MESSAGES_PER_TASK", 5),
		WorkerBinary:    getenv("CODEROOM_WORKER_BINARY", "./worker"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
