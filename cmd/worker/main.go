package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"studentportal/internal/config"
	"studentportal/internal/intake"
	"studentportal/internal/mirror"
	"studentportal/internal/queue"
	"studentportal/internal/store"
)

// Worker consumes upload events from Redis and copies the images to the mirror.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.QueueBackend != "redis" {
		log.Fatalf("worker needs QUEUE_BACKEND=redis, got %q; the memory queue is consumed inside the api process", cfg.QueueBackend)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Fatalf("redis at %s not reachable", cfg.RedisAddr)
	}

	files, err := intake.New(cfg.UploadDir)
	if err != nil {
		log.Fatalf("upload dir: %v", err)
	}

	m, err := mirror.New(ctx, cfg.Mirror)
	if err != nil {
		log.Fatalf("mirror init failed: %v", err)
	}
	if m == nil {
		log.Println("MIRROR_BACKEND=none, events will only be logged")
	}

	log.Println("worker started, waiting for messages...")
	if err := mirror.NewConsumer(files, m).Run(ctx, queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
	log.Println("worker stopped")
}
