package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"studentportal/internal/auth"
	"studentportal/internal/config"
	"studentportal/internal/handler"
	"studentportal/internal/intake"
	"studentportal/internal/metrics"
	"studentportal/internal/mirror"
	"studentportal/internal/queue"
	"studentportal/internal/store"
	"studentportal/internal/student"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var redisClient *store.Redis
	if cfg.UsesRedis() {
		redisClient = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		ok := redisClient.Healthy(pingCtx)
		cancel()
		if !ok {
			return fmt.Errorf("%w: redis at %s not reachable", student.ErrConnection, cfg.RedisAddr)
		}
	}

	files, err := intake.New(cfg.UploadDir)
	if err != nil {
		return err
	}
	if err := files.EnsurePlaceholder(); err != nil {
		return err
	}

	passwords, err := auth.NewPasswords(0)
	if err != nil {
		return err
	}
	var revoked auth.Revocations = auth.NewMemoryRevocations()
	if cfg.SessionBackend == "redis" {
		revoked = auth.NewRedisRevocations(redisClient.Client, "")
	}
	sessions := auth.NewSessions(auth.NewTokens(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.SessionTTL), revoked, cfg.CookieSecure)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	} else {
		mem := queue.NewInMemory(64)
		m, err := mirror.New(ctx, cfg.Mirror)
		if err != nil {
			return fmt.Errorf("mirror init failed: %w", err)
		}
		consumer := mirror.NewConsumer(files, m)
		go func() {
			if err := consumer.Run(ctx, mem); err != nil {
				log.Printf("mirror consumer stopped: %v", err)
			}
		}()
		q = mem
	}

	deps := handler.Deps{
		Students:       student.NewService(student.NewRepository(db.Client), passwords),
		Files:          files,
		Sessions:       sessions,
		Events:         q,
		Metrics:        metrics.New(),
		DB:             db,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	}
	if redisClient != nil {
		deps.Redis = redisClient
	}
	h := handler.New(deps)

	r, err := handler.NewRouter(h, handler.RouterConfig{
		FrontendDir:     cfg.FrontendDir,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Server running on :%s (db=%s queue=%s sessions=%s mirror=%s)",
			cfg.HTTPPort, cfg.DBDriver, cfg.QueueBackend, cfg.SessionBackend, cfg.Mirror.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return err
	}
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	stop()

	log.Println("Server exited")
	return nil
}

// openDB applies migrations and opens the shared pool. Any failure is a connection error.
func openDB(cfg config.App) (*store.DB, error) {
	if err := store.Migrate(cfg.DBDriver, cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", student.ErrConnection, err)
	}
	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", student.ErrConnection, err)
	}
	log.Printf("Connected to %s database", cfg.DBDriver)
	return db, nil
}
