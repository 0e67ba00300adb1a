package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"reel-pipeline/internal/api"
	"reel-pipeline/internal/backup"
	"reel-pipeline/internal/compose"
	"reel-pipeline/internal/config"
	"reel-pipeline/internal/jobstore"
	"reel-pipeline/internal/pipeline"
	"reel-pipeline/internal/publish"
	"reel-pipeline/internal/ratelimit"
	"reel-pipeline/internal/telemetry"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
	}

	invoker := compose.NewInvoker(cfg)
	if !invoker.Available(ctx) {
		log.Fatalf("ffmpeg not found (looked for %q); install it or set FFMPEG_PATH", cfg.FFmpegPath)
	}

	mirror, err := backup.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init backup store: %v", err)
	}
	if !mirror.Configured() {
		log.Printf("backup store not configured; mirror stage will be skipped")
	}

	var publisher pipeline.Publisher
	if client := publish.NewClient(cfg); client.Configured() {
		publisher = publish.NewDriver(client, cfg.PublishPollInterval, cfg.PublishPollTimeout)
	} else {
		log.Printf("publish platform not configured; publish stage will be skipped")
	}

	store := jobstore.New()
	runner := pipeline.New(ctx, cfg, store, invoker, mirror, publisher)
	go runner.RunJanitor(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics listener: %v", err)
		}
	}()

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, store, runner, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("reel pipeline listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
