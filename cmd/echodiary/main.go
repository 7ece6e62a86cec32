package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/config"
	"github.com/echodiary/echodiary/internal/delivery"
	"github.com/echodiary/echodiary/internal/httpapi"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/pipeline"
	"github.com/echodiary/echodiary/internal/session"
	"github.com/echodiary/echodiary/internal/store"
)

func main() {
	// A .env file is a local convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("store: in-memory (set DATABASE_URL for durability)")
	} else {
		log.Printf("store: postgres")
	}

	cache, err := session.NewCache(ctx, cfg.RedisURL, cfg.SessionTTL)
	if err != nil {
		log.Fatalf("session cache init failed: %v", err)
	}
	defer cache.Close()
	if cfg.RedisURL == "" {
		log.Printf("session cache: in-process (set REDIS_URL to share sessions)")
	} else {
		log.Printf("session cache: redis")
	}

	adapter, err := brain.NewAdapter(brain.Config{
		Mode:      cfg.BrainProvider,
		APIKey:    cfg.OpenAIAPIKey,
		Model:     cfg.OpenAIModel,
		MaxTokens: cfg.OpenAIMaxTokens,
	})
	if err != nil {
		log.Fatalf("brain adapter init failed: %v", err)
	}

	bus := lifecycle.NewBus()

	processor := pipeline.NewProcessor(st, adapter, bus, metrics, pipeline.Config{
		StageAttempts:  cfg.StageAttempts,
		BackoffBase:    cfg.StageBackoffBase,
		BackoffCap:     cfg.StageBackoffCap,
		StageTimeout:   cfg.CollaboratorTimeout,
		MoodThreshold:  cfg.MoodThreshold,
		CheckinDelay:   cfg.CheckinDelay,
		CheckinChannel: cfg.CheckinChannel,
	})
	dispatcher := pipeline.NewDispatcher(processor, cfg.PipelineWorkers, cfg.PipelineQueueSize)

	engine := lifecycle.NewEngine(st, cache, dispatcher, bus, metrics, cfg.WindowCapacity(), cfg.SessionTTL)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	dispatcher.Start(runCtx)
	if n := dispatcher.Recover(ctx, st, cfg.PipelineQueueSize); n > 0 {
		log.Printf("pipeline: requeued %d calls left unprocessed by a previous run", n)
	}

	// The in-process cache needs its own janitor and expiry wiring; Redis
	// expires keys on its own, so abandoned sessions there are finalized
	// lazily on the next lookup.
	if mem, ok := cache.(*session.MemoryCache); ok {
		mem.SetExpireHook(func(s session.Session) {
			engine.OnCacheExpire(s.ID)
		})
		mem.StartJanitor(runCtx, 30*time.Second)
	}

	checkins := delivery.NewDispatcher(st, adapter, delivery.LogSender{}, bus, metrics, cfg.CheckinCronSpec, cfg.CheckinDispatchBatch)
	if err := checkins.Start(); err != nil {
		log.Fatalf("check-in dispatcher init failed: %v", err)
	}
	defer checkins.Stop()

	api := httpapi.New(cfg, engine, st, adapter, bus, checkins, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	runCancel()
	dispatcher.Wait()
	log.Printf("shutdown complete")
}
