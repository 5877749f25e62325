// The worker binary drains the queue and runs the stuck-job sweep. An
// external scheduler (or an operator) hits its trigger endpoints; with
// TICK_INTERVAL set it drives itself, using a Postgres advisory lock so only
// one instance runs scheduled batches.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/collab"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/config"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/processor"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/queue"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/storage"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/sweeper"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/worker"
)

// tickLockID identifies the scheduler advisory lock across worker instances.
const tickLockID = 7541

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	if cfg.UseFallback() {
		log.Fatal("worker requires REDIS_ADDR; without a broker, jobs run inline in the api process")
	}

	sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal("open postgres", zap.Error(err))
	}
	defer sqlDB.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal("goose dialect", zap.Error(err))
	}
	if err := goose.Up(sqlDB, cfg.MigrationsDir); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := storage.New(db)

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	broker := queue.NewRedisQ(rdb, queue.RedisQConfig{
		Name:              cfg.QueueName,
		MaxAttempts:       cfg.MaxAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout,
		StatusRetention:   cfg.StatusRetention,
	})

	proc := processor.New(processor.Deps{
		Links:     store,
		Teams:     store,
		Channels:  store,
		Extractor: collab.NewExtractor(cfg.ExtractorURL),
		Speech:    collab.NewSpeech(cfg.SpeechURL),
		Audio:     collab.NewAudioStore(cfg.AudioBucketURL),
		Notifier:  collab.NewNotifier(cfg.ChatAPIURL, cfg.ChatBotToken),
		Log:       log.Named("processor"),
	})

	pool := worker.NewPool(broker, store, cfg.JobTimeout, log.Named("pool"))
	pool.Register(domain.JobTypeProcessLink, worker.HandlerFunc(proc.Process))

	swp := sweeper.New(store, broker, sweeper.Config{
		StuckAfter:     cfg.StuckAfter,
		AbandonedAfter: cfg.AbandonedAfter,
		Batch:          cfg.SweepBatch,
		MaxAttempts:    cfg.MaxAttempts,
	}, log.Named("sweeper"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.TickInterval > 0 {
		go tickLoop(runCtx, sqlDB, pool, swp, cfg, log.Named("tick"))
	}

	srv := &http.Server{
		Addr:    cfg.WorkerAddr,
		Handler: router(pool, swp, cfg, log),
	}
	go func() {
		log.Info("worker listening", zap.String("addr", cfg.WorkerAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("worker server", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "production" {
		log, _ := zap.NewProduction()
		return log
	}
	log, _ := zap.NewDevelopment()
	return log
}

// tickLoop self-triggers processing and sweeping. The advisory lock is held
// on a dedicated connection; whichever instance gets it keeps driving until
// it dies, and the others keep trying.
func tickLoop(ctx context.Context, db *sql.DB, pool *worker.Pool, swp *sweeper.Sweeper, cfg config.Config, log *zap.Logger) {
	conn, err := db.Conn(ctx)
	if err != nil {
		log.Error("tick loop: acquire connection", zap.Error(err))
		return
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		var leader bool
		if err := conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", tickLockID).Scan(&leader); err != nil {
			log.Warn("tick loop: advisory lock", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}

		if _, err := pool.ProcessJobs(ctx, worker.Options{
			Concurrency: cfg.Concurrency,
			WorkerID:    hostname,
		}); err != nil {
			log.Warn("tick loop: process", zap.Error(err))
		}
		swp.Sweep(ctx)
	}
}

func router(pool *worker.Pool, swp *sweeper.Sweeper, cfg config.Config, log *zap.Logger) http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)

	rtr.Post("/v1/process", func(w http.ResponseWriter, req *http.Request) {
		workerID := req.URL.Query().Get("workerId")
		if workerID == "" {
			workerID, _ = os.Hostname()
		}
		res, err := pool.ProcessJobs(req.Context(), worker.Options{
			Concurrency: cfg.Concurrency,
			WorkerID:    workerID,
		})
		if err != nil {
			log.Error("process trigger", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	rtr.Post("/v1/sweep", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, swp.Sweep(req.Context()))
	})

	rtr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := pool.HealthCheck(req.Context(), cfg.Concurrency)
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})

	return rtr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
