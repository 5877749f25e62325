// The api binary is the producer surface: it accepts shared links from chat
// webhooks and hands them to the queue facade. A queue outage degrades to
// inline processing, never to a 500.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/collab"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/config"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/processor"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/queue"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := storage.New(db)

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
	fallback := queue.NewFallback(proc, store, log.Named("fallback"))

	var broker queue.Broker
	if !cfg.UseFallback() {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		broker = queue.NewRedisQ(rdb, queue.RedisQConfig{
			Name:              cfg.QueueName,
			MaxAttempts:       cfg.MaxAttempts,
			VisibilityTimeout: cfg.VisibilityTimeout,
			StatusRetention:   cfg.StatusRetention,
		})
	} else {
		log.Warn("no broker configured, links will process inline")
	}
	client := queue.NewClient(broker, fallback, log.Named("queue"))

	srv := &http.Server{Addr: cfg.APIAddr, Handler: router(client, log)}
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
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

type saveLinkRequest struct {
	URL        string `json:"url"`
	TeamRef    string `json:"teamRef"`
	ChannelRef string `json:"channelRef"`
	MessageRef string `json:"messageRef"`
	Priority   string `json:"priority,omitempty"`
}

func router(client *queue.Client, log *zap.Logger) http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)

	rtr.Post("/v1/links", func(w http.ResponseWriter, req *http.Request) {
		var body saveLinkRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		opts := queue.Options{}
		if body.Priority == string(queue.PriorityHigh) {
			opts.Priority = queue.PriorityHigh
		}
		jobID, err := client.Add(req.Context(), domain.JobTypeProcessLink, domain.JobPayload{
			URL:        body.URL,
			TeamRef:    body.TeamRef,
			ChannelRef: body.ChannelRef,
			MessageRef: body.MessageRef,
		}, opts)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"jobId":    jobID,
			"fallback": strings.HasPrefix(jobID, queue.FallbackPrefix),
		})
	})

	rtr.Get("/v1/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		st := client.Status(req.Context(), id)
		if st == nil {
			writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       st.ID,
			"status":   st.State,
			"attempts": st.Attempts,
		})
	})

	rtr.Get("/v1/queue/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, client.Stats(req.Context()))
	})

	rtr.Post("/v1/queue/cleanup", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, client.Cleanup(req.Context()))
	})

	rtr.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := client.HealthCheck(req.Context())
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
