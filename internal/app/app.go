package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"patentdesk/backend/features/job"
	"patentdesk/backend/features/record"
	"patentdesk/backend/internal/config"
	"patentdesk/backend/internal/extractor"
	"patentdesk/backend/internal/llm"
	"patentdesk/backend/internal/middleware"
	"patentdesk/backend/internal/progress"
	"patentdesk/backend/internal/ratelimit"
	"patentdesk/backend/internal/runner"
	"patentdesk/backend/internal/storage"
	"patentdesk/backend/internal/worker"
)

type App struct {
	Handler  http.Handler
	Runner   *runner.Runner
	Consumer *worker.DispatchConsumer

	limiter    *ratelimit.Limiter
	pollWindow time.Duration
	port       int
}

func New(cfg *config.Config, db *sql.DB, taskPub worker.Publisher) (*App, error) {
	// Durable stores
	artifacts, err := storage.NewArtifacts(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	progStore, err := progress.NewFileStore(filepath.Join(cfg.DataDir, "progress"))
	if err != nil {
		return nil, fmt.Errorf("progress store: %w", err)
	}
	tracker := progress.NewTracker(progStore)

	// External services
	ext := extractor.New(cfg.ExtractorChain(), cfg.ExtractorTimeout(), cfg.DownloadTimeout())

	router := llm.NewRouter()
	router.Register(llm.ProviderOpenAI, llm.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.SummaryLLMTimeout()))
	router.Register(llm.ProviderDeepSeek, llm.NewOpenAIClient(cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey, cfg.SummaryLLMTimeout()))
	if cfg.GeminiAPIKey != "" {
		gem, err := llm.NewGeminiClient(context.Background(), cfg.GeminiAPIKey)
		if err != nil {
			slog.Warn("gemini client unavailable", "error", err)
		} else {
			router.Register(llm.ProviderGemini, gem)
		}
	}

	models, err := llm.ParseModelChain(cfg.ModelChain)
	if err != nil {
		return nil, fmt.Errorf("model chain: %w", err)
	}

	// Repositories
	jobRepo := job.NewPostgresRepo(db)
	recordRepo := record.NewPostgresRepo(db)

	// A process restart orphans any job mid-flight; fail them so pollers stop
	// waiting.
	if n, err := jobRepo.ResetStuck(context.Background(), 30*time.Minute); err != nil {
		slog.Warn("failed to reset stuck jobs", "error", err)
	} else if n > 0 {
		slog.Info("reset stuck jobs", "count", n)
	}

	// Runner
	run := runner.New(jobRepo, &recordStoreAdapter{repo: recordRepo}, tracker, artifacts, ext, router, runner.Config{
		Models:              models,
		MaxTokensPerSegment: cfg.MaxTokensPerSegment,
		OverlapTokens:       cfg.OverlapTokens,
		LLMTimeout:          cfg.LLMTimeout(),
		SummaryLLMTimeout:   cfg.SummaryLLMTimeout(),
	})

	var dispatcher job.Dispatcher
	if cfg.EnableNSQDispatch && taskPub != nil {
		dispatcher = worker.NewNSQDispatcher(taskPub, config.TopicJobDispatch)
	} else {
		dispatcher = worker.NewGoDispatcher(run, cfg.DispatchConcurrency)
	}

	pollWindow := time.Duration(cfg.PollWindowSeconds) * time.Second
	limiter := ratelimit.New(cfg.PollLimitPerWindow, pollWindow)

	// Features
	jobService := job.NewService(jobRepo, tracker, artifacts, dispatcher)
	jobHandler := job.NewHandler(jobService, limiter)
	recordHandler := record.NewHandler(recordRepo)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-ID")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /jobs/{kind}", middleware.CorrelationID(enableCORS(jobHandler.Submit)))
	mux.Handle("GET /jobs", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("GET /jobs/{id}/progress", middleware.CorrelationID(enableCORS(jobHandler.Progress)))
	mux.Handle("GET /jobs/{id}/result", middleware.CorrelationID(enableCORS(jobHandler.Result)))
	mux.Handle("GET /jobs/{id}/records", middleware.CorrelationID(enableCORS(recordHandler.ListByJob)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:    mux,
		Runner:     run,
		Consumer:   worker.NewDispatchConsumer(run),
		limiter:    limiter,
		pollWindow: pollWindow,
		port:       cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	// Keep the rate limiter map from accumulating idle pollers.
	go func() {
		ticker := time.NewTicker(a.pollWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.limiter.Sweep()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Adapter for RecordStore in Runner
type recordStoreAdapter struct {
	repo record.Repository
}

func (a *recordStoreAdapter) SaveBatch(ctx context.Context, jobID, ownerID string, records []runner.ExtractedRecord) error {
	rows := make([]record.Record, 0, len(records))
	for _, r := range records {
		rows = append(rows, record.Record{
			ID:       uuid.NewString(),
			JobID:    jobID,
			OwnerID:  ownerID,
			Category: r.Category,
			Name:     r.Name,
			Payload:  r.Payload,
		})
	}
	return a.repo.BulkInsert(ctx, rows)
}
