package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"elidacore/internal/audit"
	"elidacore/internal/cache"
	"elidacore/internal/classify"
	"elidacore/internal/config"
	"elidacore/internal/control"
	"elidacore/internal/core"
	"elidacore/internal/llm"
	"elidacore/internal/llm/cloudclient"
	"elidacore/internal/llm/localclient"
	"elidacore/internal/orchestrator"
	"elidacore/internal/pii"
	"elidacore/internal/retrieval"
	"elidacore/internal/streamapi"
	"elidacore/internal/synthesis"
	"elidacore/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/elidacore.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting elidacore",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"control_listen", cfg.Control.Listen,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), 0o755); err != nil {
		slog.Error("failed to create audit data directory", "error", err)
		os.Exit(1)
	}
	auditSink, err := audit.New(audit.Config{DBPath: cfg.Audit.DBPath, QueueDepth: cfg.Audit.QueueDepth})
	if err != nil {
		slog.Error("failed to initialize audit sink", "error", err)
		os.Exit(1)
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	localBackend := localclient.New(localclient.Config{
		BaseURL:           cfg.Local.URL,
		Model:             cfg.Local.Model,
		RequestsPerSecond: cfg.Local.RequestsPerSecond,
		Timeout:           cfg.Local.Timeout,
	})
	cloudBackend := cloudclient.New(cloudclient.Config{
		APIKey:  cfg.Cloud.APIKey,
		Model:   cfg.Cloud.Model,
		BaseURL: cfg.Cloud.BaseURL,
		Timeout: cfg.Cloud.Timeout,
	})
	router := llm.NewRouter(localBackend, cloudBackend)

	oracle := classify.New(piiDetectorFunc(pii.Detect))

	retriever, err := buildRetriever(cfg.Retrieval)
	if err != nil {
		slog.Error("failed to build retriever", "error", err)
		os.Exit(1)
	}

	var cacheMgr *cache.Manager
	if cfg.Cache.RedisAddr != "" {
		cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 10*time.Second)
		cacheMgr, err = cache.New(cacheCtx, cache.Config{
			Addr:      cfg.Cache.RedisAddr,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
		cacheCancel()
		if err != nil {
			slog.Warn("cache manager unavailable, continuing without context caching", "error", err)
			cacheMgr = nil
		} else {
			slog.Info("context cache manager connected", "addr", cfg.Cache.RedisAddr)
		}
	}

	synthEngine := synthesis.New(synthesis.Deps{
		Router:      router,
		Concurrency: cfg.Synthesis.Concurrency,
	})

	orch := orchestrator.New(orchestrator.Deps{
		Classifier:       oracle,
		Router:           router,
		Retriever:        retriever,
		Audit:            auditSink,
		Cache:            cacheMgr,
		Telemetry:        tp,
		Synthesis:        synthEngine,
		MaxClarifyRounds: cfg.Orchestrator.MaxClarifyRounds,
		MaxChunks:        cfg.Orchestrator.MaxChunks,
		MapGroupSize:     cfg.Synthesis.MapGroupSize,
		CacheTTL:         cfg.Cache.TTL,
	}, cfg.Orchestrator.MaxConcurrentRuns)

	streamHandler := streamapi.New(orch, streamapi.Config{})

	var controlHandler *control.Handler
	if cfg.Control.Enabled {
		controlHandler = control.NewWithAuth(orch, cacheMgr, auditSink, router, cfg.Control.Auth.Enabled, cfg.Control.Auth.APIKey)
	}

	mainServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      streamHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses never time out on write
		IdleTimeout:  120 * time.Second,
	}

	var controlServer *http.Server
	if controlHandler != nil {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      controlHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("streaming server starting", "addr", cfg.Listen)
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("streaming server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, run := range orch.ListRuns(nil) {
		run.Cancel()
	}

	if err := mainServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("streaming server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}

	if cacheMgr != nil {
		if err := cacheMgr.Close(); err != nil {
			slog.Error("cache manager close error", "error", err)
		}
	}
	if err := auditSink.Close(); err != nil {
		slog.Error("audit sink close error", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("elidacore stopped")
}

// piiDetectorFunc adapts pii.Detect to classify.PIIDetector.
type piiDetectorFunc func(string) (bool, error)

func (f piiDetectorFunc) Detect(text string) (bool, error) { return f(text) }

// seedChunk is the JSON shape of one indexed chunk in a corpus file.
type seedChunk struct {
	Chunk    core.Chunk `json:"chunk"`
	Semantic float64    `json:"semantic"`
	Lexical  float64    `json:"lexical"`
}

// seedCorpus is the JSON shape of a retrieval corpus fixture. Document
// ingestion (upload, OCR, chunking, embedding) happens upstream of this
// core; this loader exists only to give the reference Retriever
// something to search in the absence of that pipeline.
type seedCorpus struct {
	Documents []core.Document      `json:"documents"`
	Chunks    map[string]seedChunk `json:"chunks"`
}

func buildRetriever(cfg config.RetrievalConfig) (retrieval.Retriever, error) {
	var seed seedCorpus
	if cfg.CorpusPath != "" {
		data, err := os.ReadFile(cfg.CorpusPath) // #nosec G304 -- corpus path from trusted config
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading corpus file: %w", err)
			}
			slog.Warn("corpus file not found, starting with an empty retrieval corpus", "path", cfg.CorpusPath)
		} else if err := json.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("parsing corpus file: %w", err)
		} else {
			slog.Info("loaded retrieval corpus", "path", cfg.CorpusPath, "documents", len(seed.Documents), "chunks", len(seed.Chunks))
		}
	}

	chunkScores := make(map[string]struct {
		Chunk    core.Chunk
		Semantic float64
		Lexical  float64
	}, len(seed.Chunks))
	for id, c := range seed.Chunks {
		chunkScores[id] = struct {
			Chunk    core.Chunk
			Semantic float64
			Lexical  float64
		}{Chunk: c.Chunk, Semantic: c.Semantic, Lexical: c.Lexical}
	}

	return retrieval.NewInMemoryRetriever(seed.Documents, chunkScores, cfg.SemanticWeight), nil
}
