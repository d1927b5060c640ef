package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/walrusec/browser-timeliner/internal/analysis"
	"github.com/walrusec/browser-timeliner/internal/api"
	"github.com/walrusec/browser-timeliner/internal/bundle"
	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/config"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/metrics"
	"github.com/walrusec/browser-timeliner/internal/publish"
	"github.com/walrusec/browser-timeliner/internal/rules"
)

// Usage:
//
//	timeliner <bundle.json[.zst]>   analyze one bundle and print the result
//	timeliner                       serve the HTTP API on TIMELINER_HTTP_ADDR
func main() {
	logger := logging.Init("browser-timeliner", os.Stderr,
		getEnv("TIMELINER_LOG_FORMAT", "json"),
		getEnv("TIMELINER_LOG_LEVEL", "info"))

	httpAddr := getEnv("TIMELINER_HTTP_ADDR", ":8080")
	natsURL := getEnv("TIMELINER_NATS_URL", "")
	natsSubject := getEnv("TIMELINER_NATS_SUBJECT", publish.SubjectResults)
	configPath := getEnv("TIMELINER_CONFIG", "")
	rulesPath := getEnv("TIMELINER_RULES", "")
	publishAnomalies := getEnv("TIMELINER_PUBLISH_ANOMALIES", "false") == "true"

	registry := category.Default()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			logger.Error("Failed to load configuration", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg, err := config.ApplyEnv(cfg, os.LookupEnv)
	if err != nil {
		logger.Error("Invalid environment configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(registry); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	pack, loadDiags, err := loadRules(rulesPath, registry, logger)
	if err != nil {
		logger.Error("Failed to load rules", "path", rulesPath, "error", err)
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"rules", len(pack.Rules),
		"rules_skipped", len(loadDiags),
		"idle_threshold", cfg.IdleThreshold,
		"workers", cfg.Workers)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	var publisher api.ResultPublisher
	if natsURL != "" {
		nc, err := nats.Connect(natsURL, nats.Name("browser-timeliner"))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		logger.Info("Connected to NATS", "url", natsURL)
		publisher = publish.NewPublisher(nc, natsSubject, m, logger)
	}

	if len(os.Args) > 1 {
		run := fileRun{
			pack:             pack.Rules,
			loadDiagnostics:  loadDiags,
			registry:         registry,
			cfg:              cfg,
			metrics:          m,
			publisher:        publisher,
			publishAnomalies: publishAnomalies,
			logger:           logger,
		}
		if err := run.analyzeFile(os.Stdout, os.Args[1]); err != nil {
			logger.Error("Analysis failed", "path", os.Args[1], "error", err)
			os.Exit(1)
		}
		return
	}

	serve(httpAddr, api.NewServer(api.Options{
		Registry:            registry,
		Config:              cfg,
		Rules:               pack.Rules,
		RuleLoadDiagnostics: loadDiags,
		Metrics:             m,
		Gatherer:            reg,
		Publisher:           publisher,
		PublishAnomalies:    publishAnomalies,
		Logger:              logger,
	}), logger)
}

// loadRules returns the pack at path, or the embedded default pack, along
// with a diagnostic for every rule the loader dropped
func loadRules(path string, registry *category.Registry, logger *slog.Logger) (*rules.Pack, []diag.Diagnostic, error) {
	loader, err := rules.NewLoader(registry, logger)
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		return loader.LoadDefault()
	}
	return loader.LoadFile(path)
}

// fileRun analyzes one bundle file outside the HTTP server
type fileRun struct {
	pack             []rules.RuleDefinition
	loadDiagnostics  []diag.Diagnostic
	registry         *category.Registry
	cfg              config.Config
	metrics          *metrics.Metrics
	publisher        api.ResultPublisher
	publishAnomalies bool
	logger           *slog.Logger
}

func (r fileRun) analyzeFile(w io.Writer, path string) error {
	b, err := bundle.ReadFile(path)
	if err != nil {
		return err
	}

	result, err := analysis.Analyze(b, r.pack, r.registry, r.cfg, analysis.Options{
		Logger:              r.logger,
		Metrics:             r.metrics,
		RuleLoadDiagnostics: r.loadDiagnostics,
	})
	if err != nil {
		return err
	}

	if r.publisher != nil {
		logger := logging.OrDiscard(r.logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.publisher.Publish(ctx, result); err != nil {
			logger.Warn("Failed to publish result", "error", err)
		}
		if r.publishAnomalies && len(result.Anomalies) > 0 {
			if err := r.publisher.PublishAnomalies(ctx, result); err != nil {
				logger.Warn("Failed to publish anomalies", "error", err)
			}
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func serve(addr string, handler http.Handler, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down browser-timeliner...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("browser-timeliner stopped")
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
