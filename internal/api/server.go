// Package api exposes the timeline analysis over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walrusec/browser-timeliner/internal/analysis"
	"github.com/walrusec/browser-timeliner/internal/bundle"
	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/config"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/metrics"
	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/rules"
)

// ResultPublisher forwards finished analyses, typically to NATS
type ResultPublisher interface {
	Publish(ctx context.Context, result *model.AnalysisResult) error
	PublishAnomalies(ctx context.Context, result *model.AnalysisResult) error
}

// Options configures a Server
type Options struct {
	Registry *category.Registry
	Config   config.Config
	Rules    []rules.RuleDefinition
	// RuleLoadDiagnostics are reported with every analysis
	RuleLoadDiagnostics []diag.Diagnostic
	Metrics             *metrics.Metrics
	Gatherer            prometheus.Gatherer
	Publisher           ResultPublisher
	// PublishAnomalies also sends each anomaly on its own subject
	PublishAnomalies bool
	Logger           *slog.Logger
}

// Server serves the analysis API
type Server struct {
	opts   Options
	logger *slog.Logger
	router *mux.Router
}

// NewServer creates a server and registers its routes
func NewServer(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = category.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	s.router.HandleFunc("/rules", s.handleRules).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "browser-timeliner",
	})
}

// handleAnalyze decodes a bundle from the request body and returns the analysis
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	b, err := bundle.Decode(http.MaxBytesReader(w, r.Body, bundle.MaxSize))
	if err != nil {
		s.logger.Warn("Rejected bundle", "error", err)
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := analysis.Analyze(b, s.opts.Rules, s.opts.Registry, s.opts.Config, analysis.Options{
		Logger:              s.logger,
		Metrics:             s.opts.Metrics,
		RuleLoadDiagnostics: s.opts.RuleLoadDiagnostics,
	})
	if err != nil {
		var cfgErr *diag.ConfigurationError
		switch {
		case errors.Is(err, diag.ErrEmptyBundle):
			s.writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
		case errors.As(err, &cfgErr):
			s.logger.Error("Server configuration rejected", "field", cfgErr.Field, "error", err)
			s.writeErrorResponse(w, http.StatusInternalServerError, "invalid server configuration")
		default:
			s.logger.Error("Analysis failed", "error", err)
			s.writeErrorResponse(w, http.StatusInternalServerError, "analysis failed")
		}
		return
	}

	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.Publish(r.Context(), result); err != nil {
			s.logger.Warn("Failed to publish result", "profile", result.Profile, "error", err)
			w.Header().Set("X-Publish-Error", err.Error())
		}
		if s.opts.PublishAnomalies && len(result.Anomalies) > 0 {
			if err := s.opts.Publisher.PublishAnomalies(r.Context(), result); err != nil {
				s.logger.Warn("Failed to publish anomalies", "profile", result.Profile, "error", err)
				w.Header().Set("X-Publish-Anomalies-Error", strings.ReplaceAll(err.Error(), "\n", "; "))
			}
		}
	}

	s.writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rulesList := s.opts.Rules
	if rulesList == nil {
		rulesList = []rules.RuleDefinition{}
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"rules": rulesList,
		"count": len(rulesList),
	})
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	})
}
