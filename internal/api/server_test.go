package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/config"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/metrics"
	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/rules"
)

const body = `{
  "profile": "Default",
  "browser": "chromium",
  "visits": [
    {"id": 1, "url": "https://www.google.com/search?q=anydesk", "timestamp": "2024-01-01T12:00:00Z"},
    {"id": 2, "url": "https://download.anydesk.com/AnyDesk.exe", "timestamp": "2024-01-01T12:01:00Z", "referrer_id": 1}
  ]
}`

type recordingPublisher struct {
	published    []*model.AnalysisResult
	anomalies    []model.Anomaly
	err          error
	anomaliesErr error
}

func (p *recordingPublisher) Publish(ctx context.Context, result *model.AnalysisResult) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, result)
	return nil
}

func (p *recordingPublisher) PublishAnomalies(ctx context.Context, result *model.AnalysisResult) error {
	if p.anomaliesErr != nil {
		return p.anomaliesErr
	}
	p.anomalies = append(p.anomalies, result.Anomalies...)
	return nil
}

func testRules() []rules.RuleDefinition {
	return []rules.RuleDefinition{{
		Name:              "Remote Access Tool",
		Category:          category.RemoteAccess,
		Severity:          model.SeverityHigh,
		RiskScore:         75,
		FalsePositiveRate: model.FPLow,
		Conditions:        []rules.RuleCondition{{Kind: rules.KindHostnameContains, Values: []string{"anydesk"}}},
	}}
}

func newTestServer(t *testing.T, pub ResultPublisher, cfg config.Config) *Server {
	t.Helper()
	return newServerWith(t, Options{Config: cfg, Publisher: pub})
}

func newServerWith(t *testing.T, opts Options) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Rules = testRules()
	opts.Metrics = metrics.NewMetrics(reg)
	opts.Gatherer = reg
	return NewServer(opts)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, config.Default())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAnalyze(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestServer(t, pub, config.Default())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var result model.AnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "Default", result.Profile)
	assert.Len(t, result.Sessions, 1)
	require.Len(t, result.RuleMatches, 1)
	assert.Equal(t, int64(2), result.RuleMatches[0].VisitID)

	require.Len(t, pub.published, 1)
	assert.Empty(t, rec.Header().Get("X-Publish-Error"))
	assert.Empty(t, pub.anomalies)
}

func TestAnalyze_PublishAnomalies(t *testing.T) {
	tests := []struct {
		name      string
		pub       *recordingPublisher
		published int
		header    string
	}{
		{"per anomaly", &recordingPublisher{}, 2, ""},
		{"anomaly publish fails", &recordingPublisher{anomaliesErr: errors.New("subject denied")}, 0, "subject denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServerWith(t, Options{Config: config.Default(), Publisher: tt.pub, PublishAnomalies: true})

			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body)))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			require.Len(t, tt.pub.published, 1)
			assert.Len(t, tt.pub.anomalies, tt.published)
			assert.Equal(t, tt.header, rec.Header().Get("X-Publish-Anomalies-Error"))
		})
	}
}

func TestAnalyze_ReportsRuleLoadDiagnostics(t *testing.T) {
	loadDiags := diag.NewCollector(diag.StageRules, nil)
	loadDiags.Add("rule Retired", &diag.RuleLoadError{Rule: "Retired", Message: "unknown category"})
	s := newServerWith(t, Options{Config: config.Default(), RuleLoadDiagnostics: loadDiags.Items()})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result model.AnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Summary.RulesLoaded)
	assert.Equal(t, 1, result.Summary.RulesSkipped)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, diag.KindRuleLoad, result.Diagnostics[0].Kind)
	assert.Equal(t, "rule Retired", result.Diagnostics[0].Subject)
}

func TestAnalyze_PublishFailureDoesNotFailRequest(t *testing.T) {
	s := newTestServer(t, &recordingPublisher{err: errors.New("nats down")}, config.Default())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nats down", rec.Header().Get("X-Publish-Error"))
}

func TestAnalyze_Errors(t *testing.T) {
	badConfig := config.Default()
	badConfig.IdleThreshold = 0

	tests := []struct {
		name string
		cfg  config.Config
		body string
		code int
	}{
		{"invalid json", config.Default(), "{", http.StatusBadRequest},
		{"schema violation", config.Default(), `{"visits": [{"id": 1}]}`, http.StatusBadRequest},
		{"no visits", config.Default(), `{"visits": []}`, http.StatusUnprocessableEntity},
		{"bad server config", badConfig, body, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, tt.cfg)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(tt.body)))

			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestAnalyze_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil, config.Default())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/analyze", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRules(t *testing.T) {
	s := newTestServer(t, nil, config.Default())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rules", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Rules []rules.RuleDefinition `json:"rules"`
		Count int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "Remote Access Tool", resp.Rules[0].Name)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, config.Default())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analyze", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "timeliner_visits_total 2")
}
