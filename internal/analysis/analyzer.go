// Package analysis runs the full timeline pipeline over one history bundle:
// sessionization, rule evaluation and anomaly detection.
package analysis

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/walrusec/browser-timeliner/internal/anomaly"
	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/config"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/metrics"
	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/rules"
	"github.com/walrusec/browser-timeliner/internal/session"
	"github.com/walrusec/browser-timeliner/internal/urlinfo"
)

// DefaultProfile names visits that carry no profile of their own
const DefaultProfile = "default"

// Options carries the run's collaborators. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Clock is used for the duration metric
	Clock func() time.Time
	// RuleLoadDiagnostics are the loader's reports for rules dropped before
	// pack is built. They are merged ahead of the engine's own.
	RuleLoadDiagnostics []diag.Diagnostic
}

// Analyze runs the pipeline. Only an invalid configuration or an empty bundle
// is returned as an error; every other failure is reported in Diagnostics.
func Analyze(bundle *model.HistoryBundle, pack []rules.RuleDefinition, registry *category.Registry, cfg config.Config, opts Options) (*model.AnalysisResult, error) {
	logger := logging.OrDiscard(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	started := clock()

	if err := cfg.Validate(registry); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return nil, err
	}
	if bundle == nil || len(bundle.Visits) == 0 {
		return nil, diag.ErrEmptyBundle
	}

	cache, err := urlinfo.NewCache(cfg.URLCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create url cache: %w", err)
	}

	logger.Info("Starting analysis",
		"profile", bundle.Profile,
		"browser", bundle.Browser,
		"visits", len(bundle.Visits),
		"downloads", len(bundle.Downloads),
		"rules", len(pack))

	// ingest: visit ids must be unique across the whole bundle
	ingest := diag.NewCollector(diag.StageIngest, logger)
	byProfile := make(map[string][]model.Visit)
	kept := keptVisits(bundle.Visits)
	skipped := 0
	for i, v := range bundle.Visits {
		if kept[v.ID] != i {
			subject := fmt.Sprintf("visit %d", v.ID)
			ingest.Add(subject, &diag.ValidationError{Record: subject, Field: "id", Message: "duplicate visit id"})
			skipped++
			continue
		}
		profile := v.Profile
		if profile == "" {
			profile = bundle.Profile
		}
		if profile == "" {
			profile = DefaultProfile
		}
		v.Profile = profile
		byProfile[profile] = append(byProfile[profile], v)
	}

	// sessionize each profile independently
	profiles := make([]string, 0, len(byProfile))
	for p := range byProfile {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)

	sessionizer := session.NewSessionizer(cfg.IdleThreshold, logger)
	var sessions []model.Session
	var sessionDiags []diag.Diagnostic
	visitToSession := make(map[int64]string)
	var valid []model.Visit
	for _, p := range profiles {
		res := sessionizer.Build(p, byProfile[p])
		sessions = append(sessions, res.Sessions...)
		sessionDiags = append(sessionDiags, res.Diagnostics...)
		skipped += len(res.Skipped)
		for id, sid := range res.VisitToSession {
			visitToSession[id] = sid
		}
		for _, v := range byProfile[p] {
			if _, ok := res.VisitToSession[v.ID]; ok {
				valid = append(valid, v)
			}
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].Start.Equal(sessions[j].Start) {
			return sessions[i].Start.Before(sessions[j].Start)
		}
		if sessions[i].EntryVisitID != sessions[j].EntryVisitID {
			return sessions[i].EntryVisitID < sessions[j].EntryVisitID
		}
		return sessions[i].Profile < sessions[j].Profile
	})
	sortVisits(valid)

	engine := rules.NewEngine(pack, registry, rules.Options{
		Workers: cfg.Workers,
		Cache:   cache,
		Logger:  logger,
	})
	evaluation := engine.Evaluate(valid, visitToSession, bundle.SearchTermsByURL())

	detector, err := anomaly.NewDetector(cfg, registry, anomaly.Options{Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}
	detection := detector.Detect(anomaly.Input{
		Visits:         valid,
		Sessions:       sessions,
		VisitToSession: visitToSession,
		Matches:        evaluation.Matches,
		Downloads:      bundle.Downloads,
	})

	var diagnostics []diag.Diagnostic
	diagnostics = append(diagnostics, ingest.Items()...)
	diagnostics = append(diagnostics, sessionDiags...)
	diagnostics = append(diagnostics, opts.RuleLoadDiagnostics...)
	diagnostics = append(diagnostics, engine.LoadDiagnostics()...)
	diagnostics = append(diagnostics, evaluation.Diagnostics...)
	diagnostics = append(diagnostics, detection.Diagnostics...)

	result := &model.AnalysisResult{
		Profile:        bundle.Profile,
		Browser:        bundle.Browser,
		Sessions:       sessions,
		VisitToSession: visitToSession,
		RuleMatches:    evaluation.Matches,
		Anomalies:      detection.Anomalies,
		Risks:          detection.Risks,
		VisitRows:      buildVisitRows(valid, visitToSession, cache, evaluation.Matches, detection.Anomalies),
		Diagnostics:    diagnostics,
	}
	result.Summary = summarize(result, len(valid), skipped, len(engine.Rules()), len(opts.RuleLoadDiagnostics)+len(engine.LoadDiagnostics()))

	elapsed := clock().Sub(started)
	opts.Metrics.ObserveRun(metrics.Run{
		Visits:       len(valid),
		Skipped:      skipped,
		Sessions:     len(sessions),
		RuleMatches:  len(evaluation.Matches),
		RulesSkipped: result.Summary.RulesSkipped,
		Anomalies:    countByHeuristic(detection.Anomalies),
		Duration:     elapsed,
	})

	logger.Info("Analysis complete",
		"visits", result.Summary.Visits,
		"skipped", result.Summary.VisitsSkipped,
		"sessions", result.Summary.Sessions,
		"rule_matches", result.Summary.RuleMatches,
		"anomalies", result.Summary.Anomalies,
		"diagnostics", result.Summary.Diagnostics,
		"duration", elapsed)
	return result, nil
}

// keptVisits picks, per visit id, the index of the record that is analyzed:
// the first one with a timestamp, or the first one when none has.
func keptVisits(visits []model.Visit) map[int64]int {
	kept := make(map[int64]int, len(visits))
	for i, v := range visits {
		j, ok := kept[v.ID]
		if !ok || (visits[j].Timestamp.IsZero() && !v.Timestamp.IsZero()) {
			kept[v.ID] = i
		}
	}
	return kept
}

func sortVisits(visits []model.Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		if !visits[i].Timestamp.Equal(visits[j].Timestamp) {
			return visits[i].Timestamp.Before(visits[j].Timestamp)
		}
		return visits[i].ID < visits[j].ID
	})
}

func countByHeuristic(anomalies []model.Anomaly) map[string]int {
	counts := make(map[string]int)
	for _, a := range anomalies {
		counts[a.Heuristic]++
	}
	return counts
}
