// Package anomaly flags unusual browsing behavior over sessions, visits and
// downloads, and combines the resulting scores per subject.
package anomaly

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/config"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/urlinfo"
)

// Heuristic names, listed in evaluation order
const (
	HeuristicBurst          = "burst"
	HeuristicCooccurrence   = "indicator_cooccurrence"
	HeuristicRuleEscalation = "rule_escalation"
	HeuristicOffHours       = "off_hours"
	HeuristicDirectIP       = "direct_ip_session"
	HeuristicDownloadURL    = "download_url"
)

// Subject types used in SubjectRisk
const (
	SubjectVisit   = "visit"
	SubjectSession = "session"
)

// MaxScore bounds every individual and combined score
const MaxScore = 100.0

// idNamespace seeds the name-based anomaly IDs
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("browser-timeliner/anomaly"))

// Input is everything the detector looks at
type Input struct {
	Visits         []model.Visit
	Sessions       []model.Session
	VisitToSession map[int64]string
	Matches        []model.RuleMatch
	Downloads      []model.Download
}

// Result is the detector output
type Result struct {
	Anomalies   []model.Anomaly
	Risks       []model.SubjectRisk
	Diagnostics []diag.Diagnostic
}

// Options tune a Detector
type Options struct {
	Cache  *urlinfo.Cache
	Logger *slog.Logger
}

type heuristic struct {
	name string
	run  func(d *Detector, in *Input, c *diag.Collector) []model.Anomaly
}

// heuristics run in this order; the order also breaks ties in the output
var heuristics = []heuristic{
	{HeuristicBurst, (*Detector).burst},
	{HeuristicCooccurrence, (*Detector).cooccurrence},
	{HeuristicRuleEscalation, (*Detector).ruleEscalation},
	{HeuristicOffHours, (*Detector).offHours},
	{HeuristicDirectIP, (*Detector).directIP},
	{HeuristicDownloadURL, (*Detector).downloadURL},
}

var sessionScoped = map[string]bool{
	HeuristicBurst:    true,
	HeuristicDirectIP: true,
}

var heuristicOrder = func() map[string]int {
	m := make(map[string]int, len(heuristics))
	for i, h := range heuristics {
		m[h.name] = i
	}
	return m
}()

// Detector runs the fixed heuristic set against one analysis input
type Detector struct {
	cfg            config.Config
	registry       *category.Registry
	highSeverity   category.Set
	suspiciousTLDs map[string]bool
	downloadExts   map[string]bool
	hours          config.HoursWindow
	cache          *urlinfo.Cache
	logger         *slog.Logger
}

// NewDetector resolves cfg against registry. cfg is expected to be validated;
// any remaining problem is returned as a *diag.ConfigurationError.
func NewDetector(cfg config.Config, registry *category.Registry, opts Options) (*Detector, error) {
	highSeverity, err := registry.NewSet(cfg.HighSeverityCategories...)
	if err != nil {
		return nil, &diag.ConfigurationError{Field: "high_severity_categories", Message: err.Error()}
	}
	hours, err := cfg.NormalHours.Resolve()
	if err != nil {
		return nil, err
	}

	return &Detector{
		cfg:            cfg,
		registry:       registry,
		highSeverity:   highSeverity,
		suspiciousTLDs: lowerSet(cfg.SuspiciousTLDs),
		downloadExts:   lowerSet(cfg.DownloadExtensions),
		hours:          hours,
		cache:          opts.Cache,
		logger:         logging.OrDiscard(opts.Logger),
	}, nil
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), ".")] = true
	}
	return set
}

// Detect runs every heuristic in order. Anomalies are ordered by
// (timestamp, visit id, heuristic order, session id).
func (d *Detector) Detect(in Input) Result {
	collector := diag.NewCollector(diag.StageAnomalies, d.logger)

	// URL-based heuristics skip these visits; report each once
	for _, v := range orderedVisits(in.Visits) {
		if err := d.cache.Get(v.URL).Require(); err != nil {
			subject := fmt.Sprintf("visit %d", v.ID)
			collector.Add(subject, &diag.ValidationError{Record: subject, Field: "url", Message: "url could not be parsed, excluded from url heuristics"})
		}
	}

	var anomalies []model.Anomaly
	for _, h := range heuristics {
		found := h.run(d, &in, collector)
		d.logger.Debug("Heuristic complete", "heuristic", h.name, "anomalies", len(found))
		anomalies = append(anomalies, found...)
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if av, bv := firstVisit(a), firstVisit(b); av != bv {
			return av < bv
		}
		if heuristicOrder[a.Heuristic] != heuristicOrder[b.Heuristic] {
			return heuristicOrder[a.Heuristic] < heuristicOrder[b.Heuristic]
		}
		return firstSession(a) < firstSession(b)
	})

	return Result{
		Anomalies:   anomalies,
		Risks:       Risks(anomalies),
		Diagnostics: collector.Items(),
	}
}

func firstVisit(a model.Anomaly) int64 {
	if len(a.VisitIDs) == 0 {
		return math.MinInt64
	}
	return a.VisitIDs[0]
}

func firstSession(a model.Anomaly) string {
	if len(a.SessionIDs) == 0 {
		return ""
	}
	return a.SessionIDs[0]
}

// Combine merges the scores raised against one subject. The sum is capped at
// MaxScore so every combined value stays in [0, 100].
func Combine(scores ...float64) float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return math.Min(MaxScore, total)
}

// Risks combines anomaly scores per subject. Burst and direct-IP anomalies
// count against their session; every other heuristic counts against its visit.
func Risks(anomalies []model.Anomaly) []model.SubjectRisk {
	type key struct{ kind, id string }
	bySubject := make(map[key]map[string]float64)
	var order []key

	for _, a := range anomalies {
		k := key{kind: SubjectVisit}
		switch {
		case sessionScoped[a.Heuristic] && len(a.SessionIDs) > 0:
			k = key{kind: SubjectSession, id: a.SessionIDs[0]}
		case len(a.VisitIDs) > 0:
			k.id = strconv.FormatInt(a.VisitIDs[0], 10)
		default:
			continue
		}
		if _, ok := bySubject[k]; !ok {
			bySubject[k] = make(map[string]float64)
			order = append(order, k)
		}
		bySubject[k][a.Heuristic] += a.Score
	}

	risks := make([]model.SubjectRisk, 0, len(order))
	for _, k := range order {
		contributions := bySubject[k]
		names := make([]string, 0, len(contributions))
		for name := range contributions {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return heuristicOrder[names[i]] < heuristicOrder[names[j]] })
		scores := make([]float64, 0, len(names))
		for _, name := range names {
			scores = append(scores, contributions[name])
		}
		risks = append(risks, model.SubjectRisk{
			SubjectType:   k.kind,
			SubjectID:     k.id,
			Score:         Combine(scores...),
			Contributions: contributions,
		})
	}

	sort.SliceStable(risks, func(i, j int) bool {
		return risks[i].Score > risks[j].Score
	})
	return risks
}

// anomalyID is stable for a given heuristic, subject and timestamp
func anomalyID(heuristic, subject string, ts int64) string {
	name := fmt.Sprintf("%s|%s|%d", heuristic, subject, ts)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

func capScore(score, limit float64) float64 {
	return math.Max(0, math.Min(limit, score))
}
