package model

import (
	"time"
)

// Visit represents a single recorded navigation event from a browser profile
type Visit struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	ReferrerID *int64    `json:"referrer_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Profile    string    `json:"profile"`
	Transition string    `json:"transition,omitempty"`
}

// HasReferrer reports whether the visit carries a referrer visit id
func (v Visit) HasReferrer() bool {
	return v.ReferrerID != nil
}

// Download represents a download item captured from browser artifacts
type Download struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	TargetPath string    `json:"target_path"`
	Timestamp  time.Time `json:"timestamp"`
	Completed  bool      `json:"completed"`
	DangerType string    `json:"danger_type,omitempty"`
}

// SearchTerm associates a keyword search with the URL it was issued from
type SearchTerm struct {
	URL  string `json:"url"`
	Term string `json:"term"`
}

// HistoryBundle is the normalized output of the ingestion collaborator
type HistoryBundle struct {
	Profile     string       `json:"profile"`
	Browser     string       `json:"browser"`
	Visits      []Visit      `json:"visits"`
	Downloads   []Download   `json:"downloads"`
	SearchTerms []SearchTerm `json:"search_terms"`
}

// SearchTermsByURL indexes search terms by the URL they were issued from
func (b *HistoryBundle) SearchTermsByURL() map[string][]string {
	index := make(map[string][]string)
	for _, term := range b.SearchTerms {
		index[term.URL] = append(index[term.URL], term.Term)
	}
	return index
}

// Session groups visits linked by referrer chains within the idle threshold
type Session struct {
	ID           string    `json:"id"`
	Profile      string    `json:"profile"`
	VisitIDs     []int64   `json:"visit_ids"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	EntryVisitID int64     `json:"entry_visit_id"`
}

// Duration returns the time between the first and last visit of the session
func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// RuleMatch is evidence that a visit satisfied every condition of a rule
type RuleMatch struct {
	RuleName          string            `json:"rule_name"`
	Category          string            `json:"category"`
	Severity          Severity          `json:"severity"`
	RiskScore         int               `json:"risk_score"`
	FalsePositiveRate FalsePositiveRate `json:"false_positive_rate"`
	Tags              []string          `json:"tags,omitempty"`
	IOCType           string            `json:"ioc_type,omitempty"`
	VisitID           int64             `json:"visit_id"`
	SessionID         string            `json:"session_id"`
	Timestamp         time.Time         `json:"timestamp"`
	PackIndex         int               `json:"pack_index"`
	Evidence          map[string]string `json:"evidence"`
}

// Anomaly is a scored, evidenced flag produced by a heuristic
type Anomaly struct {
	ID          string            `json:"id"`
	Heuristic   string            `json:"heuristic"`
	Category    string            `json:"category"`
	Severity    Severity          `json:"severity"`
	Description string            `json:"description"`
	Score       float64           `json:"score"`
	Timestamp   time.Time         `json:"timestamp"`
	VisitIDs    []int64           `json:"visit_ids,omitempty"`
	SessionIDs  []string          `json:"session_ids,omitempty"`
	RuleNames   []string          `json:"rule_names,omitempty"`
	DownloadIDs []int64           `json:"download_ids,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// SubjectRisk is the combined score of every anomaly raised against one visit or session
type SubjectRisk struct {
	SubjectType   string             `json:"subject_type"` // visit, session
	SubjectID     string             `json:"subject_id"`
	Score         float64            `json:"score"`
	Contributions map[string]float64 `json:"contributions"`
}

// VisitRow is the per-visit flattened view used by row-oriented export formats
type VisitRow struct {
	VisitID          int64     `json:"visit_id"`
	Timestamp        time.Time `json:"timestamp"`
	URL              string    `json:"url"`
	RegisteredDomain string    `json:"registered_domain,omitempty"`
	Title            string    `json:"title,omitempty"`
	Profile          string    `json:"profile"`
	SessionID        string    `json:"session_id"`
	RuleNames        []string  `json:"rule_names"`
	Categories       []string  `json:"categories"`
	Anomalies        []string  `json:"anomalies"`
}

// Summary holds aggregate counts for an analysis run
type Summary struct {
	Visits              int            `json:"visits"`
	VisitsSkipped       int            `json:"visits_skipped"`
	Sessions            int            `json:"sessions"`
	RulesLoaded         int            `json:"rules_loaded"`
	RulesSkipped        int            `json:"rules_skipped"`
	RuleMatches         int            `json:"rule_matches"`
	Anomalies           int            `json:"anomalies"`
	Diagnostics         int            `json:"diagnostics"`
	MatchesByCategory   map[string]int `json:"matches_by_category"`
	AnomaliesBySeverity map[string]int `json:"anomalies_by_severity"`
}
