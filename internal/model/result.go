package model

import "github.com/walrusec/browser-timeliner/internal/diag"

// AnalysisResult is the aggregate handed to export collaborators
type AnalysisResult struct {
	Profile        string            `json:"profile"`
	Browser        string            `json:"browser"`
	Sessions       []Session         `json:"sessions"`
	VisitToSession map[int64]string  `json:"visit_to_session"`
	RuleMatches    []RuleMatch       `json:"rule_matches"`
	Anomalies      []Anomaly         `json:"anomalies"`
	Risks          []SubjectRisk     `json:"risks"`
	VisitRows      []VisitRow        `json:"visit_rows"`
	Summary        Summary           `json:"summary"`
	Diagnostics    []diag.Diagnostic `json:"diagnostics"`
}

// MatchesForVisit returns the rule matches recorded for one visit in pack order
func (r *AnalysisResult) MatchesForVisit(visitID int64) []RuleMatch {
	var matches []RuleMatch
	for _, m := range r.RuleMatches {
		if m.VisitID == visitID {
			matches = append(matches, m)
		}
	}
	return matches
}

// AnomaliesByHeuristic returns anomalies produced by one heuristic
func (r *AnalysisResult) AnomaliesByHeuristic(heuristic string) []Anomaly {
	var out []Anomaly
	for _, a := range r.Anomalies {
		if a.Heuristic == heuristic {
			out = append(out, a)
		}
	}
	return out
}
