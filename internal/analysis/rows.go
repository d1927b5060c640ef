package analysis

import (
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/urlinfo"
)

// buildVisitRows flattens matches and anomalies onto one row per visit.
// visits must already be in (timestamp, id) order.
func buildVisitRows(visits []model.Visit, visitToSession map[int64]string, cache *urlinfo.Cache, matches []model.RuleMatch, anomalies []model.Anomaly) []model.VisitRow {
	matchesByVisit := make(map[int64][]model.RuleMatch)
	for _, m := range matches {
		matchesByVisit[m.VisitID] = append(matchesByVisit[m.VisitID], m)
	}
	anomaliesByVisit := make(map[int64][]string)
	for _, a := range anomalies {
		for _, id := range a.VisitIDs {
			anomaliesByVisit[id] = appendUnique(anomaliesByVisit[id], a.Heuristic)
		}
	}

	rows := make([]model.VisitRow, 0, len(visits))
	for _, v := range visits {
		row := model.VisitRow{
			VisitID:          v.ID,
			Timestamp:        v.Timestamp,
			URL:              v.URL,
			RegisteredDomain: cache.Get(v.URL).RegisteredDomain,
			Title:            v.Title,
			Profile:          v.Profile,
			SessionID:        visitToSession[v.ID],
			RuleNames:        []string{},
			Categories:       []string{},
			Anomalies:        []string{},
		}
		for _, m := range matchesByVisit[v.ID] {
			row.RuleNames = append(row.RuleNames, m.RuleName)
			row.Categories = appendUnique(row.Categories, m.Category)
		}
		if names, ok := anomaliesByVisit[v.ID]; ok {
			row.Anomalies = names
		}
		rows = append(rows, row)
	}
	return rows
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func summarize(result *model.AnalysisResult, visits, skipped, rulesLoaded, rulesSkipped int) model.Summary {
	s := model.Summary{
		Visits:              visits,
		VisitsSkipped:       skipped,
		Sessions:            len(result.Sessions),
		RulesLoaded:         rulesLoaded,
		RulesSkipped:        rulesSkipped,
		RuleMatches:         len(result.RuleMatches),
		Anomalies:           len(result.Anomalies),
		Diagnostics:         len(result.Diagnostics),
		MatchesByCategory:   make(map[string]int),
		AnomaliesBySeverity: make(map[string]int),
	}
	for _, m := range result.RuleMatches {
		s.MatchesByCategory[m.Category]++
	}
	for _, a := range result.Anomalies {
		s.AnomaliesBySeverity[string(a.Severity)]++
	}
	return s
}

// DiagnosticsByKind counts a result's diagnostics per kind
func DiagnosticsByKind(result *model.AnalysisResult) map[diag.Kind]int {
	counts := make(map[diag.Kind]int)
	for _, d := range result.Diagnostics {
		counts[d.Kind]++
	}
	return counts
}
