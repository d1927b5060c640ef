package anomaly

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/model"
)

const (
	burstBaseScore   = 20.0
	burstStepScore   = 2.0
	burstMaxScore    = 40.0
	cooccurBaseScore = 30.0
	cooccurStepScore = 10.0
	cooccurMaxScore  = 50.0
	offHoursScore    = 15.0
	directIPBase     = 25.0
	directIPStep     = 5.0
	directIPMax      = 40.0
	downloadURLScore = 35.0
)

// burst raises one anomaly per session whose densest sliding window holds
// more than Burst.MaxVisits visits
func (d *Detector) burst(in *Input, _ *diag.Collector) []model.Anomaly {
	byID := visitIndex(in.Visits)
	window := d.cfg.Burst.Window
	limit := d.cfg.Burst.MaxVisits

	var out []model.Anomaly
	for _, sess := range in.Sessions {
		if len(sess.VisitIDs) <= limit {
			continue
		}
		visits := make([]model.Visit, 0, len(sess.VisitIDs))
		for _, id := range sess.VisitIDs {
			if v, ok := byID[id]; ok {
				visits = append(visits, v)
			}
		}
		sortVisits(visits)

		bestStart, bestCount := 0, 0
		left := 0
		for right := range visits {
			for visits[right].Timestamp.Sub(visits[left].Timestamp) > window {
				left++
			}
			if count := right - left + 1; count > bestCount {
				bestStart, bestCount = left, count
			}
		}
		if bestCount <= limit {
			continue
		}

		dense := visits[bestStart : bestStart+bestCount]
		ids := make([]int64, 0, len(dense))
		for _, v := range dense {
			ids = append(ids, v.ID)
		}
		excess := bestCount - limit
		severity := model.SeverityMedium
		if bestCount >= 2*limit {
			severity = model.SeverityHigh
		}
		start := dense[0].Timestamp

		out = append(out, model.Anomaly{
			ID:          anomalyID(HeuristicBurst, sess.ID, start.UnixNano()),
			Heuristic:   HeuristicBurst,
			Category:    category.BurstActivity,
			Severity:    severity,
			Description: fmt.Sprintf("Session recorded %d visits within %s (limit %d)", bestCount, window, limit),
			Score:       capScore(burstBaseScore+burstStepScore*float64(excess), burstMaxScore),
			Timestamp:   start,
			VisitIDs:    ids,
			SessionIDs:  []string{sess.ID},
			Details: map[string]string{
				"visits":           strconv.Itoa(bestCount),
				"max_visits":       strconv.Itoa(limit),
				"window":           window.String(),
				"window_end":       dense[len(dense)-1].Timestamp.UTC().Format(time.RFC3339),
				"session_duration": sess.Duration().String(),
			},
		})
	}
	return out
}

// cooccurrence flags visits to suspicious TLDs that have a download close in time
func (d *Detector) cooccurrence(in *Input, c *diag.Collector) []model.Anomaly {
	downloads := make([]model.Download, 0, len(in.Downloads))
	for _, dl := range in.Downloads {
		if dl.Timestamp.IsZero() {
			subject := fmt.Sprintf("download %d", dl.ID)
			c.Add(subject, &diag.ValidationError{Record: subject, Field: "timestamp", Message: "missing or invalid timestamp, excluded from co-occurrence"})
			continue
		}
		downloads = append(downloads, dl)
	}
	if len(downloads) == 0 {
		return nil
	}
	sort.SliceStable(downloads, func(i, j int) bool {
		if !downloads[i].Timestamp.Equal(downloads[j].Timestamp) {
			return downloads[i].Timestamp.Before(downloads[j].Timestamp)
		}
		return downloads[i].ID < downloads[j].ID
	})

	window := d.cfg.Cooccurrence.Window
	var out []model.Anomaly
	for _, v := range orderedVisits(in.Visits) {
		attrs := d.cache.Get(v.URL)
		if !attrs.Parsed || attrs.TLD == "" || !d.suspiciousTLDs[attrs.TLD] {
			continue
		}

		lo := sort.Search(len(downloads), func(i int) bool {
			return !downloads[i].Timestamp.Before(v.Timestamp.Add(-window))
		})
		var ids []int64
		var targets []string
		executable := false
		for i := lo; i < len(downloads) && !downloads[i].Timestamp.After(v.Timestamp.Add(window)); i++ {
			dl := downloads[i]
			ids = append(ids, dl.ID)
			ext := downloadExtension(dl)
			if d.downloadExts[ext] {
				executable = true
			}
			if dl.TargetPath != "" {
				targets = append(targets, dl.TargetPath)
			}
		}
		if len(ids) == 0 {
			continue
		}

		severity := model.SeverityMedium
		if executable {
			severity = model.SeverityHigh
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		out = append(out, model.Anomaly{
			ID:          anomalyID(HeuristicCooccurrence, strconv.FormatInt(v.ID, 10), v.Timestamp.UnixNano()),
			Heuristic:   HeuristicCooccurrence,
			Category:    category.IndicatorCooccurrence,
			Severity:    severity,
			Description: fmt.Sprintf("Visit to .%s domain within %s of %d download(s)", attrs.TLD, window, len(ids)),
			Score:       capScore(cooccurBaseScore+cooccurStepScore*float64(len(ids)-1), cooccurMaxScore),
			Timestamp:   v.Timestamp,
			VisitIDs:    []int64{v.ID},
			SessionIDs:  sessionOf(in, v.ID),
			DownloadIDs: ids,
			Details: map[string]string{
				"tld":               attrs.TLD,
				"host":              attrs.Host,
				"registered_domain": attrs.RegisteredDomain,
				"targets":           strings.Join(targets, ","),
			},
		})
	}
	return out
}

// ruleEscalation raises one anomaly per visit matched by a rule in a
// high-severity category
func (d *Detector) ruleEscalation(in *Input, c *diag.Collector) []model.Anomaly {
	byVisit := make(map[int64][]model.RuleMatch)
	for _, m := range in.Matches {
		if !d.registry.Has(m.Category) {
			c.Add(fmt.Sprintf("rule %s", m.RuleName),
				fmt.Errorf("match on visit %d has unknown category %q, skipped by escalation", m.VisitID, m.Category))
			continue
		}
		if d.highSeverity.Contains(m.Category) {
			byVisit[m.VisitID] = append(byVisit[m.VisitID], m)
		}
	}

	var out []model.Anomaly
	for _, v := range orderedVisits(in.Visits) {
		matches := byVisit[v.ID]
		if len(matches) == 0 {
			continue
		}

		top := matches[0]
		severity := top.Severity
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.RuleName)
			if m.RiskScore > top.RiskScore {
				top = m
			}
			if m.Severity.Rank() > severity.Rank() {
				severity = m.Severity
			}
		}

		out = append(out, model.Anomaly{
			ID:          anomalyID(HeuristicRuleEscalation, strconv.FormatInt(v.ID, 10), v.Timestamp.UnixNano()),
			Heuristic:   HeuristicRuleEscalation,
			Category:    top.Category,
			Severity:    severity,
			Description: fmt.Sprintf("Visit matched high-severity rule(s): %s", strings.Join(names, ", ")),
			Score:       capScore(float64(top.RiskScore), MaxScore),
			Timestamp:   v.Timestamp,
			VisitIDs:    []int64{v.ID},
			SessionIDs:  sessionOf(in, v.ID),
			RuleNames:   names,
			Details: map[string]string{
				"top_rule": top.RuleName,
			},
		})
	}
	return out
}

// offHours flags visits outside the configured normal hours
func (d *Detector) offHours(in *Input, _ *diag.Collector) []model.Anomaly {
	var out []model.Anomaly
	for _, v := range orderedVisits(in.Visits) {
		if d.hours.Contains(v.Timestamp) {
			continue
		}
		local := v.Timestamp.In(d.hours.Location)
		out = append(out, model.Anomaly{
			ID:          anomalyID(HeuristicOffHours, strconv.FormatInt(v.ID, 10), v.Timestamp.UnixNano()),
			Heuristic:   HeuristicOffHours,
			Category:    category.OffHoursActivity,
			Severity:    model.SeverityLow,
			Description: fmt.Sprintf("Visit at %s outside normal hours %s-%s", local.Format("15:04"), d.cfg.NormalHours.Start, d.cfg.NormalHours.End),
			Score:       offHoursScore,
			Timestamp:   v.Timestamp,
			VisitIDs:    []int64{v.ID},
			SessionIDs:  sessionOf(in, v.ID),
			Details: map[string]string{
				"local_time": local.Format("15:04:05"),
				"timezone":   d.hours.Location.String(),
			},
		})
	}
	return out
}

// directIP raises one anomaly per session that navigated to a literal IP host
func (d *Detector) directIP(in *Input, _ *diag.Collector) []model.Anomaly {
	byID := visitIndex(in.Visits)

	var out []model.Anomaly
	for _, sess := range in.Sessions {
		var hits []model.Visit
		for _, id := range sess.VisitIDs {
			v, ok := byID[id]
			if !ok || v.Timestamp.IsZero() {
				continue
			}
			if attrs := d.cache.Get(v.URL); attrs.Parsed && attrs.IsIP {
				hits = append(hits, v)
			}
		}
		if len(hits) == 0 {
			continue
		}
		sortVisits(hits)

		ids := make([]int64, 0, len(hits))
		hosts := make([]string, 0, len(hits))
		for _, v := range hits {
			ids = append(ids, v.ID)
			host := d.cache.Get(v.URL).IP.String()
			if !containsString(hosts, host) {
				hosts = append(hosts, host)
			}
		}
		start := hits[0].Timestamp

		out = append(out, model.Anomaly{
			ID:          anomalyID(HeuristicDirectIP, sess.ID, start.UnixNano()),
			Heuristic:   HeuristicDirectIP,
			Category:    category.IPAddress,
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("Session navigated to %d literal IP address(es)", len(hosts)),
			Score:       capScore(directIPBase+directIPStep*float64(len(hits)-1), directIPMax),
			Timestamp:   start,
			VisitIDs:    ids,
			SessionIDs:  []string{sess.ID},
			Details: map[string]string{
				"hosts":  strings.Join(hosts, ","),
				"visits": strconv.Itoa(len(hits)),
			},
		})
	}
	return out
}

// downloadURL flags visits whose URL path ends in a download extension
func (d *Detector) downloadURL(in *Input, _ *diag.Collector) []model.Anomaly {
	var out []model.Anomaly
	for _, v := range orderedVisits(in.Visits) {
		attrs := d.cache.Get(v.URL)
		if !attrs.Parsed || attrs.Extension == "" || !d.downloadExts[attrs.Extension] {
			continue
		}
		out = append(out, model.Anomaly{
			ID:          anomalyID(HeuristicDownloadURL, strconv.FormatInt(v.ID, 10), v.Timestamp.UnixNano()),
			Heuristic:   HeuristicDownloadURL,
			Category:    category.Download,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("Visit URL points at a .%s file", attrs.Extension),
			Score:       downloadURLScore,
			Timestamp:   v.Timestamp,
			VisitIDs:    []int64{v.ID},
			SessionIDs:  sessionOf(in, v.ID),
			Details: map[string]string{
				"extension":         attrs.Extension,
				"host":              attrs.Host,
				"registered_domain": attrs.RegisteredDomain,
			},
		})
	}
	return out
}

func containsString(list []string, value string) bool {
	for _, s := range list {
		if s == value {
			return true
		}
	}
	return false
}

func visitIndex(visits []model.Visit) map[int64]model.Visit {
	m := make(map[int64]model.Visit, len(visits))
	for _, v := range visits {
		m[v.ID] = v
	}
	return m
}

func orderedVisits(visits []model.Visit) []model.Visit {
	out := make([]model.Visit, 0, len(visits))
	for _, v := range visits {
		if !v.Timestamp.IsZero() {
			out = append(out, v)
		}
	}
	sortVisits(out)
	return out
}

func sortVisits(visits []model.Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		if !visits[i].Timestamp.Equal(visits[j].Timestamp) {
			return visits[i].Timestamp.Before(visits[j].Timestamp)
		}
		return visits[i].ID < visits[j].ID
	})
}

func sessionOf(in *Input, visitID int64) []string {
	if sid, ok := in.VisitToSession[visitID]; ok {
		return []string{sid}
	}
	return nil
}

// downloadExtension returns the lower-case extension of the download target,
// falling back to the source URL path
func downloadExtension(dl model.Download) string {
	name := dl.TargetPath
	if name == "" {
		name = dl.URL
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
	}
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}
