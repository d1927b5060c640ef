package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/model"
	"github.com/walrusec/browser-timeliner/internal/urlinfo"
)

// Options tune an Engine
type Options struct {
	// Workers > 1 evaluates visits concurrently; output order is unchanged
	Workers int
	Cache   *urlinfo.Cache
	Logger  *slog.Logger
}

type compiledRule struct {
	def        RuleDefinition
	index      int
	conditions []condition
}

// Engine evaluates a compiled rule pack against visits
type Engine struct {
	rules           []compiledRule
	cache           *urlinfo.Cache
	workers         int
	logger          *slog.Logger
	loadDiagnostics []diag.Diagnostic
}

// Evaluation is the output of one Evaluate call
type Evaluation struct {
	Matches     []model.RuleMatch
	Diagnostics []diag.Diagnostic
	Evaluated   int
}

// NewEngine compiles pack. Rules that fail validation or compilation are
// skipped and reported through LoadDiagnostics; the rest still load.
func NewEngine(pack []RuleDefinition, registry *category.Registry, opts Options) *Engine {
	logger := logging.OrDiscard(opts.Logger)
	collector := diag.NewCollector(diag.StageRules, logger)

	e := &Engine{
		cache:   opts.Cache,
		workers: opts.Workers,
		logger:  logger,
	}

	seen := make(map[string]bool, len(pack))
	for i, def := range pack {
		if def.Disabled {
			logger.Debug("Skipping disabled rule", "rule", def.Name)
			continue
		}
		subject := fmt.Sprintf("rule %s", def.Name)
		if err := def.Validate(registry); err != nil {
			collector.Add(subject, err)
			continue
		}
		if seen[def.Name] {
			collector.Add(subject, &diag.RuleLoadError{Rule: def.Name, Message: "duplicate rule name"})
			continue
		}

		compiled, err := compileRule(def, i)
		if err != nil {
			collector.Add(subject, err)
			continue
		}
		seen[def.Name] = true
		e.rules = append(e.rules, compiled)
	}

	e.loadDiagnostics = collector.Items()
	logger.Info("Rule pack compiled", "rules_loaded", len(e.rules), "rules_skipped", len(e.loadDiagnostics))
	return e
}

func compileRule(def RuleDefinition, index int) (compiledRule, error) {
	cr := compiledRule{def: def, index: index}
	for _, c := range def.Conditions {
		compiled, err := compileCondition(c)
		if err != nil {
			return compiledRule{}, &diag.RuleLoadError{Rule: def.Name, Message: "invalid condition", Err: err}
		}
		cr.conditions = append(cr.conditions, compiled)
	}
	return cr, nil
}

// Rules returns the definitions that compiled, in pack order
func (e *Engine) Rules() []RuleDefinition {
	out := make([]RuleDefinition, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.def)
	}
	return out
}

// LoadDiagnostics returns one RuleLoadError diagnostic per skipped rule
func (e *Engine) LoadDiagnostics() []diag.Diagnostic {
	return append([]diag.Diagnostic(nil), e.loadDiagnostics...)
}

// Evaluate runs every compiled rule against every visit. Matches are ordered
// by (timestamp, visit id, pack index).
func (e *Engine) Evaluate(visits []model.Visit, visitToSession map[int64]string, searchTerms map[string][]string) Evaluation {
	ordered := append([]model.Visit(nil), visits...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	matches := make([][]model.RuleMatch, len(ordered))
	diags := make([][]diag.Diagnostic, len(ordered))
	run := func(i int) {
		v := ordered[i]
		matches[i], diags[i] = e.evaluateVisit(v, visitToSession[v.ID], searchTerms[v.URL])
	}

	if e.workers <= 1 || len(ordered) < 2 {
		for i := range ordered {
			run(i)
		}
	} else {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < e.workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					run(i)
				}
			}()
		}
		for i := range ordered {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	out := Evaluation{Evaluated: len(ordered)}
	for i := range ordered {
		out.Matches = append(out.Matches, matches[i]...)
		out.Diagnostics = append(out.Diagnostics, diags[i]...)
	}

	e.logger.Debug("Rule evaluation complete",
		"visits", len(ordered),
		"rules", len(e.rules),
		"matches", len(out.Matches),
		"workers", e.workers)
	return out
}

func (e *Engine) evaluateVisit(v model.Visit, sessionID string, terms []string) ([]model.RuleMatch, []diag.Diagnostic) {
	s := &subject{
		visit:       v,
		attrs:       e.cache.Get(v.URL),
		searchTerms: terms,
	}

	var matches []model.RuleMatch
	var collector *diag.Collector
	for _, rule := range e.rules {
		evidence, ok, err := rule.match(s)
		if err != nil {
			if collector == nil {
				collector = diag.NewCollector(diag.StageRules, e.logger)
			}
			collector.Add(fmt.Sprintf("visit %d", v.ID), err)
			continue
		}
		if !ok {
			continue
		}
		matches = append(matches, model.RuleMatch{
			RuleName:          rule.def.Name,
			Category:          rule.def.Category,
			Severity:          rule.def.Severity,
			RiskScore:         rule.def.RiskScore,
			FalsePositiveRate: rule.def.FalsePositiveRate,
			Tags:              rule.def.Tags,
			IOCType:           rule.def.IOCType,
			VisitID:           v.ID,
			SessionID:         sessionID,
			Timestamp:         v.Timestamp,
			PackIndex:         rule.index,
			Evidence:          evidence,
		})
	}

	if collector == nil {
		return matches, nil
	}
	return matches, collector.Items()
}

// match holds iff every non-exclusion condition holds and no exclusion does
func (r *compiledRule) match(s *subject) (map[string]string, bool, error) {
	evidence := make(map[string]string, len(r.conditions))
	for _, c := range r.conditions {
		ok, value, err := c.eval(s)
		if err != nil {
			return nil, false, &diag.RuleEvaluationError{Rule: r.def.Name, Condition: c.kind(), VisitID: s.visit.ID, Err: err}
		}
		if c.exclusion() {
			if ok {
				return nil, false, nil
			}
			continue
		}
		if !ok {
			return nil, false, nil
		}
		if value != "" {
			evidence[c.kind()] = value
		}
	}
	return evidence, true, nil
}
