// Package diag holds the error taxonomy of an analysis run and the diagnostics
// that contained failures are reported through.
package diag

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/walrusec/browser-timeliner/internal/logging"
)

// Kind classifies a diagnostic
type Kind string

const (
	KindValidation     Kind = "validation"
	KindRuleLoad       Kind = "rule_load"
	KindRuleEvaluation Kind = "rule_evaluation"
	KindHeuristic      Kind = "heuristic"
)

// Stage names the pipeline stage that raised a diagnostic
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageSession   Stage = "sessionizer"
	StageRules     Stage = "rule_engine"
	StageAnomalies Stage = "anomaly_detector"
)

// ErrEmptyBundle is returned when the history bundle is absent or has no visits
var ErrEmptyBundle = errors.New("history bundle is empty or absent")

// Diagnostic is one contained, per-record or per-rule failure
type Diagnostic struct {
	Stage   Stage  `json:"stage"`
	Kind    Kind   `json:"kind"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s/%s] %s: %s", d.Stage, d.Kind, d.Subject, d.Message)
}

// ValidationError represents malformed per-record input
type ValidationError struct {
	Record  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Record + ": " + e.Field + ": " + e.Message
}

// RuleLoadError represents a rule definition that could not be compiled
type RuleLoadError struct {
	Rule    string
	Message string
	Err     error
}

func (e *RuleLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %q: %s: %v", e.Rule, e.Message, e.Err)
	}
	return fmt.Sprintf("rule %q: %s", e.Rule, e.Message)
}

func (e *RuleLoadError) Unwrap() error { return e.Err }

// RuleEvaluationError represents a condition that could not evaluate an input
type RuleEvaluationError struct {
	Rule      string
	Condition string
	VisitID   int64
	Err       error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %q condition %s on visit %d: %v", e.Rule, e.Condition, e.VisitID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// ConfigurationError represents an invalid configuration value; it aborts the run
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Field + ": " + e.Message
}

// Collector accumulates diagnostics for one stage and mirrors them to the logger
type Collector struct {
	stage  Stage
	logger *slog.Logger
	items  []Diagnostic
}

// NewCollector creates a collector for the given stage; a nil logger discards output
func NewCollector(stage Stage, logger *slog.Logger) *Collector {
	return &Collector{stage: stage, logger: logging.OrDiscard(logger)}
}

// Add records a failure, classifying it by error type
func (c *Collector) Add(subject string, err error) {
	if err == nil {
		return
	}
	d := Diagnostic{Stage: c.stage, Subject: subject, Message: err.Error()}

	var (
		validationErr *ValidationError
		loadErr       *RuleLoadError
		evalErr       *RuleEvaluationError
	)
	switch {
	case errors.As(err, &validationErr):
		d.Kind = KindValidation
	case errors.As(err, &loadErr):
		d.Kind = KindRuleLoad
	case errors.As(err, &evalErr):
		d.Kind = KindRuleEvaluation
	default:
		d.Kind = KindHeuristic
	}

	c.items = append(c.items, d)
	c.logger.Warn("Record skipped", "stage", c.stage, "kind", d.Kind, "subject", subject, "error", err)
}

// Items returns the recorded diagnostics in insertion order
func (c *Collector) Items() []Diagnostic {
	out := make([]Diagnostic, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of recorded diagnostics
func (c *Collector) Len() int {
	return len(c.items)
}

// Count returns the number of diagnostics of the given kind
func Count(items []Diagnostic, kind Kind) int {
	n := 0
	for _, d := range items {
		if d.Kind == kind {
			n++
		}
	}
	return n
}
