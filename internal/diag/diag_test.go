package diag

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ClassifiesByErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", &ValidationError{Record: "visit 1", Field: "timestamp", Message: "missing"}, KindValidation},
		{"rule load", &RuleLoadError{Rule: "r", Message: "bad"}, KindRuleLoad},
		{"rule evaluation", &RuleEvaluationError{Rule: "r", Condition: "tlds", VisitID: 1, Err: errors.New("boom")}, KindRuleEvaluation},
		{"wrapped validation", fmt.Errorf("ingest: %w", &ValidationError{Record: "visit 2"}), KindValidation},
		{"plain error", errors.New("unknown category"), KindHeuristic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector(StageRules, nil)
			c.Add("subject", tt.err)

			items := c.Items()
			require.Len(t, items, 1)
			assert.Equal(t, tt.want, items[0].Kind)
			assert.Equal(t, StageRules, items[0].Stage)
			assert.Equal(t, tt.err.Error(), items[0].Message)
		})
	}
}

func TestCollector_IgnoresNilAndCopiesItems(t *testing.T) {
	c := NewCollector(StageSession, nil)
	c.Add("visit 1", nil)
	assert.Equal(t, 0, c.Len())

	c.Add("visit 1", &ValidationError{Record: "visit 1", Field: "id", Message: "duplicate visit id"})
	items := c.Items()
	items[0].Subject = "changed"
	assert.Equal(t, "visit 1", c.Items()[0].Subject)
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("bad cidr")

	loadErr := &RuleLoadError{Rule: "r", Message: "invalid condition", Err: cause}
	assert.ErrorIs(t, loadErr, cause)
	assert.Equal(t, `rule "r": invalid condition: bad cidr`, loadErr.Error())

	evalErr := &RuleEvaluationError{Rule: "r", Condition: "tlds", VisitID: 7, Err: cause}
	assert.ErrorIs(t, evalErr, cause)

	cfgErr := &ConfigurationError{Field: "idle_threshold", Message: "must be positive"}
	assert.Equal(t, "configuration: idle_threshold: must be positive", cfgErr.Error())
}

func TestCount(t *testing.T) {
	items := []Diagnostic{{Kind: KindValidation}, {Kind: KindRuleLoad}, {Kind: KindValidation}}
	assert.Equal(t, 2, Count(items, KindValidation))
	assert.Equal(t, 0, Count(items, KindHeuristic))
	assert.Equal(t, 0, Count(nil, KindRuleLoad))
}
