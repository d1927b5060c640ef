package rules

import (
	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/model"
)

// RuleCondition is one tagged condition of a rule. List kinds use Values,
// boolean kinds use Flag.
type RuleCondition struct {
	Kind   string   `yaml:"kind" json:"kind"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
	Flag   bool     `yaml:"flag,omitempty" json:"flag,omitempty"`
}

// RuleDefinition is a declarative detection rule. The zero value of Disabled
// keeps the rule active.
type RuleDefinition struct {
	Name              string                  `yaml:"name" json:"name"`
	Category          string                  `yaml:"category" json:"category"`
	Severity          model.Severity          `yaml:"severity" json:"severity"`
	RiskScore         int                     `yaml:"risk_score" json:"risk_score"`
	FalsePositiveRate model.FalsePositiveRate `yaml:"false_positive_rate" json:"false_positive_rate"`
	Description       string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Conditions        []RuleCondition         `yaml:"conditions" json:"conditions"`
	Tags              []string                `yaml:"tags,omitempty" json:"tags,omitempty"`
	IOCType           string                  `yaml:"ioc_type,omitempty" json:"ioc_type,omitempty"`
	Disabled          bool                    `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Pack is an ordered rule collection as loaded from one source
type Pack struct {
	Version  int               `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Rules    []RuleDefinition  `json:"rules"`
}

// Validate checks the fields a rule needs before its conditions are compiled
func (r *RuleDefinition) Validate(registry *category.Registry) error {
	if r.Name == "" {
		return &diag.RuleLoadError{Rule: r.Name, Message: "rule name is required"}
	}
	if err := registry.Validate(r.Category); err != nil {
		return &diag.RuleLoadError{Rule: r.Name, Message: "invalid category", Err: err}
	}
	if r.Severity.Rank() < 0 {
		return &diag.RuleLoadError{Rule: r.Name, Message: "invalid severity, must be informational/low/medium/high/critical"}
	}
	if r.RiskScore < 0 || r.RiskScore > 100 {
		return &diag.RuleLoadError{Rule: r.Name, Message: "risk_score must be between 0 and 100"}
	}
	if _, err := model.ParseFalsePositiveRate(string(r.FalsePositiveRate)); err != nil {
		return &diag.RuleLoadError{Rule: r.Name, Message: "invalid false_positive_rate", Err: err}
	}
	if len(r.Conditions) == 0 {
		return &diag.RuleLoadError{Rule: r.Name, Message: "rule has no conditions"}
	}
	return nil
}
