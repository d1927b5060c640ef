package rules

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/walrusec/browser-timeliner/internal/category"
	"github.com/walrusec/browser-timeliner/internal/diag"
	"github.com/walrusec/browser-timeliner/internal/logging"
	"github.com/walrusec/browser-timeliner/internal/model"
)

//go:embed schema/rule.json
var ruleSchema []byte

//go:embed default_rules.yaml
var defaultRules []byte

// defaultRiskScores fills risk_score when a rule omits it
var defaultRiskScores = map[model.Severity]int{
	model.SeverityInformational: 5,
	model.SeverityLow:           20,
	model.SeverityMedium:        40,
	model.SeverityHigh:          70,
	model.SeverityCritical:      90,
}

type document struct {
	Version  int               `yaml:"version"`
	Metadata map[string]string `yaml:"metadata"`
	Rules    []yaml.Node       `yaml:"rules"`
}

type entry struct {
	Name              string    `yaml:"name"`
	Category          string    `yaml:"category"`
	Severity          string    `yaml:"severity"`
	RiskScore         *int      `yaml:"risk_score"`
	FalsePositiveRate string    `yaml:"false_positive_rate"`
	Description       string    `yaml:"description"`
	Enabled           *bool     `yaml:"enabled"`
	Tags              []string  `yaml:"tags"`
	IOCType           string    `yaml:"ioc_type"`
	Conditions        yaml.Node `yaml:"conditions"`
}

// Loader parses rule packs from YAML
type Loader struct {
	registry *category.Registry
	schema   *gojsonschema.Schema
	logger   *slog.Logger
}

// NewLoader creates a loader that validates categories against registry
func NewLoader(registry *category.Registry, logger *slog.Logger) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(ruleSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load rule schema: %w", err)
	}
	return &Loader{
		registry: registry,
		schema:   schema,
		logger:   logging.OrDiscard(logger),
	}, nil
}

// LoadFile reads a rule pack from path
func (l *Loader) LoadFile(path string) (*Pack, []diag.Diagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	l.logger.Info("Loading rule pack", "path", path)
	return l.Load(data)
}

// LoadDefault returns the built-in rule pack
func (l *Loader) LoadDefault() (*Pack, []diag.Diagnostic, error) {
	return l.Load(defaultRules)
}

// Load parses a rule pack document. Only a malformed document is an error;
// invalid entries are skipped and reported as RuleLoadError diagnostics.
func (l *Loader) Load(data []byte) (*Pack, []diag.Diagnostic, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse rule pack: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}

	collector := diag.NewCollector(diag.StageRules, l.logger)
	pack := &Pack{Version: doc.Version, Metadata: doc.Metadata}
	seen := make(map[string]bool, len(doc.Rules))

	for i := range doc.Rules {
		def, enabled, err := l.parseEntry(&doc.Rules[i])
		subject := fmt.Sprintf("rule %s", def.Name)
		if def.Name == "" {
			subject = fmt.Sprintf("rule #%d", i+1)
		}
		if err != nil {
			collector.Add(subject, err)
			continue
		}
		if !enabled {
			l.logger.Debug("Skipping disabled rule", "rule", def.Name)
			continue
		}
		if seen[def.Name] {
			collector.Add(subject, &diag.RuleLoadError{Rule: def.Name, Message: "duplicate rule name, keeping the first definition"})
			continue
		}
		seen[def.Name] = true
		pack.Rules = append(pack.Rules, def)
	}

	l.logger.Info("Rule pack loaded",
		"version", pack.Version,
		"rules", len(pack.Rules),
		"skipped", collector.Len())
	return pack, collector.Items(), nil
}

func (l *Loader) parseEntry(node *yaml.Node) (RuleDefinition, bool, error) {
	var e entry
	decodeErr := node.Decode(&e)
	def := RuleDefinition{Name: e.Name}
	if decodeErr != nil {
		return def, false, &diag.RuleLoadError{Rule: e.Name, Message: "malformed rule entry", Err: decodeErr}
	}
	if err := l.validateSchema(node); err != nil {
		return def, false, &diag.RuleLoadError{Rule: e.Name, Message: "schema validation failed", Err: err}
	}

	severity := model.SeverityMedium
	if e.Severity != "" {
		s, err := model.ParseSeverity(e.Severity)
		if err != nil {
			return def, false, &diag.RuleLoadError{Rule: e.Name, Message: "invalid severity", Err: err}
		}
		severity = s
	}
	fp, err := model.ParseFalsePositiveRate(e.FalsePositiveRate)
	if err != nil {
		return def, false, &diag.RuleLoadError{Rule: e.Name, Message: "invalid false_positive_rate", Err: err}
	}
	conditions, err := parseConditions(&e.Conditions)
	if err != nil {
		return def, false, &diag.RuleLoadError{Rule: e.Name, Message: "invalid conditions", Err: err}
	}

	def = RuleDefinition{
		Name:              strings.TrimSpace(e.Name),
		Category:          strings.TrimSpace(e.Category),
		Severity:          severity,
		RiskScore:         defaultRiskScores[severity],
		FalsePositiveRate: fp,
		Description:       e.Description,
		Conditions:        conditions,
		Tags:              e.Tags,
		IOCType:           e.IOCType,
		Disabled:          e.Enabled != nil && !*e.Enabled,
	}
	if e.RiskScore != nil {
		def.RiskScore = *e.RiskScore
	}
	if err := def.Validate(l.registry); err != nil {
		return def, false, err
	}
	return def, !def.Disabled, nil
}

// validateSchema checks one rule entry against the embedded JSON schema
func (l *Loader) validateSchema(node *yaml.Node) error {
	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("failed to decode rule entry: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal rule entry: %w", err)
	}

	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return fmt.Errorf("validation failed: %v", errors)
	}
	return nil
}

// parseConditions reads the conditions mapping in document order
func parseConditions(node *yaml.Node) ([]RuleCondition, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("conditions must be a mapping")
	}

	conditions := make([]RuleCondition, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		kind := node.Content[i].Value
		value := node.Content[i+1]
		c := RuleCondition{Kind: kind}

		if IsFlagKind(kind) {
			if err := value.Decode(&c.Flag); err != nil {
				return nil, fmt.Errorf("condition %s must be a boolean: %w", kind, err)
			}
			conditions = append(conditions, c)
			continue
		}

		switch value.Kind {
		case yaml.SequenceNode:
			if err := value.Decode(&c.Values); err != nil {
				return nil, fmt.Errorf("condition %s must be a list of strings: %w", kind, err)
			}
		case yaml.ScalarNode:
			c.Values = []string{value.Value}
		default:
			return nil, fmt.Errorf("condition %s must be a list of strings", kind)
		}
		conditions = append(conditions, c)
	}
	return conditions, nil
}
