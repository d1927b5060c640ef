package model

import (
	"fmt"
	"strings"
)

// Severity is the analyst-facing weight of a rule match or anomaly
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInformational: 0,
	SeverityLow:           1,
	SeverityMedium:        2,
	SeverityHigh:          3,
	SeverityCritical:      4,
}

// ParseSeverity normalizes and validates a severity string
func ParseSeverity(value string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := severityRank[s]; !ok {
		return "", fmt.Errorf("invalid severity %q, must be informational/low/medium/high/critical", value)
	}
	return s, nil
}

// Rank orders severities from informational (0) to critical (4); unknown values rank -1
func (s Severity) Rank() int {
	if rank, ok := severityRank[s]; ok {
		return rank
	}
	return -1
}

// FalsePositiveRate is the expected noise level of a rule
type FalsePositiveRate string

const (
	FPVeryLow  FalsePositiveRate = "very_low"
	FPLow      FalsePositiveRate = "low"
	FPMedium   FalsePositiveRate = "medium"
	FPHigh     FalsePositiveRate = "high"
	FPVeryHigh FalsePositiveRate = "very_high"
)

// ParseFalsePositiveRate normalizes and validates a false positive rate; empty defaults to medium
func ParseFalsePositiveRate(value string) (FalsePositiveRate, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch FalsePositiveRate(v) {
	case FPVeryLow, FPLow, FPMedium, FPHigh, FPVeryHigh:
		return FalsePositiveRate(v), nil
	case "":
		return FPMedium, nil
	}
	return "", fmt.Errorf("invalid false_positive_rate %q, must be very_low/low/medium/high/very_high", value)
}
