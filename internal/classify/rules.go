package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/incidentstack/correlator/internal/models"
)

// RuleClassifier applies a YAML rule pack to incident snapshots. It is
// deterministic: the same snapshot always yields the same classification.
type RuleClassifier struct {
	rules  []compiledRule
	logger *slog.Logger
}

// Rule represents a single classification rule.
type Rule struct {
	ID                 string    `yaml:"id"`
	Match              RuleMatch `yaml:"match"`
	Category           string    `yaml:"category"`
	Severity           string    `yaml:"severity"`
	Summary            string    `yaml:"summary"`
	RecommendedActions []string  `yaml:"recommended_actions"`
}

// RuleMatch defines optional attributes for rule matching. All populated
// attributes must match; within message_patterns, any one pattern hitting
// any message is enough.
type RuleMatch struct {
	Service         string   `yaml:"service"`
	MessagePatterns []string `yaml:"message_patterns"`
	MinEventCount   int      `yaml:"min_event_count"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	rule     Rule
	patterns []*regexp.Regexp
}

// NewRuleClassifier loads a rule pack from path. A missing file yields a
// classifier that always falls back to the default classification.
func NewRuleClassifier(path string, logger *slog.Logger) (*RuleClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &RuleClassifier{logger: logger}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule pack not found, using defaults", slog.String("path", path))
			return c, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}

	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}

	for _, rule := range cfg.Rules {
		compiled := compiledRule{rule: rule}
		for _, pattern := range rule.Match.MessagePatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %s: bad pattern %q: %w", rule.ID, pattern, err)
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		c.rules = append(c.rules, compiled)
	}
	return c, nil
}

// Classify matches the snapshot against the rule pack in order and returns
// the first hit, falling back to a generic classification derived from the
// event volume.
func (c *RuleClassifier) Classify(_ context.Context, snapshot models.IncidentSnapshot) (models.Classification, error) {
	for _, compiled := range c.rules {
		if c.matches(compiled, snapshot) {
			return models.Classification{
				Category:           compiled.rule.Category,
				Severity:           severityOrDefault(compiled.rule.Severity, snapshot),
				Summary:            summaryOrDefault(compiled.rule.Summary, snapshot),
				RecommendedActions: append([]string(nil), compiled.rule.RecommendedActions...),
			}, nil
		}
	}
	return defaultClassification(snapshot), nil
}

func (c *RuleClassifier) matches(compiled compiledRule, snapshot models.IncidentSnapshot) bool {
	match := compiled.rule.Match
	if match.Service != "" && !strings.EqualFold(match.Service, snapshot.Service) {
		return false
	}
	if match.MinEventCount > 0 && snapshot.EventCount < match.MinEventCount {
		return false
	}
	if len(compiled.patterns) == 0 {
		return true
	}
	for _, re := range compiled.patterns {
		if anyMessageMatches(re, snapshot.Messages) {
			return true
		}
	}
	return false
}

func anyMessageMatches(re *regexp.Regexp, messages []string) bool {
	for _, msg := range messages {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

func severityOrDefault(severity string, snapshot models.IncidentSnapshot) models.Severity {
	switch models.Severity(severity) {
	case models.SeverityP1, models.SeverityP2, models.SeverityP3:
		return models.Severity(severity)
	}
	return volumeSeverity(snapshot.EventCount)
}

func summaryOrDefault(summary string, snapshot models.IncidentSnapshot) string {
	if summary != "" {
		return summary
	}
	return fmt.Sprintf("%d correlated events on %s", snapshot.EventCount, snapshot.Service)
}

func defaultClassification(snapshot models.IncidentSnapshot) models.Classification {
	return models.Classification{
		Category: "unclassified",
		Severity: volumeSeverity(snapshot.EventCount),
		Summary:  summaryOrDefault("", snapshot),
		RecommendedActions: []string{
			"review_recent_deployments",
			"check_upstream_dependencies",
		},
	}
}

func volumeSeverity(eventCount int) models.Severity {
	switch {
	case eventCount >= 50:
		return models.SeverityP1
	case eventCount >= 10:
		return models.SeverityP2
	default:
		return models.SeverityP3
	}
}
