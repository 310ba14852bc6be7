package sentinel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition is one structured check inside a ThreatPattern. Conditions are
// plain data so pattern files can be validated and versioned without
// executing code.
type Condition struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required,oneof=equals regex gt lt"`
	Value    string `json:"value" validate:"required"`
}

// ThreatPattern is a named structural rule with AND semantics across its
// conditions. Patterns are immutable at runtime; updates arrive only as a
// full library reload.
type ThreatPattern struct {
	ID          string      `json:"id" validate:"required"`
	Description string      `json:"description"`
	Conditions  []Condition `json:"conditions" validate:"required,min=1,dive"`
	Confidence  float64     `json:"confidence" validate:"gte=0,lte=1"`
}

type compiledCondition struct {
	field     string
	operator  string
	value     string
	re        *regexp.Regexp
	threshold float64
}

type compiledPattern struct {
	ThreatPattern
	conditions []compiledCondition
}

// RateMetrics carries the externally supplied numeric signals that gt/lt
// conditions compare against.
type RateMetrics struct {
	RequestRate float64
	ErrorRate   float64
}

func (m RateMetrics) value(field string) (float64, bool) {
	switch field {
	case "request_rate":
		return m.RequestRate, true
	case "error_rate":
		return m.ErrorRate, true
	}
	return 0, false
}

// PatternMatch is the winning pattern for an event.
type PatternMatch struct {
	PatternID   string
	Description string
	Confidence  float64
}

// PatternLibrary is a versioned, immutable set of compiled patterns shared
// by reference across all workers.
type PatternLibrary struct {
	Version  string
	patterns []compiledPattern
}

// CompilePatterns validates and compiles a pattern list. Any malformed
// pattern fails the whole compile; an engine must not start with a library
// it only partially understands.
func CompilePatterns(version string, patterns []ThreatPattern) (*PatternLibrary, error) {
	lib := &PatternLibrary{Version: version}
	seen := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("pattern with empty id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate pattern id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Confidence < 0 || p.Confidence > 1 {
			return nil, fmt.Errorf("pattern %s: confidence %v outside [0,1]", p.ID, p.Confidence)
		}
		if len(p.Conditions) == 0 {
			return nil, fmt.Errorf("pattern %s: no conditions", p.ID)
		}
		cp := compiledPattern{ThreatPattern: p}
		for i, cond := range p.Conditions {
			cc := compiledCondition{field: cond.Field, operator: cond.Operator, value: cond.Value}
			switch cond.Operator {
			case "equals":
			case "regex":
				re, err := regexp.Compile(cond.Value)
				if err != nil {
					return nil, fmt.Errorf("pattern %s condition %d: bad regex: %w", p.ID, i, err)
				}
				cc.re = re
			case "gt", "lt":
				threshold, err := strconv.ParseFloat(cond.Value, 64)
				if err != nil {
					return nil, fmt.Errorf("pattern %s condition %d: %s needs a numeric value: %w", p.ID, i, cond.Operator, err)
				}
				cc.threshold = threshold
				if _, ok := (RateMetrics{}).value(cond.Field); !ok {
					return nil, fmt.Errorf("pattern %s condition %d: unknown rate field %q", p.ID, i, cond.Field)
				}
			default:
				return nil, fmt.Errorf("pattern %s condition %d: unknown operator %q", p.ID, i, cond.Operator)
			}
			cp.conditions = append(cp.conditions, cc)
		}
		lib.patterns = append(lib.patterns, cp)
	}
	return lib, nil
}

// Len reports the number of patterns in the library.
func (pl *PatternLibrary) Len() int {
	if pl == nil {
		return 0
	}
	return len(pl.patterns)
}

// Match evaluates every pattern against the event. When several match, the
// highest confidence wins; ties keep the earliest declared pattern so the
// outcome is deterministic. No match returns nil.
func (pl *PatternLibrary) Match(event *SecurityEvent, metrics RateMetrics) *PatternMatch {
	if pl == nil || event == nil {
		return nil
	}
	var best *PatternMatch
	for i := range pl.patterns {
		p := &pl.patterns[i]
		if !p.matches(event, metrics) {
			continue
		}
		if best == nil || p.Confidence > best.Confidence {
			best = &PatternMatch{
				PatternID:   p.ID,
				Description: p.Description,
				Confidence:  p.Confidence,
			}
		}
	}
	return best
}

func (p *compiledPattern) matches(event *SecurityEvent, metrics RateMetrics) bool {
	for i := range p.conditions {
		if !p.conditions[i].matches(event, metrics) {
			return false
		}
	}
	return true
}

func (c *compiledCondition) matches(event *SecurityEvent, metrics RateMetrics) bool {
	switch c.operator {
	case "equals":
		value, ok := event.Field(c.field)
		return ok && strings.EqualFold(value, c.value)
	case "regex":
		value, ok := event.Field(c.field)
		return ok && c.re.MatchString(value)
	case "gt":
		value, ok := metrics.value(c.field)
		return ok && value > c.threshold
	case "lt":
		value, ok := metrics.value(c.field)
		return ok && value < c.threshold
	}
	return false
}
