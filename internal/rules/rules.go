// Package rules maps log lines to anomaly types.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

type RuleYAML struct {
	Name    string  `yaml:"name"`
	Pattern string  `yaml:"pattern"` // regex
	Type    string  `yaml:"type"`    // IO_ERROR, PERFORMANCE, ...
	Score   float64 `yaml:"score"`   // base score in [0,1]
}

type Rule struct {
	Name  string
	RE    *regexp.Regexp
	Type  string
	Score float64
}

// Set is ordered; the first matching rule wins.
type Set struct {
	Items []Rule
}

// Defaults cover the categories the dashboard knows about.
func Defaults() *Set {
	s, _ := compile([]RuleYAML{
		{Name: "io-exception", Pattern: `IOException`, Type: "IO_ERROR", Score: 0.9},
		{Name: "slow-receiver", Pattern: `Slow BlockReceiver`, Type: "PERFORMANCE", Score: 0.7},
		{Name: "jvm-pause", Pattern: `Detected pause in JVM`, Type: "PERFORMANCE", Score: 0.7},
		{Name: "corruption", Pattern: `(?i)corrupt`, Type: "DATA_CORRUPTION", Score: 0.95},
		{Name: "node-shutdown", Pattern: `FATAL .*shutting down`, Type: "GENERAL_ERROR", Score: 0.95},
		{Name: "exception", Pattern: `Exception`, Type: "GENERAL_ERROR", Score: 0.85},
	})
	return s
}

// LoadFromFile reads a rule list. A missing file falls back to Defaults.
func LoadFromFile(path string) (*Set, error) {
	if path == "" {
		return Defaults(), nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	var raw []RuleYAML
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return compile(raw)
}

func compile(raw []RuleYAML) (*Set, error) {
	out := &Set{}
	var errs []error
	for _, r := range raw {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		if r.Score < 0 || r.Score > 1 {
			errs = append(errs, fmt.Errorf("rule %q: score %v out of [0,1]", r.Name, r.Score))
			continue
		}
		if r.Type == "" {
			r.Type = "UNKNOWN"
		}
		out.Items = append(out.Items, Rule{Name: r.Name, RE: re, Type: r.Type, Score: r.Score})
	}
	return out, errors.Join(errs...)
}

// Match returns the first rule matching line.
func (s *Set) Match(line string) (Rule, bool) {
	for _, r := range s.Items {
		if r.RE.MatchString(line) {
			return r, true
		}
	}
	return Rule{}, false
}
