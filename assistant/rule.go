package assistant

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smallnest/alertsmith/tagstream"
)

// ErrNoAlertingRule is returned when a tag body holds no usable rule.
var ErrNoAlertingRule = errors.New("no alerting rule found")

const defaultGroupName = "alertsmith"

// AlertingRule is one rule of a Prometheus rules file.
type AlertingRule struct {
	Alert       string            `yaml:"alert" json:"alert"`
	Expr        string            `yaml:"expr" json:"expr"`
	For         string            `yaml:"for,omitempty" json:"for,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// RuleGroup is a named group of alerting rules.
type RuleGroup struct {
	Name     string         `yaml:"name" json:"name"`
	Interval string         `yaml:"interval,omitempty" json:"interval,omitempty"`
	Rules    []AlertingRule `yaml:"rules" json:"rules"`
}

// RuleFile is a Prometheus rules file.
type RuleFile struct {
	Groups []RuleGroup `yaml:"groups" json:"groups"`
}

// ParseAlertingRule reads the YAML of an <alerting_rule> tag. The body may
// be a full rules file, a list of rules or a single rule, optionally inside
// a Markdown code fence; lists and single rules are wrapped in one group.
func ParseAlertingRule(text string) (*RuleFile, error) {
	body := strings.TrimSpace(text)
	if inner, ok := tagstream.ExtractTagContent(body, "alerting_rule"); ok {
		body = strings.TrimSpace(inner)
	}
	body = stripCodeFence(body)
	if body == "" {
		return nil, ErrNoAlertingRule
	}

	var file RuleFile
	if err := yaml.Unmarshal([]byte(body), &file); err == nil && len(file.Groups) > 0 {
		return &file, file.validate()
	}

	var rules []AlertingRule
	if err := yaml.Unmarshal([]byte(body), &rules); err == nil && len(rules) > 0 {
		file := &RuleFile{Groups: []RuleGroup{{Name: defaultGroupName, Rules: rules}}}
		return file, file.validate()
	}

	var rule AlertingRule
	if err := yaml.Unmarshal([]byte(body), &rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAlertingRule, err)
	}
	if rule.Alert == "" {
		return nil, ErrNoAlertingRule
	}
	file = RuleFile{Groups: []RuleGroup{{Name: defaultGroupName, Rules: []AlertingRule{rule}}}}
	return &file, file.validate()
}

func (f *RuleFile) validate() error {
	n := 0
	for _, g := range f.Groups {
		for i, r := range g.Rules {
			if r.Alert == "" || strings.TrimSpace(r.Expr) == "" {
				return fmt.Errorf("group %q rule %d: alert and expr are required", g.Name, i)
			}
			n++
		}
	}
	if n == 0 {
		return ErrNoAlertingRule
	}
	return nil
}

// Rules returns every rule across groups.
func (f *RuleFile) Rules() []AlertingRule {
	var rules []AlertingRule
	for _, g := range f.Groups {
		rules = append(rules, g.Rules...)
	}
	return rules
}

// YAML renders the rules file.
func (f *RuleFile) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
