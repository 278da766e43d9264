// Package pricing quotes an adjusted interest rate for a loan scenario using a
// data-driven table of risk adjustments.
package pricing

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/mortgage-refi-engine/internal/amortize"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Fields a rule row can test
const (
	FieldLTV          = "ltv"
	FieldCreditScore  = "credit_score"
	FieldLoanType     = "loan_type"
	FieldPropertyType = "property_type"
	FieldOccupancy    = "occupancy"
	FieldARM          = "arm"
)

// Facts are the derived scenario values rules are evaluated against
type Facts struct {
	LTV          float64
	CreditScore  int
	LoanType     model.LoanType
	PropertyType model.PropertyType
	Occupancy    model.Occupancy
	ARM          bool
}

// FactsFor derives rule facts from a scenario with defaults applied.
// The LTV is rounded to 6 places so tier boundaries compare exactly.
func FactsFor(s model.LoanScenario) Facts {
	s = s.WithDefaults()
	return Facts{
		LTV:          amortize.Round(s.LTV(), 6),
		CreditScore:  s.CreditScore,
		LoanType:     s.LoanType,
		PropertyType: s.PropertyType,
		Occupancy:    s.Occupancy,
		ARM:          s.IsARM,
	}
}

// Rule is one row of the adjustment table
type Rule struct {
	Factor    string
	Predicate func(Facts) bool
	Delta     float64
	Reason    string
}

// RuleSet is an ordered, versioned adjustment table. At most one rule per
// factor applies: the first matching row in table order.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// ruleFile is the YAML layout of a rule table
type ruleFile struct {
	Version string    `yaml:"version"`
	Rules   []ruleRow `yaml:"rules"`
}

type ruleRow struct {
	Factor string   `yaml:"factor"`
	Field  string   `yaml:"field"`
	Gt     *float64 `yaml:"gt"`
	Gte    *float64 `yaml:"gte"`
	Lt     *float64 `yaml:"lt"`
	Lte    *float64 `yaml:"lte"`
	Equals any      `yaml:"equals"`
	Delta  float64  `yaml:"delta"`
	Reason string   `yaml:"reason"`
}

var (
	defaultRules     *RuleSet
	defaultRulesOnce sync.Once
)

// DefaultRules returns the embedded adjustment table
func DefaultRules() *RuleSet {
	defaultRulesOnce.Do(func() {
		rs, err := ParseRules(defaultRulesYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded rate rules are invalid: %v", err))
		}
		defaultRules = rs
	})
	return defaultRules
}

// LoadRules reads a rule table from a YAML file
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %s: %w", path, err)
	}
	return rs, nil
}

// ParseRules compiles a YAML rule table
func ParseRules(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if file.Version == "" {
		return nil, fmt.Errorf("rules table has no version")
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rules table is empty")
	}

	rs := &RuleSet{Version: file.Version, Rules: make([]Rule, 0, len(file.Rules))}
	for i, row := range file.Rules {
		rule, err := row.compile()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, row.Factor, err)
		}
		rs.Rules = append(rs.Rules, rule)
	}
	return rs, nil
}

func (r ruleRow) compile() (Rule, error) {
	if r.Factor == "" {
		return Rule{}, fmt.Errorf("factor is required")
	}
	if math.IsNaN(r.Delta) || math.IsInf(r.Delta, 0) {
		return Rule{}, fmt.Errorf("delta must be finite")
	}

	var pred func(Facts) bool
	var err error
	switch r.Field {
	case FieldLTV:
		pred, err = r.numeric(func(f Facts) float64 { return f.LTV })
	case FieldCreditScore:
		pred, err = r.numeric(func(f Facts) float64 { return float64(f.CreditScore) })
	case FieldLoanType:
		pred, err = r.categorical(func(f Facts) string { return string(f.LoanType) })
	case FieldPropertyType:
		pred, err = r.categorical(func(f Facts) string { return string(f.PropertyType) })
	case FieldOccupancy:
		pred, err = r.categorical(func(f Facts) string { return string(f.Occupancy) })
	case FieldARM:
		pred, err = r.flag(func(f Facts) bool { return f.ARM })
	default:
		return Rule{}, fmt.Errorf("unknown field %q", r.Field)
	}
	if err != nil {
		return Rule{}, err
	}

	return Rule{
		Factor:    r.Factor,
		Predicate: pred,
		Delta:     r.Delta,
		Reason:    r.Reason,
	}, nil
}

func (r ruleRow) numeric(value func(Facts) float64) (func(Facts) bool, error) {
	if r.Equals != nil {
		return nil, fmt.Errorf("field %s takes comparators, not equals", r.Field)
	}
	if r.Gt == nil && r.Gte == nil && r.Lt == nil && r.Lte == nil {
		return nil, fmt.Errorf("field %s needs at least one of gt, gte, lt, lte", r.Field)
	}

	gt, gte, lt, lte := r.Gt, r.Gte, r.Lt, r.Lte
	return func(f Facts) bool {
		v := value(f)
		if gt != nil && !(v > *gt) {
			return false
		}
		if gte != nil && !(v >= *gte) {
			return false
		}
		if lt != nil && !(v < *lt) {
			return false
		}
		if lte != nil && !(v <= *lte) {
			return false
		}
		return true
	}, nil
}

func (r ruleRow) categorical(value func(Facts) string) (func(Facts) bool, error) {
	if r.hasComparators() {
		return nil, fmt.Errorf("field %s takes equals, not comparators", r.Field)
	}
	want, ok := r.Equals.(string)
	if !ok || want == "" {
		return nil, fmt.Errorf("field %s needs a string equals value", r.Field)
	}
	return func(f Facts) bool { return value(f) == want }, nil
}

func (r ruleRow) flag(value func(Facts) bool) (func(Facts) bool, error) {
	if r.hasComparators() {
		return nil, fmt.Errorf("field %s takes equals, not comparators", r.Field)
	}

	var want bool
	switch v := r.Equals.(type) {
	case bool:
		want = v
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("field %s needs a boolean equals value: %w", r.Field, err)
		}
		want = parsed
	default:
		return nil, fmt.Errorf("field %s needs a boolean equals value", r.Field)
	}
	return func(f Facts) bool { return value(f) == want }, nil
}

func (r ruleRow) hasComparators() bool {
	return r.Gt != nil || r.Gte != nil || r.Lt != nil || r.Lte != nil
}

// Apply evaluates the table against the facts and returns the non-zero
// adjustments in table order. The result is never nil.
func (rs *RuleSet) Apply(f Facts) []model.RateAdjustment {
	adjustments := make([]model.RateAdjustment, 0, 4)
	decided := make(map[string]bool)

	for _, rule := range rs.Rules {
		if decided[rule.Factor] || !rule.Predicate(f) {
			continue
		}
		decided[rule.Factor] = true

		if rule.Delta == 0 {
			continue
		}
		adjustments = append(adjustments, model.RateAdjustment{
			Factor: rule.Factor,
			Delta:  rule.Delta,
			Reason: rule.Reason,
		})
	}
	return adjustments
}
