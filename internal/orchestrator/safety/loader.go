package safety

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
)

// ruleSpec mirrors one entry of the rules document before it is typed.
type ruleSpec struct {
	RuleID     string         `yaml:"rule_id"`
	Name       string         `yaml:"name"`
	RuleType   string         `yaml:"rule_type"`
	Parameters map[string]any `yaml:"parameters"`
	Enabled    *bool          `yaml:"enabled"`
	Severity   string         `yaml:"severity"`
}

type rulesDocument struct {
	SafetyRules []ruleSpec `yaml:"safety_rules"`
}

// LoadRulesFile reads and decodes a rules file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ConfigurationError{Source: path, Errs: []error{err}}
	}
	return decodeRules(path, bytes.NewReader(data))
}

// LoadRules decodes a rules document. Every problem found is reported in a single
// *core.ConfigurationError; a partially valid rule set is never returned.
func LoadRules(r io.Reader) ([]Rule, error) {
	return decodeRules("rules", r)
}

func decodeRules(source string, r io.Reader) ([]Rule, error) {
	var doc rulesDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, &core.ConfigurationError{Source: source, Errs: []error{fmt.Errorf("parse: %w", err)}}
	}

	var errs []error
	if len(doc.SafetyRules) == 0 {
		errs = append(errs, fmt.Errorf("no safety_rules defined"))
	}

	seen := sets.New[string]()
	rules := make([]Rule, 0, len(doc.SafetyRules))
	for i, spec := range doc.SafetyRules {
		rule, ruleErrs := spec.toRule()
		if spec.RuleID != "" {
			if seen.Has(spec.RuleID) {
				ruleErrs = append(ruleErrs, fmt.Errorf("duplicate rule_id"))
			}
			seen.Insert(spec.RuleID)
		}
		for _, err := range ruleErrs {
			errs = append(errs, fmt.Errorf("rule[%d] %q: %w", i, spec.RuleID, err))
		}
		if len(ruleErrs) == 0 {
			rules = append(rules, rule)
		}
	}

	if len(errs) > 0 {
		return nil, &core.ConfigurationError{Source: source, Errs: errs}
	}
	return rules, nil
}

func (s ruleSpec) toRule() (Rule, []error) {
	var errs []error

	if s.RuleID == "" {
		errs = append(errs, fmt.Errorf("rule_id is required"))
	}

	severity, err := parseSeverity(s.Severity)
	if err != nil {
		errs = append(errs, err)
	}

	params, err := newParams(RuleType(s.RuleType))
	if err != nil {
		return Rule{}, append(errs, err)
	}
	if err := decodeParams(s.Parameters, params); err != nil {
		return Rule{}, append(errs, err)
	}

	typed := deref(params)
	errs = append(errs, typed.validate()...)

	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	name := s.Name
	if name == "" {
		name = s.RuleID
	}

	return Rule{
		ID:       s.RuleID,
		Name:     name,
		Severity: severity,
		Enabled:  enabled,
		Params:   typed,
	}, errs
}

// newParams returns a pointer to the zero parameter struct of a rule type.
func newParams(t RuleType) (any, error) {
	switch t {
	case RuleVelocity:
		return &VelocityParams{}, nil
	case RuleZone:
		return &ZoneParams{}, nil
	case RuleState:
		return &StateParams{}, nil
	case RulePosition:
		return &PositionParams{}, nil
	case RuleCommand:
		return &CommandParams{}, nil
	}
	return nil, fmt.Errorf("unknown rule_type %q", t)
}

func deref(p any) RuleParams {
	switch v := p.(type) {
	case *VelocityParams:
		return *v
	case *ZoneParams:
		return *v
	case *StateParams:
		return *v
	case *PositionParams:
		return *v
	case *CommandParams:
		return *v
	}
	panic(fmt.Sprintf("unexpected params type %T", p))
}

// decodeParams decodes loosely typed YAML parameters into a typed struct.
// Unknown keys are rejected so typos do not silently disable a check.
func decodeParams(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	return nil
}
