package safety

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

// FleetContext is the read-only view of the fleet a command is validated against.
type FleetContext struct {
	Robots map[string]model.RobotState
	Now    time.Time
}

// Decision is the outcome of validating one command.
type Decision struct {
	Accepted bool          `json:"accepted"`
	Reasons  []core.Reason `json:"reasons,omitempty"`

	// Command is a copy of the input with SafetyValidated set when accepted.
	Command *model.RobotCommand `json:"-"`
}

// Err returns a *core.RejectionError for a rejected decision and nil otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	id := ""
	if d.Command != nil {
		id = d.Command.CommandID
	}
	return &core.RejectionError{CommandID: id, Reasons: d.Reasons}
}

// Checker evaluates an immutable rule set. It holds no mutable state, so a single
// instance is safe for concurrent use and its verdicts depend only on the inputs.
type Checker struct {
	rules []Rule
}

// NewChecker validates rules and returns a Checker over them.
// Rules built in code go through the same checks as rules loaded from a file.
func NewChecker(rules []Rule) (*Checker, error) {
	var errs []error
	seen := sets.New[string]()
	for i, r := range rules {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule[%d]: id is required", i))
		} else if seen.Has(r.ID) {
			errs = append(errs, fmt.Errorf("rule[%d] %q: duplicate id", i, r.ID))
		}
		seen.Insert(r.ID)

		if _, err := parseSeverity(string(r.Severity)); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.ID, err))
		}
		if r.Params == nil {
			errs = append(errs, fmt.Errorf("rule %q: missing parameters", r.ID))
			continue
		}
		for _, err := range r.Params.validate() {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.ID, err))
		}
	}
	if len(errs) > 0 {
		return nil, &core.ConfigurationError{Source: "safety rules", Errs: errs}
	}

	out := make([]Rule, len(rules))
	copy(out, rules)
	return &Checker{rules: out}, nil
}

// Rules returns the configured rules in evaluation order.
func (c *Checker) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Validate evaluates every enabled rule against cmd without short-circuiting and
// returns all violations in rule order. The command is accepted only when no rule
// rejects it, whatever the severity.
//
// State and position rules need a subject robot: for a fleet-wide command they are
// deferred to assignment, see ValidateForRobot.
func (c *Checker) Validate(cmd *model.RobotCommand, fleet FleetContext) Decision {
	subject := ""
	if cmd.Targeted() {
		subject = cmd.RobotID
	}

	reasons := c.evaluate(cmd, subject, fleet, nil)

	d := Decision{
		Accepted: len(reasons) == 0,
		Reasons:  reasons,
		Command:  cmd.Copy(),
	}
	d.Command.SafetyValidated = d.Accepted
	return d
}

// ValidateForRobot evaluates the rules that depend on which robot executes cmd
// (zone, state and position) with robotID as the subject. An empty result means
// the robot may take the command.
func (c *Checker) ValidateForRobot(cmd *model.RobotCommand, robotID string, fleet FleetContext) []core.Reason {
	return c.evaluate(cmd, robotID, fleet, robotScoped)
}

var robotScoped = sets.New(RuleZone, RuleState, RulePosition)

func (c *Checker) evaluate(cmd *model.RobotCommand, subject string, fleet FleetContext, only sets.Set[RuleType]) []core.Reason {
	var reasons []core.Reason
	for _, rule := range c.rules {
		if !rule.Enabled {
			continue
		}
		if only != nil && !only.Has(rule.Type()) {
			continue
		}

		var msgs []string
		switch p := rule.Params.(type) {
		case VelocityParams:
			msgs = checkVelocity(p, cmd)
		case ZoneParams:
			msgs = checkZone(p, cmd)
		case StateParams:
			msgs = checkState(p, subject, fleet)
		case PositionParams:
			msgs = checkPosition(p, cmd, subject, fleet)
		case CommandParams:
			msgs = checkCommand(p, cmd, fleet.Now)
		}

		for _, m := range msgs {
			reasons = append(reasons, core.Reason{
				RuleID:   rule.ID,
				Severity: string(rule.Severity),
				Message:  m,
			})
		}
	}
	return reasons
}
