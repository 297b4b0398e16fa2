package task

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

// Command parameters read by the task manager.
const (
	ParamDependsOn            = "depends_on"
	ParamRequiredCapabilities = "required_capabilities"
	ParamEstimatedDuration    = "estimated_duration"
	ParamDescription          = "description"
)

// defaultCapabilities is what a robot needs to run an action when the command does not say.
var defaultCapabilities = map[model.ActionType][]string{
	model.ActionNavigate:   {string(model.CapabilityNavigation)},
	model.ActionFormation:  {string(model.CapabilityNavigation)},
	model.ActionManipulate: {string(model.CapabilityManipulation)},
	model.ActionInspect:    {string(model.CapabilityInspection)},
}

// stringList accepts a list of strings or a comma separated string.
func stringList(v any) []string {
	var out []string
	switch l := v.(type) {
	case string:
		for _, s := range strings.Split(l, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, l...)
	case []any:
		for _, e := range l {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func seconds(v any) (time.Duration, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		if d, err := time.ParseDuration(n); err == nil {
			return d, true
		}
		var err error
		if f, err = strconv.ParseFloat(n, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

func dependencies(cmd *model.RobotCommand) sets.Set[string] {
	return sets.New(stringList(cmd.Parameters[ParamDependsOn])...)
}

func requiredCapabilities(cmd *model.RobotCommand) sets.Set[string] {
	if v, ok := cmd.Parameters[ParamRequiredCapabilities]; ok {
		return sets.New(stringList(v)...)
	}
	return sets.New(defaultCapabilities[cmd.ActionType]...)
}

func description(cmd *model.RobotCommand) string {
	if d, ok := cmd.Parameters[ParamDescription].(string); ok && d != "" {
		return d
	}
	target := cmd.RobotID
	if !cmd.Targeted() {
		target = "any robot"
	}
	return string(cmd.ActionType) + " on " + target
}
