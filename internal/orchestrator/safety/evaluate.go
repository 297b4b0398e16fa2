package safety

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
)

func checkVelocity(p VelocityParams, cmd *model.RobotCommand) []string {
	m, msgs := velocities(cmd.Parameters)
	if !m.found {
		return msgs
	}

	if p.MaxLinearVelocity > 0 && m.linear > p.MaxLinearVelocity {
		msgs = append(msgs, fmt.Sprintf("linear velocity %.2f m/s exceeds maximum %.2f m/s", m.linear, p.MaxLinearVelocity))
	}
	if p.MaxAngularVelocity > 0 && m.angular > p.MaxAngularVelocity {
		msgs = append(msgs, fmt.Sprintf("angular velocity %.2f rad/s exceeds maximum %.2f rad/s", m.angular, p.MaxAngularVelocity))
	}
	if p.MaxAcceleration > 0 && m.accel > p.MaxAcceleration {
		msgs = append(msgs, fmt.Sprintf("acceleration %.2f m/s^2 exceeds maximum %.2f m/s^2", m.accel, p.MaxAcceleration))
	}
	return msgs
}

func checkZone(p ZoneParams, cmd *model.RobotCommand) []string {
	x, y, present, err := readTarget(cmd.Parameters)
	if err != nil {
		return []string{err.Error()}
	}
	if !present {
		return nil
	}

	var msgs []string
	for _, z := range p.Zones {
		inside := z.Contains(x, y)
		switch {
		case (z.Invert || p.Invert) && !inside:
			msgs = append(msgs, fmt.Sprintf("target (%.2f, %.2f) is outside allowed zone %s", x, y, z.Name))
		case !(z.Invert || p.Invert) && inside:
			msgs = append(msgs, fmt.Sprintf("target (%.2f, %.2f) is inside forbidden zone %s", x, y, z.Name))
		}
	}
	return msgs
}

func checkState(p StateParams, subject string, fleet FleetContext) []string {
	if subject == "" {
		return nil
	}
	robot, ok := fleet.Robots[subject]
	if !ok {
		return nil
	}

	var msgs []string
	if robot.BatteryLevel < p.MinBatteryLevel {
		msgs = append(msgs, fmt.Sprintf("robot %s battery level %.1f%% is below minimum %.1f%%", subject, robot.BatteryLevel, p.MinBatteryLevel))
	}
	for _, s := range p.ForbiddenStatuses {
		if strings.EqualFold(s, string(robot.Status)) || (strings.EqualFold(s, "halted") && robot.Halted) {
			msgs = append(msgs, fmt.Sprintf("robot %s status %s is forbidden", subject, s))
		}
	}
	return msgs
}

func checkPosition(p PositionParams, cmd *model.RobotCommand, subject string, fleet FleetContext) []string {
	x, y, present, err := readTarget(cmd.Parameters)
	if !present {
		return nil
	}
	if _, known := fleet.Robots[subject]; !known {
		return nil
	}
	if err != nil {
		return []string{err.Error()}
	}
	target := model.Position{X: x, Y: y}

	var msgs []string
	if p.MinDistanceToRobots > 0 {
		ids := make([]string, 0, len(fleet.Robots))
		for id := range fleet.Robots {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			other := fleet.Robots[id]
			if id == subject || other.Status == model.RobotOffline {
				continue
			}
			if d := target.DistanceXY(other.Position); d < p.MinDistanceToRobots {
				msgs = append(msgs, fmt.Sprintf("target (%.2f, %.2f) is %.2f m from robot %s, minimum clearance %.2f m", x, y, d, id, p.MinDistanceToRobots))
			}
		}
	}
	for _, o := range p.Obstacles {
		d := target.DistanceXY(model.Position{X: o.X, Y: o.Y}) - o.Radius
		if d < p.MinDistanceToObstacles {
			msgs = append(msgs, fmt.Sprintf("target (%.2f, %.2f) is %.2f m from obstacle %s, minimum clearance %.2f m", x, y, d, o.Name, p.MinDistanceToObstacles))
		}
	}
	return msgs
}

func checkCommand(p CommandParams, cmd *model.RobotCommand, now time.Time) []string {
	var msgs []string

	actions := []string{string(cmd.ActionType)}
	if a, ok := cmd.Parameters[paramAction].(string); ok && a != "" {
		actions = append(actions, a)
	}
	for _, forbidden := range p.ForbiddenActions {
		for _, a := range actions {
			if strings.EqualFold(a, forbidden) {
				msgs = append(msgs, fmt.Sprintf("action %q is forbidden", a))
			}
		}
	}

	if len(p.ForbiddenKeywords) > 0 && len(cmd.Parameters) > 0 {
		text := flatten(cmd.Parameters)
		for _, kw := range p.ForbiddenKeywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				msgs = append(msgs, fmt.Sprintf("parameters contain forbidden keyword %q", kw))
			}
		}
	}

	if p.AllowedHours != nil && !now.IsZero() && !p.AllowedHours.Contains(now) {
		msgs = append(msgs, fmt.Sprintf("commands are only allowed between %s and %s", p.AllowedHours.Start, p.AllowedHours.End))
	}
	return msgs
}
