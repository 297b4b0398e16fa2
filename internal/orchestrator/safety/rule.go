package safety

import (
	"fmt"
	"math"
	"time"
)

// RuleType names a case of the Rule variant.
type RuleType string

const (
	RuleVelocity RuleType = "velocity"
	RuleZone     RuleType = "zone"
	RuleState    RuleType = "state"
	RulePosition RuleType = "position"
	RuleCommand  RuleType = "command"
)

// Severity is carried through to audit records and metrics. It never softens a rejection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func parseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rule is one configured safety rule. Params holds exactly one of the
// *Params types below and determines the rule type.
type Rule struct {
	ID       string
	Name     string
	Severity Severity
	Enabled  bool
	Params   RuleParams
}

// Type returns the rule type derived from its parameters.
func (r Rule) Type() RuleType {
	if r.Params == nil {
		return ""
	}
	return r.Params.Type()
}

// RuleParams is the closed set of typed rule parameter bundles.
type RuleParams interface {
	Type() RuleType
	validate() []error
}

// VelocityParams bound requested speeds. A zero maximum is not checked.
type VelocityParams struct {
	MaxLinearVelocity  float64 `mapstructure:"max_linear_velocity"`
	MaxAngularVelocity float64 `mapstructure:"max_angular_velocity"`
	MaxAcceleration    float64 `mapstructure:"max_acceleration"`
}

func (VelocityParams) Type() RuleType { return RuleVelocity }

func (p VelocityParams) validate() []error {
	var errs []error
	if p.MaxLinearVelocity < 0 || p.MaxAngularVelocity < 0 || p.MaxAcceleration < 0 {
		errs = append(errs, fmt.Errorf("velocity maxima must not be negative"))
	}
	if p.MaxLinearVelocity == 0 && p.MaxAngularVelocity == 0 && p.MaxAcceleration == 0 {
		errs = append(errs, fmt.Errorf("velocity rule sets no maximum"))
	}
	return errs
}

// ZoneShape is the geometry of a zone.
type ZoneShape string

const (
	ShapeRectangle ZoneShape = "rectangle"
	ShapeCircle    ZoneShape = "circle"
	ShapePolygon   ZoneShape = "polygon"
)

// Bounds is an axis-aligned rectangle.
type Bounds struct {
	XMin float64 `mapstructure:"x_min"`
	XMax float64 `mapstructure:"x_max"`
	YMin float64 `mapstructure:"y_min"`
	YMax float64 `mapstructure:"y_max"`
}

// Zone is a named area. A forbidden zone rejects targets inside it; an inverted
// zone is the allowed workspace and rejects targets outside it.
type Zone struct {
	Name   string      `mapstructure:"name"`
	Shape  ZoneShape   `mapstructure:"type"`
	Bounds *Bounds     `mapstructure:"bounds"`
	Center []float64   `mapstructure:"center"`
	Radius float64     `mapstructure:"radius"`
	Points [][]float64 `mapstructure:"points"`
	Invert bool        `mapstructure:"invert"`
}

func (z Zone) validate() error {
	switch z.Shape {
	case ShapeRectangle:
		if z.Bounds == nil {
			return fmt.Errorf("zone %q: rectangle requires bounds", z.Name)
		}
		if z.Bounds.XMin > z.Bounds.XMax || z.Bounds.YMin > z.Bounds.YMax {
			return fmt.Errorf("zone %q: bounds min exceeds max", z.Name)
		}
	case ShapeCircle:
		if len(z.Center) < 2 {
			return fmt.Errorf("zone %q: circle requires center [x, y]", z.Name)
		}
		if z.Radius <= 0 {
			return fmt.Errorf("zone %q: circle requires a positive radius", z.Name)
		}
	case ShapePolygon:
		if len(z.Points) < 3 {
			return fmt.Errorf("zone %q: polygon requires at least 3 points", z.Name)
		}
		for _, p := range z.Points {
			if len(p) < 2 {
				return fmt.Errorf("zone %q: polygon points must be [x, y]", z.Name)
			}
		}
	default:
		return fmt.Errorf("zone %q: unknown zone type %q", z.Name, z.Shape)
	}
	return nil
}

// Contains reports whether (x, y) lies inside the zone. Boundaries are inside.
func (z Zone) Contains(x, y float64) bool {
	switch z.Shape {
	case ShapeRectangle:
		b := z.Bounds
		return x >= b.XMin && x <= b.XMax && y >= b.YMin && y <= b.YMax
	case ShapeCircle:
		return math.Hypot(x-z.Center[0], y-z.Center[1]) <= z.Radius
	case ShapePolygon:
		return pointInPolygon(x, y, z.Points)
	}
	return false
}

// ZoneParams lists forbidden zones and, with invert, allowed workspaces.
// Invert on the rule applies to every zone of the rule.
type ZoneParams struct {
	Zones  []Zone `mapstructure:"zones"`
	Invert bool   `mapstructure:"invert"`
}

func (ZoneParams) Type() RuleType { return RuleZone }

func (p ZoneParams) validate() []error {
	var errs []error
	if len(p.Zones) == 0 {
		errs = append(errs, fmt.Errorf("zone rule defines no zones"))
	}
	for _, z := range p.Zones {
		if err := z.validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// StateParams constrain the target robot's battery and status.
// ForbiddenStatuses may name any RobotStatus plus "halted".
type StateParams struct {
	MinBatteryLevel   float64  `mapstructure:"min_battery_level"`
	ForbiddenStatuses []string `mapstructure:"forbidden_statuses"`
}

func (StateParams) Type() RuleType { return RuleState }

func (p StateParams) validate() []error {
	if p.MinBatteryLevel < 0 || p.MinBatteryLevel > 100 {
		return []error{fmt.Errorf("min_battery_level must be within [0, 100], got %v", p.MinBatteryLevel)}
	}
	return nil
}

// Obstacle is a known static obstacle.
type Obstacle struct {
	Name   string  `mapstructure:"name"`
	X      float64 `mapstructure:"x"`
	Y      float64 `mapstructure:"y"`
	Radius float64 `mapstructure:"radius"`
}

// PositionParams require clearance between a target and other robots or obstacles.
type PositionParams struct {
	MinDistanceToRobots    float64    `mapstructure:"min_distance_to_robots"`
	MinDistanceToObstacles float64    `mapstructure:"min_distance_to_obstacles"`
	Obstacles              []Obstacle `mapstructure:"obstacles"`
}

func (PositionParams) Type() RuleType { return RulePosition }

func (p PositionParams) validate() []error {
	if p.MinDistanceToRobots < 0 || p.MinDistanceToObstacles < 0 {
		return []error{fmt.Errorf("clearances must not be negative")}
	}
	return nil
}

// TimeWindow is a daily window in HH:MM. End before Start wraps past midnight.
type TimeWindow struct {
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`

	start, end int
	loc        *time.Location
}

// CommandParams blacklist actions and keywords and optionally restrict the time of day.
type CommandParams struct {
	ForbiddenActions  []string    `mapstructure:"forbidden_actions"`
	ForbiddenKeywords []string    `mapstructure:"forbidden_keywords"`
	AllowedHours      *TimeWindow `mapstructure:"allowed_hours"`
}

func (CommandParams) Type() RuleType { return RuleCommand }

func (p CommandParams) validate() []error {
	if p.AllowedHours != nil {
		if err := p.AllowedHours.compile(); err != nil {
			return []error{err}
		}
	}
	return nil
}
