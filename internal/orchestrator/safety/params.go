package safety

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Parameter keys read from command parameters.
const (
	paramVelocity           = "velocity"
	paramMaxVelocity        = "max_velocity"
	paramLinearVelocity     = "linear_velocity"
	paramMaxLinearVelocity  = "max_linear_velocity"
	paramSpeed              = "speed"
	paramAngularVelocity    = "angular_velocity"
	paramMaxAngularVelocity = "max_angular_velocity"
	paramAcceleration       = "acceleration"
	paramMaxAcceleration    = "max_acceleration"
	paramTarget             = "target"
	paramTargetX            = "target_x"
	paramTargetY            = "target_y"
	paramPosition           = "position"
	paramAction             = "action"
)

// toFloat reads a finite number. NaN and infinities are treated as unreadable.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toFloats reads a list of finite numbers. isList reports whether v was a
// list at all, ok whether every element was readable.
func toFloats(v any) (out []float64, isList, ok bool) {
	switch l := v.(type) {
	case []float64:
		for _, f := range l {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, true, false
			}
		}
		return l, true, true
	case []any:
		out = make([]float64, 0, len(l))
		for _, e := range l {
			f, ok := toFloat(e)
			if !ok {
				return nil, true, false
			}
			out = append(out, f)
		}
		return out, true, true
	case []int:
		out = make([]float64, 0, len(l))
		for _, e := range l {
			out = append(out, float64(e))
		}
		return out, true, true
	}
	return nil, false, false
}

func unreadable(key string, v any) string {
	return fmt.Sprintf("parameter %s=%v cannot be interpreted as a finite number", key, v)
}

// motion holds the largest requested magnitudes.
type motion struct {
	linear  float64
	angular float64
	accel   float64
	found   bool
}

func (m *motion) take(dst *float64, v float64) {
	m.found = true
	if a := math.Abs(v); a > *dst {
		*dst = a
	}
}

// velocities extracts the largest requested linear, angular and acceleration
// magnitudes. Keys that are present but unreadable are returned as messages.
func velocities(params map[string]any) (m motion, invalid []string) {
	for _, key := range []string{paramVelocity, paramMaxVelocity} {
		v, present := params[key]
		if !present {
			continue
		}
		if l, isList, ok := toFloats(v); isList {
			if !ok || len(l) == 0 {
				invalid = append(invalid, unreadable(key, v))
				continue
			}
			m.take(&m.linear, l[0])
			if len(l) > 1 {
				m.take(&m.angular, l[1])
			}
			continue
		}
		if obj, isMap := v.(map[string]any); isMap {
			lin, hasLin := obj["linear"]
			ang, hasAng := obj["angular"]
			if !hasLin && !hasAng {
				invalid = append(invalid, unreadable(key, v))
				continue
			}
			if hasLin {
				f, ok := toFloat(lin)
				if !ok {
					invalid = append(invalid, unreadable(key+".linear", lin))
				} else {
					m.take(&m.linear, f)
				}
			}
			if hasAng {
				f, ok := toFloat(ang)
				if !ok {
					invalid = append(invalid, unreadable(key+".angular", ang))
				} else {
					m.take(&m.angular, f)
				}
			}
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			invalid = append(invalid, unreadable(key, v))
			continue
		}
		m.take(&m.linear, f)
	}

	scalar := func(dst *float64, keys ...string) {
		for _, key := range keys {
			v, present := params[key]
			if !present {
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				invalid = append(invalid, unreadable(key, v))
				continue
			}
			m.take(dst, f)
		}
	}
	scalar(&m.linear, paramLinearVelocity, paramMaxLinearVelocity, paramSpeed)
	scalar(&m.angular, paramAngularVelocity, paramMaxAngularVelocity)
	scalar(&m.accel, paramAcceleration, paramMaxAcceleration)
	return m, invalid
}

func point(v any) (x, y float64, ok bool) {
	if l, isList, ok := toFloats(v); isList {
		if !ok || len(l) < 2 {
			return 0, 0, false
		}
		return l[0], l[1], true
	}
	if m, isMap := v.(map[string]any); isMap {
		x, okx := toFloat(m["x"])
		y, oky := toFloat(m["y"])
		return x, y, okx && oky
	}
	return 0, 0, false
}

// readTarget extracts the commanded target position. present reports whether
// any target key was given; err is set when the first key found cannot be read.
func readTarget(params map[string]any) (x, y float64, present bool, err error) {
	if v, ok := params[paramTarget]; ok {
		if x, y, ok = point(v); !ok {
			return 0, 0, true, fmt.Errorf("parameter %s=%v is not a finite [x, y] point", paramTarget, v)
		}
		return x, y, true, nil
	}

	vx, hasX := params[paramTargetX]
	vy, hasY := params[paramTargetY]
	if hasX || hasY {
		tx, okx := toFloat(vx)
		ty, oky := toFloat(vy)
		if !okx || !oky {
			return 0, 0, true, fmt.Errorf("parameters %s=%v %s=%v are not a finite point", paramTargetX, vx, paramTargetY, vy)
		}
		return tx, ty, true, nil
	}

	if v, ok := params[paramPosition]; ok {
		if x, y, ok = point(v); !ok {
			return 0, 0, true, fmt.Errorf("parameter %s=%v is not a finite [x, y] point", paramPosition, v)
		}
		return x, y, true, nil
	}
	return 0, 0, false, nil
}

// Target extracts the commanded target position from "target" ([x, y] or {x, y}),
// "target_x"/"target_y", or "position". ok is false when no readable target is given.
func Target(params map[string]any) (x, y float64, ok bool) {
	x, y, present, err := readTarget(params)
	return x, y, present && err == nil
}

// flatten renders parameters as lowercase "key=value" pairs in key order.
func flatten(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v ", k, params[k])
	}
	return strings.ToLower(b.String())
}
