package safety

// DefaultRules returns the built-in policy used when no rules file is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "max_velocity",
			Name:     "Maximum Velocity Limit",
			Severity: SeverityHigh,
			Enabled:  true,
			Params: VelocityParams{
				MaxLinearVelocity:  2.0,
				MaxAngularVelocity: 1.0,
			},
		},
		{
			ID:       "forbidden_zones",
			Name:     "Forbidden Zones",
			Severity: SeverityCritical,
			Enabled:  true,
			Params: ZoneParams{
				Zones: []Zone{{
					Name:   "human_workspace",
					Shape:  ShapeRectangle,
					Bounds: &Bounds{XMin: -1, XMax: 1, YMin: -1, YMax: 1},
				}},
			},
		},
		{
			ID:       "battery_level",
			Name:     "Minimum Battery Level",
			Severity: SeverityMedium,
			Enabled:  true,
			Params: StateParams{
				MinBatteryLevel:   20,
				ForbiddenStatuses: []string{"error", "offline"},
			},
		},
		{
			ID:       "collision_avoidance",
			Name:     "Collision Avoidance",
			Severity: SeverityHigh,
			Enabled:  true,
			Params: PositionParams{
				MinDistanceToRobots:    0.5,
				MinDistanceToObstacles: 0.3,
			},
		},
		{
			ID:       "command_blacklist",
			Name:     "Command Blacklist",
			Severity: SeverityCritical,
			Enabled:  true,
			Params: CommandParams{
				ForbiddenActions:  []string{"shutdown", "reset", "calibrate"},
				ForbiddenKeywords: []string{"dangerous", "unsafe", "override"},
			},
		},
	}
}
