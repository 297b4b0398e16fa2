package task

import (
	"fmt"
	"math"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/pkg/options"
)

// Candidate is an eligible robot offered to a Strategy.
type Candidate struct {
	State        model.RobotState
	Capabilities sets.Set[string]

	// Assignments is the number of tasks ever assigned to the robot.
	Assignments int
}

// Strategy picks one robot among eligible candidates. Candidates are sorted by
// robot ID and never empty. Strategies are called with the manager lock held
// and may keep state between calls.
type Strategy interface {
	Name() string
	Select(t *model.Task, candidates []Candidate) string
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case options.StrategyRoundRobin, "":
		return &roundRobin{}, nil
	case options.StrategyLoadBalanced:
		return loadBalanced{}, nil
	case options.StrategyCapabilityBased:
		return capabilityBased{}, nil
	case options.StrategyNearestRobot:
		return &nearestRobot{}, nil
	}
	return nil, fmt.Errorf("unknown assignment strategy %q", name)
}

// roundRobin picks the first candidate after the previously chosen robot ID,
// wrapping around, so work spreads across the fleet as robots come and go.
type roundRobin struct {
	last string
}

func (s *roundRobin) Name() string { return options.StrategyRoundRobin }

func (s *roundRobin) Select(_ *model.Task, candidates []Candidate) string {
	chosen := candidates[0].State.RobotID
	for _, c := range candidates {
		if c.State.RobotID > s.last {
			chosen = c.State.RobotID
			break
		}
	}
	s.last = chosen
	return chosen
}

// loadBalanced picks the robot with the fewest assignments so far.
type loadBalanced struct{}

func (loadBalanced) Name() string { return options.StrategyLoadBalanced }

func (loadBalanced) Select(_ *model.Task, candidates []Candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Assignments < best.Assignments {
			best = c
		}
	}
	return best.State.RobotID
}

// capabilityBased picks the least specialised robot that can run the task,
// keeping versatile robots free for tasks only they can do.
type capabilityBased struct{}

func (capabilityBased) Name() string { return options.StrategyCapabilityBased }

func (capabilityBased) Select(t *model.Task, candidates []Candidate) string {
	best, bestExtra := "", math.MaxInt
	for _, c := range candidates {
		extra := c.Capabilities.Difference(t.Capabilities).Len()
		if extra < bestExtra {
			best, bestExtra = c.State.RobotID, extra
		}
	}
	return best
}

// nearestRobot picks the robot closest to the task's target position. Tasks
// without a target fall back to round-robin.
type nearestRobot struct {
	fallback roundRobin
}

func (s *nearestRobot) Name() string { return options.StrategyNearestRobot }

func (s *nearestRobot) Select(t *model.Task, candidates []Candidate) string {
	if t.Command == nil {
		return s.fallback.Select(t, candidates)
	}
	x, y, ok := safety.Target(t.Command.Parameters)
	if !ok {
		return s.fallback.Select(t, candidates)
	}

	target := model.Position{X: x, Y: y}
	best, bestDist := "", math.Inf(1)
	for _, c := range candidates {
		if d := c.State.Position.DistanceXY(target); d < bestDist {
			best, bestDist = c.State.RobotID, d
		}
	}
	return best
}
