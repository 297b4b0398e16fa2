package paths

// Topic segments for the robopeer fleet protocol.
// These constants define the routing contract between the orchestrator and the robot transport bridge.

// Downstream: Orchestrator -> Robot
const (
	// Command carries dispatched task intents.
	// Pattern: {root}/command/{robotID}
	Command = "command"

	// EStop carries halt and resume broadcasts. The fleet-wide broadcast uses FleetID.
	// Pattern: {root}/estop/{robotID|all}
	EStop = "estop"
)

// Upstream: Robot -> Orchestrator
const (
	// Register announces a robot and its capabilities.
	// Pattern: {root}/register/{robotID}
	Register = "register"

	// State carries periodic RobotState reports (typically 10 Hz).
	// Pattern: {root}/state/{robotID}
	State = "state"

	// TaskAck carries task acknowledgements: accepted, completed, failed.
	// Pattern: {root}/task/ack/{robotID}
	TaskAck = "task/ack"
)

// FleetID is the identifier used on fleet-wide topics.
const FleetID = "all"
