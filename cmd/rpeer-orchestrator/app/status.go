package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

type robotRow struct {
	RobotID      string   `json:"robot_id"`
	Status       string   `json:"status"`
	BatteryLevel float64  `json:"battery_level"`
	CurrentTask  string   `json:"current_task"`
	Halted       bool     `json:"halted"`
	Capabilities []string `json:"capabilities"`
	Position     struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"position"`
}

type fleetResponse struct {
	Robots []robotRow `json:"robots"`
}

type taskRow struct {
	TaskID        string `json:"task_id"`
	CommandID     string `json:"command_id"`
	Status        string `json:"status"`
	AssignedRobot string `json:"assigned_robot"`
	RetryCount    int    `json:"retry_count"`
	Priority      int    `json:"priority"`
}

type estopResponse struct {
	State  string   `json:"state"`
	Fleet  bool     `json:"fleet"`
	Robots []string `json:"robots"`
}

type statusOptions struct {
	server  string
	timeout time.Duration
	tasks   string
}

func newStatusCommand() *cobra.Command {
	o := &statusOptions{server: "http://127.0.0.1:8080", timeout: 5 * time.Second}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the fleet, task and emergency stop status of a running orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return o.run(ctx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.server, "server", o.server, "Base URL of the orchestrator HTTP API.")
	cmd.Flags().DurationVar(&o.timeout, "timeout", o.timeout, "Timeout for the whole status query.")
	cmd.Flags().StringVar(&o.tasks, "tasks", "pending,assigned,executing", "Comma separated task statuses to list. Empty lists all.")
	return cmd
}

func (o *statusOptions) run(ctx context.Context, out io.Writer) error {
	base := strings.TrimRight(o.server, "/")

	var stop estopResponse
	if err := getJSON(ctx, base+"/v1/estop?limit=1", &stop); err != nil {
		return err
	}
	var fleet fleetResponse
	if err := getJSON(ctx, base+"/v1/fleet", &fleet); err != nil {
		return err
	}
	var tasks []taskRow
	if err := getJSON(ctx, base+"/v1/tasks?status="+o.tasks, &tasks); err != nil {
		return err
	}

	fmt.Fprintf(out, "EMERGENCY STOP: %s", stop.State)
	if stop.Fleet {
		fmt.Fprint(out, " (fleet)")
	}
	if len(stop.Robots) > 0 {
		fmt.Fprintf(out, " robots=%s", strings.Join(stop.Robots, ","))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out)

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ROBOT", "STATUS", "BATTERY", "POSITION", "TASK", "HALTED", "CAPABILITIES")
	for _, r := range fleet.Robots {
		table.AddRow(r.RobotID, r.Status, fmt.Sprintf("%.0f%%", r.BatteryLevel),
			fmt.Sprintf("(%.1f, %.1f)", r.Position.X, r.Position.Y),
			dash(r.CurrentTask), r.Halted, strings.Join(r.Capabilities, ","))
	}
	fmt.Fprintln(out, table)
	fmt.Fprintln(out)

	table = uitable.New()
	table.AddRow("TASK", "COMMAND", "STATUS", "ROBOT", "PRIORITY", "RETRIES")
	for _, t := range tasks {
		table.AddRow(t.TaskID, t.CommandID, t.Status, dash(t.AssignedRobot), t.Priority, t.RetryCount)
	}
	fmt.Fprintln(out, table)
	return nil
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("query %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
