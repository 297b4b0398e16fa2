package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core"
	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	"github.com/autopeer-io/robopeer/internal/orchestrator/executor"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/pkg/log"
)

// Fleet is the registry view served by the API.
type Fleet interface {
	Snapshot() []registry.Robot
	Robot(robotID string) (registry.Robot, error)
	Summary() registry.Summary
	MarkOffline(robotID, reason string) (string, error)
}

// Tasks is the task manager surface served by the API.
type Tasks interface {
	Submit(ctx context.Context, cmd *model.RobotCommand) (*model.Task, safety.Decision, error)
	Task(taskID string) (*model.Task, error)
	Tasks(statuses ...model.TaskStatus) []*model.Task
	Cancel(ctx context.Context, taskID, reason string) error
	Rejections(limit int) []safety.Rejection
	Stats() task.Stats
}

// EmergencyStop is the emergency stop surface served by the API.
type EmergencyStop interface {
	Trigger(ctx context.Context, scope estop.Scope, trigger estop.Trigger, description string) (estop.Event, error)
	Clear(ctx context.Context, scope estop.Scope) (estop.Event, error)
	Status() estop.Status
	Events(limit int) []estop.Event
	Event(id string) (estop.Event, bool)
}

// Dispatches reports the executor's outstanding work and its workers.
type Dispatches interface {
	Outstanding() []executor.Outstanding
	WorkerStats() []executor.WorkerStats
}

// API serves the /v1 operations endpoints.
type API struct {
	Fleet      Fleet
	Tasks      Tasks
	EStop      EmergencyStop
	Dispatches Dispatches

	// Ready reports whether the orchestrator can serve traffic. Nil means always ready.
	Ready func() error
}

// Register mounts the API routes on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/fleet", a.listRobots).Methods(http.MethodGet)
	r.HandleFunc("/fleet/{id}", a.getRobot).Methods(http.MethodGet)
	r.HandleFunc("/fleet/{id}/offline", a.markOffline).Methods(http.MethodPost)

	r.HandleFunc("/commands", a.submitCommand).Methods(http.MethodPost)
	r.HandleFunc("/tasks", a.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", a.getTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/cancel", a.cancelTask).Methods(http.MethodPost)
	r.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	r.HandleFunc("/rejections", a.listRejections).Methods(http.MethodGet)

	r.HandleFunc("/estop", a.estopStatus).Methods(http.MethodGet)
	r.HandleFunc("/estop", a.triggerStop).Methods(http.MethodPost)
	r.HandleFunc("/estop/clear", a.clearStop).Methods(http.MethodPost)
	r.HandleFunc("/estop/{id}", a.getStop).Methods(http.MethodGet)

	if a.Dispatches != nil {
		r.HandleFunc("/dispatches", a.listDispatches).Methods(http.MethodGet)
	}
}

// RobotView is the JSON form of a registry entry.
type RobotView struct {
	model.RobotState
	Capabilities []string  `json:"capabilities"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

func robotView(r registry.Robot) RobotView {
	return RobotView{
		RobotState:   r.State,
		Capabilities: sets.List(r.Capabilities),
		RegisteredAt: r.RegisteredAt,
		LastSeen:     r.LastSeen,
	}
}

// FleetView is the response of GET /v1/fleet.
type FleetView struct {
	Summary registry.Summary `json:"summary"`
	Robots  []RobotView      `json:"robots"`
}

// SubmitResponse is the response of POST /v1/commands.
type SubmitResponse struct {
	Accepted bool          `json:"accepted"`
	Task     *model.Task   `json:"task,omitempty"`
	Reasons  []core.Reason `json:"reasons,omitempty"`
}

// StopRequest is the body of POST /v1/estop and /v1/estop/clear.
type StopRequest struct {
	RobotID     string `json:"robot_id,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
	Description string `json:"description,omitempty"`
}

// StatsView is the response of GET /v1/stats.
type StatsView struct {
	task.Stats
	Workers []executor.WorkerStats `json:"workers,omitempty"`
}

// StopView is the response of GET /v1/estop.
type StopView struct {
	estop.Status
	Events []estop.Event `json:"events"`
}

func (a *API) ready(w http.ResponseWriter, _ *http.Request) {
	if a.Ready != nil {
		if err := a.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) listRobots(w http.ResponseWriter, _ *http.Request) {
	robots := a.Fleet.Snapshot()
	views := make([]RobotView, 0, len(robots))
	for _, r := range robots {
		views = append(views, robotView(r))
	}
	writeJSON(w, http.StatusOK, FleetView{Summary: a.Fleet.Summary(), Robots: views})
}

func (a *API) getRobot(w http.ResponseWriter, r *http.Request) {
	robot, err := a.Fleet.Robot(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, robotView(robot))
}

// markOffline takes a robot out of service. Its task, if any, goes back through
// the robot-lost path of the task manager.
func (a *API) markOffline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "marked offline by operator"
	}

	id := mux.Vars(r)["id"]
	if _, err := a.Fleet.MarkOffline(id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	robot, err := a.Fleet.Robot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, robotView(robot))
}

func (a *API) submitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd model.RobotCommand
	if err := decode(r, &cmd); err != nil {
		writeError(w, err)
		return
	}

	ctx := log.WithContext(r.Context(), log.Std().WithValues("remote", r.RemoteAddr))
	t, decision, err := a.Tasks.Submit(ctx, &cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	if !decision.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, SubmitResponse{Reasons: decision.Reasons})
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{Accepted: true, Task: t})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []model.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, model.TaskStatus(strings.TrimSpace(s)))
		}
	}
	tasks := a.Tasks.Tasks(statuses...)
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.Tasks.Task(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	id := mux.Vars(r)["id"]
	if err := a.Tasks.Cancel(r.Context(), id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	t, err := a.Tasks.Task(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	view := StatsView{Stats: a.Tasks.Stats()}
	if a.Dispatches != nil {
		view.Workers = a.Dispatches.WorkerStats()
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) listRejections(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Tasks.Rejections(limit))
}

func (a *API) estopStatus(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StopView{Status: a.EStop.Status(), Events: a.EStop.Events(limit)})
}

func (a *API) getStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ev, ok := a.EStop.Event(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "emergency stop event " + id + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) triggerStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	trigger := estop.Trigger(req.Trigger)
	if req.Trigger == "" {
		trigger = estop.TriggerManual
	}

	ev, err := a.EStop.Trigger(r.Context(), estop.RobotScope(req.RobotID), trigger, req.Description)
	if err != nil && ev.ID == "" {
		writeError(w, badRequest(err))
		return
	}
	// A failed broadcast still stops locally; the event carries the error.
	writeJSON(w, http.StatusAccepted, ev)
}

func (a *API) clearStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	ev, err := a.EStop.Clear(r.Context(), estop.RobotScope(req.RobotID))
	if err != nil && ev.ID == "" {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) listDispatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.Dispatches.Outstanding())
}

type errBadRequest struct{ err error }

func (e errBadRequest) Error() string { return e.err.Error() }
func (e errBadRequest) Unwrap() error { return e.err }

func badRequest(err error) error { return errBadRequest{err: err} }

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Errorf("invalid limit %q", raw))
	}
	return n, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var br errBadRequest
	switch {
	case errors.As(err, &br), errors.Is(err, core.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrTaskNotFound), errors.Is(err, core.ErrRobotNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrDuplicateCommandID), errors.Is(err, core.ErrInvalidTransition), errors.Is(err, estop.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, core.ErrEmergencyStopActive):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error(err, "Request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "Failed to encode response")
	}
}
