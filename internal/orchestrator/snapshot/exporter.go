// Package snapshot periodically exports the fleet, task and emergency stop
// state as JSON documents to object storage.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/pkg/log"
)

const keyLayout = "2006/01/02/150405Z"

type Fleet interface {
	Snapshot() []registry.Robot
	Summary() registry.Summary
}

type Tasks interface {
	Tasks(statuses ...model.TaskStatus) []*model.Task
	Stats() task.Stats
}

type EmergencyStop interface {
	Status() estop.Status
	Events(limit int) []estop.Event
}

// Robot is a registry entry in exported form.
type Robot struct {
	model.RobotState
	Capabilities []string `json:"capabilities"`
}

// Document is one exported snapshot.
type Document struct {
	TakenAt time.Time        `json:"taken_at"`
	Summary registry.Summary `json:"summary"`
	Robots  []Robot          `json:"robots"`
	Stats   task.Stats       `json:"stats"`
	Tasks   []*model.Task    `json:"tasks"`
	EStop   estop.Status     `json:"estop"`
	Events  []estop.Event    `json:"estop_events"`
}

// Exporter renders a Document on a cron schedule and hands it to an Uploader.
type Exporter struct {
	fleet    Fleet
	tasks    Tasks
	stop     EmergencyStop
	uploader Uploader
	prefix   string
	schedule cron.Schedule
	events   int

	clock clock.PassiveClock
	log   log.Logger

	mu   sync.Mutex
	last string
}

type Option func(*Exporter)

func WithClock(c clock.PassiveClock) Option {
	return func(e *Exporter) { e.clock = c }
}

func WithLogger(l log.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// WithEventLimit caps the number of emergency stop events per document.
func WithEventLimit(n int) Option {
	return func(e *Exporter) { e.events = n }
}

// New parses spec with the standard cron parser, so descriptors such as
// "@every 30s" are accepted.
func New(fleet Fleet, tasks Tasks, stop EmergencyStop, uploader Uploader, spec, prefix string, opts ...Option) (*Exporter, error) {
	if fleet == nil || tasks == nil || stop == nil || uploader == nil {
		return nil, fmt.Errorf("snapshot exporter requires fleet, tasks, estop and uploader")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", spec, err)
	}

	e := &Exporter{
		fleet:    fleet,
		tasks:    tasks,
		stop:     stop,
		uploader: uploader,
		prefix:   prefix,
		schedule: sched,
		events:   50,
		clock:    clock.RealClock{},
		log:      log.Std().WithName("snapshot"),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Start runs the export schedule until ctx is done.
func (e *Exporter) Start(ctx context.Context) error {
	c := cron.New(cron.WithLogger(e.log), cron.WithChain(cron.SkipIfStillRunning(e.log)))
	c.Schedule(e.schedule, cron.FuncJob(func() {
		if _, err := e.Export(ctx); err != nil {
			e.log.Error(err, "Snapshot export failed")
		}
	}))

	e.log.Info("Starting snapshot exporter")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Take renders the current state.
func (e *Exporter) Take() Document {
	robots := e.fleet.Snapshot()
	doc := Document{
		TakenAt: e.clock.Now().UTC(),
		Summary: e.fleet.Summary(),
		Robots:  make([]Robot, 0, len(robots)),
		Stats:   e.tasks.Stats(),
		Tasks:   e.tasks.Tasks(),
		EStop:   e.stop.Status(),
		Events:  e.stop.Events(e.events),
	}
	for _, r := range robots {
		doc.Robots = append(doc.Robots, Robot{RobotState: r.State, Capabilities: sets.List(r.Capabilities)})
	}
	if doc.Tasks == nil {
		doc.Tasks = []*model.Task{}
	}
	return doc
}

// Export takes a snapshot and uploads it, returning the object key.
func (e *Exporter) Export(ctx context.Context) (string, error) {
	doc := e.Take()
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := path.Join(e.prefix, doc.TakenAt.Format(keyLayout)+".json")
	if err := e.uploader.Upload(ctx, key, body); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.last = key
	e.mu.Unlock()
	e.log.Debug("Snapshot exported", "key", key, "robots", len(doc.Robots), "tasks", len(doc.Tasks))
	return key, nil
}

// Last returns the key of the most recent successful export.
func (e *Exporter) Last() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
