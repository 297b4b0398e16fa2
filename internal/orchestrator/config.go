package orchestrator

import (
	"context"
	"fmt"

	"github.com/autopeer-io/robopeer/internal/orchestrator/estop"
	"github.com/autopeer-io/robopeer/internal/orchestrator/executor"
	"github.com/autopeer-io/robopeer/internal/orchestrator/registry"
	"github.com/autopeer-io/robopeer/internal/orchestrator/safety"
	"github.com/autopeer-io/robopeer/internal/orchestrator/server"
	"github.com/autopeer-io/robopeer/internal/orchestrator/server/grpc"
	"github.com/autopeer-io/robopeer/internal/orchestrator/server/http"
	"github.com/autopeer-io/robopeer/internal/orchestrator/snapshot"
	"github.com/autopeer-io/robopeer/internal/orchestrator/task"
	"github.com/autopeer-io/robopeer/internal/orchestrator/transport/mqtt"
	"github.com/autopeer-io/robopeer/pkg/log"
	pkgmqtt "github.com/autopeer-io/robopeer/pkg/mqtt"
	"github.com/autopeer-io/robopeer/pkg/mqtt/topic"
	"github.com/autopeer-io/robopeer/pkg/options"
)

// queueDepth is the per-worker backlog of the local dispatch pool.
const queueDepth = 64

type Config struct {
	HttpOptions         *options.HttpOptions
	GrpcOptions         *options.GrpcOptions
	MqttOptions         *options.MqttOptions
	S3Options           *options.S3Options
	OrchestratorOptions *options.OrchestratorOptions
	SafetyOptions       *options.SafetyOptions
}

// NewOrchestrator builds every component against a real broker and, when
// configured, a real object store.
func (cfg *Config) NewOrchestrator() (*Orchestrator, error) {
	ccfg := cfg.MqttOptions.ToClientConfig()
	ccfg.ClientIDPrefix = "rpeer-orchestrator"
	ccfg.Logger = log.WithName("mqtt")
	mqttClient, err := pkgmqtt.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init mqtt client: %w", err)
	}

	var uploader snapshot.Uploader
	if cfg.S3Options.Enabled() {
		store, err := snapshot.NewMinIO(cfg.S3Options)
		if err != nil {
			return nil, err
		}
		if err := store.CheckBucket(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to connect to object storage: %w", err)
		}
		uploader = store
	}

	return cfg.build(mqttClient, uploader)
}

// LoadRules returns the rule set from the configured file, or the built-in
// defaults when no file is set.
func (cfg *Config) LoadRules() ([]safety.Rule, error) {
	if cfg.SafetyOptions == nil || cfg.SafetyOptions.RulesFile == "" {
		return safety.DefaultRules(), nil
	}
	return safety.LoadRulesFile(cfg.SafetyOptions.RulesFile)
}

func (cfg *Config) build(mqttClient pkgmqtt.Client, uploader snapshot.Uploader) (*Orchestrator, error) {
	opts := cfg.OrchestratorOptions
	if opts == nil {
		opts = options.NewOrchestratorOptions()
	}
	safetyOpts := cfg.SafetyOptions
	if safetyOpts == nil {
		safetyOpts = options.NewSafetyOptions()
	}

	rules, err := cfg.LoadRules()
	if err != nil {
		return nil, err
	}
	checker, err := safety.NewChecker(rules)
	if err != nil {
		return nil, err
	}
	log.Info("Safety rules loaded", "count", len(rules), "file", safetyOpts.RulesFile)

	reg := registry.New(registry.WithHeartbeat(opts.HeartbeatTimeout, opts.HealthCheckInterval))
	tasks, err := task.New(reg, checker, opts, task.WithHistory(safety.NewHistory(safetyOpts.HistorySize)))
	if err != nil {
		return nil, err
	}

	topicBuilder := topic.NewBuilder(cfg.MqttOptions.TopicRoot)

	// Egress adapters share the ingress server's client.
	publisher := mqtt.NewCommandPublisher(mqttClient, topicBuilder, nil)
	pool, err := executor.NewLocalPool(opts.Workers, queueDepth, publisher, log.Std())
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(pool, tasks, opts.DispatchTimeout)
	if err != nil {
		pool.Close()
		return nil, err
	}
	tasks.SetDispatcher(exec)

	var grpcServer *grpc.Server
	var listeners []estop.Option
	if cfg.GrpcOptions.Enabled() {
		grpcServer = grpc.NewServer(cfg.GrpcOptions)
		listeners = append(listeners, estop.WithListener(grpcServer.StopListener()))
	}

	broadcaster := mqtt.NewHaltBroadcaster(mqttClient, topicBuilder, nil, log.Std())
	stop, err := estop.New(broadcaster, tasks, reg, opts.HaltTimeout, listeners...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	tasks.SetGate(stop)

	ingress := mqtt.NewServer(mqttClient, topicBuilder, reg, exec, log.Std())

	api := &http.API{
		Fleet:      reg,
		Tasks:      tasks,
		EStop:      stop,
		Dispatches: exec,
		Ready: func() error {
			if !mqttClient.IsConnected() {
				return fmt.Errorf("mqtt broker not connected")
			}
			return nil
		},
	}
	httpServer := http.NewServer(cfg.HttpOptions, api)

	srvManager := server.NewManager()
	srvManager.Add("mqtt", ingress)
	srvManager.Add("http", httpServer)
	if grpcServer != nil {
		srvManager.Add("grpc", grpcServer)
	}
	srvManager.Add("heartbeat-watchdog", server.ServerFunc(reg.Start))
	srvManager.Add("task-manager", server.ServerFunc(tasks.Run))
	srvManager.Add("executor", server.ServerFunc(exec.Start))

	if uploader != nil {
		exporter, err := snapshot.New(reg, tasks, stop, uploader, cfg.S3Options.Schedule, cfg.S3Options.Prefix)
		if err != nil {
			pool.Close()
			return nil, err
		}
		srvManager.Add("snapshot-exporter", exporter)
	}
	if safetyOpts.WatchRules && safetyOpts.RulesFile != "" {
		path := safetyOpts.RulesFile
		srvManager.Add("rules-watcher", server.ServerFunc(func(ctx context.Context) error {
			return safety.WatchRulesFile(ctx, path, nil)
		}))
	}

	return &Orchestrator{
		registry:  reg,
		tasks:     tasks,
		executor:  exec,
		pool:      pool,
		estop:     stop,
		http:      httpServer,
		serverMgr: srvManager,
	}, nil
}
