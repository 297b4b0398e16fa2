package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/robopeer/cmd/rpeer-orchestrator/app/options"
	"github.com/autopeer-io/robopeer/pkg/app"
)

const (
	commandName = "rpeer-orchestrator"
	commandDesc = `The Robopeer orchestrator validates robot commands against the fleet
safety rules, assigns them to robots and tracks them to completion. Robots
talk to it over MQTT; operators use the HTTP API, and the emergency stop
halts the whole fleet or a single robot.`
)

func NewApp() *app.App {
	opts := options.NewOrchestratorOptions()
	application := app.NewApp(
		commandName,
		"Launch a Robopeer fleet orchestrator",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
		app.WithSubcommands(newStatusCommand(), newHealthcheckCommand()),
	)
	return application
}

func run(opts *options.OrchestratorOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		server, err := cfg.NewOrchestrator()
		if err != nil {
			return fmt.Errorf("failed to create orchestrator: %w", err)
		}

		return server.Run(ctx)
	}
}
