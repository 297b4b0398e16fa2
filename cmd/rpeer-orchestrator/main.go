package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/robopeer/cmd/rpeer-orchestrator/app"
)

func main() {
	app.NewApp().Run()
}
