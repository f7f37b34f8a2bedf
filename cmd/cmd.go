package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cyoda-platform/cyoda-worker-go/pkg/worker"
)

const (
	ServiceName      = "cyoda-worker"
	ServiceNamespace = "cyoda"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Register is called once the Worker is constructed and before it starts
// connecting, so an embedding main package can wire its own processors,
// criteria, and entity models. Left nil, the worker command connects and
// advertises an empty handler set — useful for smoke-testing connectivity
// alone.
var Register func(w *worker.Worker) error

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Cyoda workflow worker runtime",
		Commands: []*cli.Command{
			workerCmd(),
		},
	}

	return app.Run(os.Args)
}

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Connect to the platform and serve the registered processors and criteria",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to an optional tuning config file layered over environment variables",
			},
		},
		Action: func(c *cli.Context) error {
			app := NewApp(c.String("config_file"), Register)

			startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancelStart()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancelStop()
			return app.Stop(stopCtx)
		},
	}
}
