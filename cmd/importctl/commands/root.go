// Package commands implements the importctl operator CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/maneesh/labimport/internal/app"
	"github.com/maneesh/labimport/internal/config"
	"github.com/maneesh/labimport/internal/logging"
	"github.com/spf13/cobra"
)

// Opener builds the services a command runs against
type Opener func(ctx context.Context) (*app.App, error)

// OpenApp wires the services from the environment, logging to the console
func OpenApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

type cli struct {
	open   Opener
	output string
}

// withApp runs fn against freshly opened services and shuts them down after
func (c *cli) withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := c.open(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer a.Shutdown()
	return fn(a)
}

// NewRootCmd builds the importctl command tree
func NewRootCmd(open Opener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:   "importctl",
		Short: "Operate the labimport upload and import pipeline",
		Long: `importctl inspects and drives the labimport pipeline from a shell.

Configuration comes from the same environment variables as the server and
worker, e.g. STORE_DRIVER, TIDB_HOST and REDIS_HOST.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "table", "Output format (table|json|yaml)")

	root.AddCommand(
		newMigrateCmd(),
		c.newSweepCmd(),
		c.newEnqueueImportCmd(),
		c.newJobCmd(),
		c.newQueueCmd(),
	)
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}
