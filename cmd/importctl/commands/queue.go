package commands

import (
	"fmt"
	"io"

	"github.com/maneesh/labimport/internal/app"
	"github.com/spf13/cobra"
)

type queueDepth struct {
	Ready  int64 `json:"ready" yaml:"ready"`
	Active int64 `json:"active" yaml:"active"`
}

func (c *cli) newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Show how many jobs are waiting and running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				ready, active, err := a.Queue.Depth(cmd.Context())
				if err != nil {
					return err
				}
				d := queueDepth{Ready: ready, Active: active}
				return c.print(cmd.OutOrStdout(), d, func(w io.Writer) {
					fmt.Fprintf(w, "ready: %d\nactive: %d\n", d.Ready, d.Active)
				})
			})
		},
	})
	return cmd
}
