package commands

import (
	"fmt"

	"github.com/maneesh/labimport/internal/app"
	"github.com/spf13/cobra"
)

func (c *cli) newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired upload sessions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				n, err := a.Sessions.SweepExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired session(s)\n", n)
				return nil
			})
		},
	}
}
