package commands

import (
	"fmt"
	"io"

	"github.com/maneesh/labimport/internal/app"
	"github.com/maneesh/labimport/internal/models"
	"github.com/spf13/cobra"
)

func (c *cli) newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control tracked jobs",
	}
	cmd.AddCommand(
		c.newJobGetCmd(),
		c.newJobListCmd(),
		c.newJobStatsCmd(),
		c.newJobControlCmd("cancel", "Cancel a pending or processing job", func(a *app.App, cmd *cobra.Command, id string) (*models.JobStatus, error) {
			return a.Tracker.Cancel(cmd.Context(), id)
		}),
		c.newJobControlCmd("retry", "Re-queue a failed job", func(a *app.App, cmd *cobra.Command, id string) (*models.JobStatus, error) {
			return a.Tracker.Retry(cmd.Context(), id)
		}),
	)
	return cmd
}

func (c *cli) newJobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				js, err := a.Tracker.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), js, jobDetail(js))
			})
		},
	}
}

func (c *cli) newJobListCmd() *cobra.Command {
	var f models.JobFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				f.Status = models.JobState(status)
				if !knownState(f.Status) {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			return c.withApp(cmd, func(a *app.App) error {
				page, err := a.Tracker.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), page, func(w io.Writer) {
					jobTable(page.Jobs)(w)
					fmt.Fprintf(w, "page %d of %d, %d job(s)\n", page.Page, page.TotalPages, page.Total)
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.CreatedBy, "user", "", "Only jobs created by this user")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this state")
	cmd.Flags().StringVar(&f.JobType, "type", "", "Only jobs of this kind (data_import, lookup_report, bulk_search_report)")
	cmd.Flags().StringVar(&f.Search, "search", "", "Match against the file name")
	cmd.Flags().IntVar(&f.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "Jobs per page")
	return cmd
}

func knownState(s models.JobState) bool {
	for _, st := range models.AllJobStates {
		if st == s {
			return true
		}
	}
	return false
}

func (c *cli) newJobStatsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by state and kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				stats, err := a.Tracker.Stats(cmd.Context(), user)
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), stats, statsTable(stats))
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Only jobs created by this user")
	return cmd
}

type controlFunc func(a *app.App, cmd *cobra.Command, id string) (*models.JobStatus, error)

func (c *cli) newJobControlCmd(use, short string, fn controlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				js, err := fn(a, cmd, args[0])
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), js, jobDetail(js))
			})
		},
	}
}
