package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maneesh/labimport/internal/app"
	"github.com/maneesh/labimport/internal/apperr"
	"github.com/maneesh/labimport/internal/importer"
	"github.com/maneesh/labimport/internal/models"
	"github.com/spf13/cobra"
)

func (c *cli) newEnqueueImportCmd() *cobra.Command {
	var user, email string

	cmd := &cobra.Command{
		Use:   "enqueue-import FILE",
		Short: "Schedule the data import of a CSV or XLSX file",
		Long: `Schedule the data import of a file the worker can read.

The path must be visible to the worker processes, typically a file under
DATA_DIR/uploads.

Examples:
  importctl enqueue-import /data/uploads/contacts.csv --user ops
  importctl enqueue-import ./batch.xlsx --user ops --email ops@example.com -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if !importer.Supported(path) {
				return fmt.Errorf("%w: %s", apperr.ErrUnsupportedFile, filepath.Base(path))
			}
			if fi, err := os.Stat(path); err != nil || fi.IsDir() {
				return fmt.Errorf("%w: %s", apperr.ErrFileNotFound, path)
			}

			return c.withApp(cmd, func(a *app.App) error {
				js, err := a.Tracker.SubmitImport(cmd.Context(), models.ImportPayload{
					FilePath:         path,
					OriginalFileName: filepath.Base(path),
					UserID:           user,
					UserEmail:        email,
				})
				if err != nil {
					return err
				}
				return c.print(cmd.OutOrStdout(), js, func(w io.Writer) {
					fmt.Fprintf(w, "queued import job %s for %s\n", js.ID, js.OriginalFileName)
				})
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "importctl", "User the job is recorded for")
	cmd.Flags().StringVar(&email, "email", "", "Address notified when the import finishes")
	return cmd
}
