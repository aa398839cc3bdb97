package commands

import (
	"fmt"

	"github.com/maneesh/labimport/internal/config"
	"github.com/maneesh/labimport/internal/storage"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the embedded schema to the configured TiDB/MySQL database.

Every statement is idempotent, so running migrate twice is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "mysql" {
				return fmt.Errorf("migrate needs STORE_DRIVER=mysql, got %q", cfg.StoreDriver)
			}
			tc, err := storage.NewTiDBClient(cfg.GetDSN())
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied to %s\n", cfg.TiDBDatabase)
			return nil
		},
	}
}
