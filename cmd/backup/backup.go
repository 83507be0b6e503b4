// Package backup provides the database backup command.
package backup

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
)

// Command creates and returns the backup command.
func Command(settings *conf.Settings) *cobra.Command {
	var dir string
	var keep int

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create an immediate snapshot of the database",
		Long: "Create a timestamped snapshot of the SQLite database in the configured " +
			"backup directory and prune old snapshots beyond the retention count.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir != "" {
				settings.Backup.Directory = dir
			}
			if keep > 0 {
				settings.Backup.Keep = keep
			}
			return runBackup(settings)
		},
	}

	cmd.Flags().StringVar(&dir, "directory", "", "Directory to write the snapshot to (default from config)")
	cmd.Flags().IntVar(&keep, "keep", 0, "Number of snapshots to retain (default from config)")

	return cmd
}

func runBackup(settings *conf.Settings) error {
	if settings.Backup.Directory == "" {
		return fmt.Errorf("no backup directory configured")
	}

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Printf("failed to close database: %v\n", err)
		}
	}()

	path, err := store.Backup(settings.Backup.Directory, settings.Backup.Keep)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	fmt.Printf("Backup written to %s\n", path)
	return nil
}
