package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factorylens/aoitrack/cmd/backup"
	"github.com/factorylens/aoitrack/cmd/export"
	"github.com/factorylens/aoitrack/cmd/fetch"
	"github.com/factorylens/aoitrack/cmd/ingest"
	"github.com/factorylens/aoitrack/cmd/serve"
	"github.com/factorylens/aoitrack/cmd/watch"
	"github.com/factorylens/aoitrack/internal/buildinfo"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/logging"
)

// RootCommand assembles the CLI: global flags, the debug hook and every
// subcommand.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "aoitrack",
		Short:   "AOI inspection quality tracking",
		Long:    "Ingest AOI repair-station exports, classify defect outcomes and serve the quality dashboard.",
		Version: buildinfo.String(),
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	// Flags are parsed by now, so the debug flag can raise the log level.
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if settings.Debug {
			logging.SetLevel(slog.LevelDebug)
		}
	}

	subcommands := []*cobra.Command{
		ingest.Command(settings),
		watch.Command(settings),
		fetch.Command(settings),
		serve.Command(settings),
		export.Command(settings),
		backup.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// setupFlags declares the persistent flags and binds them into viper.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	// The config flag is consumed in main before settings are loaded, it
	// is declared here so cobra accepts it and lists it in help.
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
