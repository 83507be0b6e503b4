// Package fetch provides the remote source download command.
package fetch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/fetch"
	"github.com/factorylens/aoitrack/internal/observability"
)

// Command creates the fetch command for pulling export files from
// configured FTP/SFTP sources into the drop directory.
func Command(settings *conf.Settings) *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download new export files from remote AOI stations",
		Long: "Connect to each configured FTP/SFTP source, download export files that " +
			"are not yet present in the drop directory, and leave them for the " +
			"watcher to ingest. By default runs one pass and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(settings, loop)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "Keep fetching at the configured interval until interrupted")
	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the fetch command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().IntVar(&settings.Fetch.Interval, "interval", viper.GetInt("fetch.interval"), "Seconds between fetch passes in loop mode")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func runFetch(settings *conf.Settings, loop bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(settings.Fetch.Sources) == 0 {
		return fmt.Errorf("no fetch sources configured")
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("error initializing metrics: %w", err)
	}

	fetcher := fetch.New(settings)
	fetcher.SetMetrics(metrics.Fetch)
	defer func() { _ = fetch.CloseLogger() }()

	if loop {
		fmt.Printf("Fetching every %d seconds, press Ctrl+C to stop\n", settings.Fetch.Interval)
		return fetcher.Loop(ctx)
	}

	results, err := fetcher.Run(ctx)
	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("%s: failed: %v\n", res.Source, res.Err)
			continue
		}
		fmt.Printf("%s: %d downloaded, %d already present\n", res.Source, res.Downloaded, res.Skipped)
	}
	return err
}
