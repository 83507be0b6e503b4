// Package watch provides the drop-directory watch command.
package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/ingest"
	"github.com/factorylens/aoitrack/internal/mqtt"
	"github.com/factorylens/aoitrack/internal/notify"
	"github.com/factorylens/aoitrack/internal/observability"
)

// mqttConnectTimeout bounds the initial broker connection attempt.
const mqttConnectTimeout = 30 * time.Second

// Command creates the watch command for continuous drop-directory ingestion
// without the web server.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the drop directory and ingest new export files",
		Long: "Poll the configured drop directory and run every new or rewritten export " +
			"file through the ingestion pipeline. Runs until interrupted; use serve " +
			"to also get the dashboard and API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the watch command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Ingest.Directory, "directory", viper.GetString("ingest.directory"), "Drop directory to watch for export files")
	cmd.Flags().StringVar(&settings.Ingest.Pattern, "pattern", viper.GetString("ingest.pattern"), "Glob pattern for matching export files")
	cmd.Flags().IntVar(&settings.Ingest.Watch.Interval, "interval", viper.GetInt("ingest.watch.interval"), "Seconds between directory scans")
	cmd.Flags().BoolVar(&settings.Ingest.Archive.Enabled, "archive", viper.GetBool("ingest.archive.enabled"), "Move ingested files to the archive directory")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func runWatch(settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("error initializing metrics: %w", err)
	}

	store := datastore.New(settings)
	store.SetMetrics(metrics.Datastore)
	if err := store.Open(); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Printf("failed to close database: %v\n", err)
		}
	}()

	processor := ingest.New(settings, store)
	processor.SetMetrics(metrics.Ingest)
	defer func() { _ = ingest.CloseLogger() }()

	dispatcher, err := notify.New(settings)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics.Notification)
	processor.SetNotifier(dispatcher)
	defer func() { _ = notify.CloseLogger() }()

	// Run summaries still reach the factory bus in headless watch mode.
	if settings.MQTT.Enabled {
		client, err := mqtt.NewClient(settings, metrics)
		if err != nil {
			return err
		}
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		if err := client.Connect(connectCtx); err != nil {
			fmt.Printf("MQTT connect failed, continuing without bus publishing: %v\n", err)
		} else {
			processor.SetPublisher(mqtt.NewPublisher(client, store, settings))
			defer client.Disconnect()
		}
		cancel()
	}

	fmt.Printf("Watching %s (pattern %s)\n", settings.Ingest.Directory, settings.Ingest.Pattern)
	return processor.Watch(ctx)
}
