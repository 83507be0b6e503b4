// Package serve provides the full-service command: web dashboard, REST API,
// drop-directory watcher, remote fetch loop and overdue sweeps in one process.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/fetch"
	"github.com/factorylens/aoitrack/internal/httpcontroller"
	"github.com/factorylens/aoitrack/internal/ingest"
	"github.com/factorylens/aoitrack/internal/logging"
	"github.com/factorylens/aoitrack/internal/mqtt"
	"github.com/factorylens/aoitrack/internal/notify"
	"github.com/factorylens/aoitrack/internal/observability"
	"github.com/factorylens/aoitrack/internal/telemetry"
)

// mqttConnectTimeout bounds the initial broker connection attempt.
const mqttConnectTimeout = 30 * time.Second

// Cadence for the background database statistics loops.
const (
	dbPoolStatsInterval  = 5 * time.Minute
	dbTableStatsInterval = 15 * time.Minute
)

// dbMonitor is satisfied by the concrete stores. Statistics reporting stays
// off the datastore.Interface surface because only serve mode wants it.
type dbMonitor interface {
	StartMonitoring(ctx context.Context, poolInterval, statsInterval time.Duration)
}

// Command creates the serve command that runs the dashboard and all
// background services until interrupted.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web dashboard, watcher and fetch loop",
		Long: "Start the HTTP server with the dashboard and REST API, watch the drop " +
			"directory for new export files, pull files from remote AOI stations and " +
			"send overdue rework reminders. This is the normal production mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.WebServer.Address, "address", viper.GetString("webserver.address"), "Address to bind the HTTP server to")
	cmd.Flags().StringVar(&settings.WebServer.Port, "port", viper.GetString("webserver.port"), "Port for the HTTP server")
	cmd.Flags().BoolVar(&settings.Ingest.Watch.Enabled, "watch", viper.GetBool("ingest.watch.enabled"), "Watch the drop directory for new export files")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func runServe(settings *conf.Settings) error {
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
	defer closeDataStore(store)

	if mon, ok := store.(dbMonitor); ok {
		mon.StartMonitoring(ctx, dbPoolStatsInterval, dbTableStatsInterval)
	}

	processor := ingest.New(settings, store)
	processor.SetMetrics(metrics.Ingest)

	dispatcher, err := notify.New(settings)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics.Notification)
	processor.SetNotifier(dispatcher)

	var mqttClient mqtt.Client
	if settings.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(settings, metrics)
		if err != nil {
			return err
		}
		connectCtx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		if err := mqttClient.Connect(connectCtx); err != nil {
			// The client reconnects on its own once the broker comes up.
			logging.Warn("MQTT connect failed, continuing in background", "error", err)
		}
		processor.SetPublisher(mqtt.NewPublisher(mqttClient, store, settings))
		cancel()
	}

	httpServer, err := httpcontroller.New(settings, store, processor, metrics)
	if err != nil {
		return err
	}
	httpServer.Start()

	var wg sync.WaitGroup

	if settings.Ingest.Watch.Enabled {
		startWatcher(ctx, &wg, processor)
	} else {
		logging.Info("Drop directory watch disabled, files must be ingested manually")
	}

	if len(settings.Fetch.Sources) > 0 {
		startFetchLoop(ctx, &wg, settings, metrics)
	}

	startOverdueSweep(ctx, &wg, dispatcher, store)

	fmt.Printf("AOI tracker listening on %s:%s\n", settings.WebServer.Address, settings.WebServer.Port)

	// Block until SIGINT/SIGTERM, then unwind in reverse start order.
	<-ctx.Done()
	fmt.Println("Shutting down")

	shutdownCtx, cancel := httpcontroller.ShutdownTimeout()
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("HTTP server shutdown failed", "error", err)
	}

	wg.Wait()

	if mqttClient != nil {
		mqttClient.Disconnect()
	}

	closeServiceLoggers()
	telemetry.Flush()

	return nil
}

// startWatcher runs the drop-directory poll loop until the context is cancelled.
func startWatcher(ctx context.Context, wg *sync.WaitGroup, processor *ingest.Processor) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := processor.Watch(ctx); err != nil {
			logging.Error("Drop directory watcher stopped", "error", err)
		}
	}()
}

// startFetchLoop runs the remote source download loop until the context is cancelled.
func startFetchLoop(ctx context.Context, wg *sync.WaitGroup, settings *conf.Settings, metrics *observability.Metrics) {
	fetcher := fetch.New(settings)
	fetcher.SetMetrics(metrics.Fetch)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fetcher.Loop(ctx); err != nil {
			logging.Error("Remote fetch loop stopped", "error", err)
		}
	}()
}

// startOverdueSweep runs the daily overdue-rework reminder sweep. The
// dispatcher returns immediately when overdue notifications are disabled.
func startOverdueSweep(ctx context.Context, wg *sync.WaitGroup, dispatcher *notify.Dispatcher, store datastore.Interface) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.WatchOverdue(ctx, store)
	}()
}

func closeDataStore(store datastore.Interface) {
	if err := store.Close(); err != nil {
		fmt.Printf("failed to close database: %v\n", err)
	}
}

func closeServiceLoggers() {
	_ = ingest.CloseLogger()
	_ = fetch.CloseLogger()
	_ = notify.CloseLogger()
	_ = mqtt.CloseLogger()
	_ = datastore.CloseLogger()
}
