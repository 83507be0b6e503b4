// Package ingest provides the one-shot file ingestion command.
package ingest

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/ingest"
	"github.com/factorylens/aoitrack/internal/notify"
)

// Command creates the ingest command for one-shot processing of export files.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [file|directory ...]",
		Short: "Ingest AOI export files into the database",
		Long: "Parse repair-station export files, aggregate inspection loops per defect " +
			"and upsert the classified outcomes. Directories are expanded with the " +
			"configured glob pattern; with no arguments the configured ingest " +
			"directory is processed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(settings, args)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the ingest command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Ingest.Pattern, "pattern", viper.GetString("ingest.pattern"), "Glob pattern for matching export files in directories")
	cmd.Flags().StringVar(&settings.Ingest.Delimiter, "delimiter", viper.GetString("ingest.delimiter"), "CSV delimiter: auto, \",\", \";\" or tab")
	cmd.Flags().StringVar(&settings.Ingest.Charset, "charset", viper.GetString("ingest.charset"), "Export file character set (utf-8 or windows-1252)")
	cmd.Flags().IntVar(&settings.Ingest.Workers, "workers", viper.GetInt("ingest.workers"), "Number of parallel file workers")
	cmd.Flags().IntVar(&settings.Ingest.SkipLimit, "skip-limit", viper.GetInt("ingest.skiplimit"), "Maximum invalid rows per file before the run fails")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func runIngest(settings *conf.Settings, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// With no explicit paths, process the configured drop directory.
	if len(args) == 0 {
		args = []string{settings.Ingest.Directory}
	}

	paths, err := ingest.ResolvePaths(args, settings.Ingest.Pattern)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("No export files matched")
		return nil
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

	processor := ingest.New(settings, store)
	defer func() { _ = ingest.CloseLogger() }()

	dispatcher, err := notify.New(settings)
	if err != nil {
		return err
	}
	processor.SetNotifier(dispatcher)
	defer func() { _ = notify.CloseLogger() }()

	results := processor.ProcessFiles(ctx, paths, ingest.SourceFile)

	failed := 0
	for i := range results {
		r := &results[i]
		if r.Err != nil {
			failed++
			fmt.Printf("%s: FAILED: %v\n", r.Path, r.Err)
			continue
		}
		fmt.Printf("%s: %s, %d rows -> %d defects (false %d, real %d, fixed %d, suspect %d, skipped rows %d)\n",
			r.Path, r.Run.Status, r.Run.RowCount, r.Run.GroupCount,
			r.Run.FalseCount, r.Run.RealCount, r.Run.FixedCount, r.Run.SuspectCount,
			r.Run.SkippedRows)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	fmt.Printf("Ingested %d files\n", len(results))
	return nil
}
