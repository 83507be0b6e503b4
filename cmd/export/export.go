// Package export provides the CSV export command.
package export

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/export"
)

// exportFlags collects the filter options before they are translated
// into a datastore filter set.
type exportFlags struct {
	output    string
	startDate string
	endDate   string
	serial    string
	line      string
	machine   string
	operation string
	part      string
	component string
	verified  string
	search    string
	outcomes  []string
}

// Command creates the export command for writing filtered defect data as CSV.
func Command(settings *conf.Settings) *cobra.Command {
	flags := &exportFlags{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export defect records as CSV",
		Long: "Write defect records matching the given filters as CSV, either to a " +
			"file or to standard output. The output matches the dashboard's CSV " +
			"download, including the spreadsheet byte-order mark.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(settings, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Output file (default standard output)")
	cmd.Flags().StringVar(&flags.startDate, "start-date", "", "Only defects on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.endDate, "end-date", "", "Only defects on or before this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.serial, "serial", "", "Filter by board serial number")
	cmd.Flags().StringVar(&flags.line, "line", "", "Filter by production line")
	cmd.Flags().StringVar(&flags.machine, "machine", "", "Filter by AOI machine name")
	cmd.Flags().StringVar(&flags.operation, "operation", "", "Filter by inspection operation")
	cmd.Flags().StringVar(&flags.part, "part", "", "Filter by board part number")
	cmd.Flags().StringVar(&flags.component, "component", "", "Filter by component part number")
	cmd.Flags().StringVar(&flags.verified, "verified", "", "Filter by review state: confirmed, false_call or unreviewed")
	cmd.Flags().StringVar(&flags.search, "search", "", "Free-text search across serial, reference, component and defect code")
	cmd.Flags().StringSliceVar(&flags.outcomes, "outcome", nil, "Filter by outcome, may be repeated (false_call, real_defect, fixed, suspect)")

	return cmd
}

func runExport(settings *conf.Settings, flags *exportFlags) error {
	filters, err := buildFilters(flags)
	if err != nil {
		return err
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

	out := os.Stdout
	if flags.output != "" {
		f, err := os.Create(flags.output)
		if err != nil {
			return fmt.Errorf("error creating output file: %w", err)
		}
		out = f
	}

	count, err := export.WriteFiltered(out, store, filters)
	if flags.output != "" {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("error closing output file: %w", closeErr)
		}
	}
	if err != nil {
		return err
	}

	if flags.output != "" {
		fmt.Printf("Wrote %d defects to %s\n", count, flags.output)
	} else {
		fmt.Fprintf(os.Stderr, "Wrote %d defects\n", count)
	}
	return nil
}

// buildFilters validates the flag values and converts them into a
// datastore filter set, mirroring the REST API's query semantics.
func buildFilters(flags *exportFlags) (*datastore.DefectFilters, error) {
	for _, outcome := range flags.outcomes {
		if !classify.Outcome(outcome).Valid() {
			return nil, fmt.Errorf("unknown outcome %q", outcome)
		}
	}

	switch flags.verified {
	case "", datastore.ReviewConfirmed, datastore.ReviewFalseCall, "unreviewed":
	default:
		return nil, fmt.Errorf("unknown verification filter %q", flags.verified)
	}

	dateStart, err := parseDay(flags.startDate, false)
	if err != nil {
		return nil, err
	}
	dateEnd, err := parseDay(flags.endDate, true)
	if err != nil {
		return nil, err
	}

	return &datastore.DefectFilters{
		SerialNumber:  flags.serial,
		Outcomes:      flags.outcomes,
		LineName:      flags.line,
		MachineName:   flags.machine,
		OperationName: flags.operation,
		PartNumber:    flags.part,
		ComponentPN:   flags.component,
		Verified:      flags.verified,
		Search:        flags.search,
		DateStart:     dateStart,
		DateEnd:       dateEnd,
		SortAscending: true,
	}, nil
}

// parseDay parses a YYYY-MM-DD bound. End bounds extend to the end of
// their day so the range stays inclusive on both sides.
func parseDay(dateStr string, end bool) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, nil
	}
	day, err := time.ParseInLocation("2006-01-02", dateStr, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", dateStr)
	}
	if end {
		return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.Local), nil
	}
	return day, nil
}
