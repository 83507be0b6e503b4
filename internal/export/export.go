// Package export writes aggregated defect records as CSV. The column
// vocabulary and casing match what the ingest reader accepts, so an exported
// file loads into a spreadsheet or into another dashboard instance.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/factorylens/aoitrack/internal/datastore"
	"github.com/factorylens/aoitrack/internal/errors"
)

// eventDateLayout is the first timestamp layout the ingest reader tries, so
// exported dates parse back in unchanged.
const eventDateLayout = "2006-01-02 15:04:05"

// searchBatchSize is how many records WriteFiltered pulls per store query.
const searchBatchSize = 1000

// Header returns the canonical export column order: key columns, the
// per-disposition loop counts, the derived outcome, carried metadata and the
// manual review overlay.
func Header() []string {
	return []string{
		"SerialNumber", "Ref_Id", "DefectCode",
		"False call", "Overridden", "Reworkable",
		"Outcome",
		"EventDate", "PartNumber", "ComponentPN",
		"MachineName", "OperationName", "LineName",
		"Verified", "ReviewNotes", "ReviewedBy",
	}
}

// Write streams records to w as CSV. A UTF-8 BOM is written first for
// spreadsheet compatibility; the ingest reader strips it on the way back in.
func Write(w io.Writer, defects []datastore.Defect) error {
	writer, err := begin(w)
	if err != nil {
		return err
	}
	for i := range defects {
		if err := writer.Write(record(&defects[i])); err != nil {
			return writeError(err)
		}
	}
	return finish(writer)
}

// DefectSearcher is the slice of the datastore the export needs.
type DefectSearcher interface {
	SearchDefects(filters *datastore.DefectFilters) ([]datastore.Defect, int64, error)
}

// WriteFiltered streams every defect matching filters to w, paging through
// the store in batches so large exports never hold the full result set in
// memory. Returns the number of records written.
func WriteFiltered(w io.Writer, ds DefectSearcher, filters *datastore.DefectFilters) (int, error) {
	var page datastore.DefectFilters
	if filters != nil {
		page = *filters
	}
	page.Limit = searchBatchSize
	page.Offset = 0

	writer, err := begin(w)
	if err != nil {
		return 0, err
	}

	written := 0
	for {
		defects, _, err := ds.SearchDefects(&page)
		if err != nil {
			return written, errors.New(err).
				Component("export").
				Category(errors.CategoryDatabase).
				Build()
		}
		for i := range defects {
			if err := writer.Write(record(&defects[i])); err != nil {
				return written, writeError(err)
			}
			written++
		}
		if len(defects) < page.Limit {
			break
		}
		page.Offset += page.Limit
	}
	return written, finish(writer)
}

// begin writes the BOM and header and returns the CSV writer.
func begin(w io.Writer) (*csv.Writer, error) {
	if _, err := io.WriteString(w, "\uFEFF"); err != nil {
		return nil, writeError(err)
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(Header()); err != nil {
		return nil, writeError(err)
	}
	return writer, nil
}

// finish flushes the writer and surfaces any buffered error.
func finish(writer *csv.Writer) error {
	writer.Flush()
	if err := writer.Error(); err != nil {
		return writeError(err)
	}
	return nil
}

func writeError(err error) error {
	return errors.New(err).
		Component("export").
		Category(errors.CategoryFileIO).
		Build()
}

// record renders one defect in the Header column order.
func record(d *datastore.Defect) []string {
	verified := d.Verified
	notes, reviewedBy := "", ""
	if d.Review != nil {
		verified = d.Review.Verified
		notes = d.Review.Notes
		reviewedBy = d.Review.ReviewedBy
	}

	eventDate := ""
	if !d.EventDate.IsZero() {
		eventDate = d.EventDate.Format(eventDateLayout)
	}

	return []string{
		sanitizeField(d.SerialNumber),
		sanitizeField(d.RefID),
		sanitizeField(d.DefectCode),
		strconv.Itoa(d.FalseCallCount),
		strconv.Itoa(d.OverriddenCount),
		strconv.Itoa(d.ReworkableCount),
		d.Outcome,
		eventDate,
		sanitizeField(d.PartNumber),
		sanitizeField(d.ComponentPN),
		sanitizeField(d.MachineName),
		sanitizeField(d.OperationName),
		sanitizeField(d.LineName),
		verified,
		sanitizeField(notes),
		sanitizeField(reviewedBy),
	}
}

// sanitizeField prefixes a quote on values a spreadsheet would execute as a
// formula. Exports get opened in Excel on the line.
func sanitizeField(field string) string {
	if field == "" {
		return field
	}
	if strings.HasPrefix(field, "=") || strings.HasPrefix(field, "+") ||
		strings.HasPrefix(field, "-") || strings.HasPrefix(field, "@") {
		return "'" + field
	}
	return field
}
