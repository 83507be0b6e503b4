// reader.go: export file decoding, header matching and row validation.
package ingest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/conf"
	"github.com/factorylens/aoitrack/internal/errors"
)

// Row skip reasons, used as metric labels and in skip reporting.
const (
	skipShortRow           = "short_row"
	skipMissingKey         = "missing_key"
	skipUnknownDisposition = "unknown_disposition"
	skipBadDate            = "bad_date"
)

// Canonical export column names, lowercased for case-insensitive matching.
const (
	colSerialNumber  = "serialnumber"
	colRefID         = "ref_id"
	colDefectCode    = "defectcode"
	colReworkStatus  = "reworkstatus"
	colEventDate     = "eventdate"
	colPartNumber    = "partnumber"
	colComponentPN   = "componentpn"
	colMachineName   = "machinename"
	colOperationName = "operationname"
	colLineName      = "linename"
)

// headerPeekSize bounds how far into the decoded stream the delimiter sniffer
// looks for the end of the header line.
const headerPeekSize = 4096

// Row is one validated inspection loop pass read from an export file.
type Row struct {
	SerialNumber  string
	RefID         string
	DefectCode    string
	Disposition   classify.Disposition
	EventDate     time.Time
	PartNumber    string
	ComponentPN   string
	MachineName   string
	OperationName string
	LineName      string
}

// eventDateLayouts lists the timestamp formats seen across AOI export
// generations, tried in order.
var eventDateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
}

// parseEventDate parses a timestamp cell in the given location.
func parseEventDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty event date")
	}
	for _, layout := range eventDateLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event date %q", value)
}

// columnIndexes maps each known export column to its position in the header,
// -1 when the column is absent.
type columnIndexes struct {
	serial, ref, code, status, date           int
	part, component, machine, operation, line int
}

// maxRequired returns the highest index among the required columns. Records
// shorter than that cannot hold a complete row.
func (c *columnIndexes) maxRequired() int {
	maxIdx := c.serial
	for _, idx := range []int{c.ref, c.code, c.status, c.date} {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx
}

// mapHeader matches the header record against the known column names. The
// five required columns must all be present; carry-through metadata columns
// are optional. Duplicate headers keep the first occurrence.
func mapHeader(header []string) (columnIndexes, error) {
	cols := columnIndexes{
		serial: -1, ref: -1, code: -1, status: -1, date: -1,
		part: -1, component: -1, machine: -1, operation: -1, line: -1,
	}

	assign := func(dst *int, idx int) {
		if *dst < 0 {
			*dst = idx
		}
	}

	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case colSerialNumber:
			assign(&cols.serial, i)
		case colRefID:
			assign(&cols.ref, i)
		case colDefectCode:
			assign(&cols.code, i)
		case colReworkStatus:
			assign(&cols.status, i)
		case colEventDate:
			assign(&cols.date, i)
		case colPartNumber:
			assign(&cols.part, i)
		case colComponentPN:
			assign(&cols.component, i)
		case colMachineName:
			assign(&cols.machine, i)
		case colOperationName:
			assign(&cols.operation, i)
		case colLineName:
			assign(&cols.line, i)
		}
	}

	var missing []string
	for _, req := range []struct {
		idx  int
		name string
	}{
		{cols.serial, "SerialNumber"},
		{cols.ref, "Ref_Id"},
		{cols.code, "DefectCode"},
		{cols.status, "ReworkStatus"},
		{cols.date, "EventDate"},
	} {
		if req.idx < 0 {
			missing = append(missing, req.name)
		}
	}
	if len(missing) > 0 {
		return cols, errors.Newf("export header is missing required columns: %s", strings.Join(missing, ", ")).
			Component("ingest").
			Category(errors.CategoryFileParsing).
			Context("missing_columns", strings.Join(missing, ", ")).
			Build()
	}
	return cols, nil
}

// newDecoder builds the charset transformer for an export file. A leading
// byte-order mark always wins: UTF-8 BOMs are stripped and UTF-16 content
// is decoded regardless of the configured charset. Files without a BOM
// decode with the configured legacy charset, or pass through as UTF-8 when
// none is configured.
func newDecoder(charset string) (transform.Transformer, error) {
	fallback := encoding.Nop
	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, errors.Newf("unknown ingest charset %q: %v", charset, err).
				Component("ingest").
				Category(errors.CategoryConfiguration).
				Build()
		}
		fallback = enc
	}
	return unicode.BOMOverride(fallback.NewDecoder()), nil
}

// detectDelimiter picks the field delimiter. An explicit configuration wins;
// "auto" counts candidate separators in the header line and picks the most
// frequent one, comma on a tie.
func detectDelimiter(setting, headerLine string) rune {
	switch setting {
	case ",", "comma":
		return ','
	case ";", "semicolon":
		return ';'
	case "tab", "\t":
		return '\t'
	}

	best, bestCount := ',', strings.Count(headerLine, ",")
	if n := strings.Count(headerLine, ";"); n > bestCount {
		best, bestCount = ';', n
	}
	if n := strings.Count(headerLine, "\t"); n > bestCount {
		best = '\t'
	}
	return best
}

// rowStats accounts for rows read and skipped while reading one file.
type rowStats struct {
	read    int
	skipped map[string]int
}

func newRowStats() *rowStats {
	return &rowStats{skipped: make(map[string]int)}
}

func (s *rowStats) skip(reason string) {
	s.skipped[reason]++
}

func (s *rowStats) totalSkipped() int {
	total := 0
	for _, n := range s.skipped {
		total += n
	}
	return total
}

// readExport reads and validates one export file, returning the rows that
// passed validation together with the read/skip accounting. Invalid rows
// are skipped until the configured skip limit is exceeded, at which point
// the whole file fails. A negative skip limit disables the cap.
func readExport(path string, settings *conf.IngestSettings, loc *time.Location) ([]Row, *rowStats, error) {
	stats := newRowStats()

	f, err := os.Open(path)
	if err != nil {
		return nil, stats, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("file", filepath.Base(path)).
			Build()
	}
	defer f.Close()

	decoder, err := newDecoder(settings.Charset)
	if err != nil {
		return nil, stats, err
	}
	br := bufio.NewReaderSize(transform.NewReader(f, decoder), headerPeekSize)

	// Sniff the delimiter from the decoded header line before handing the
	// stream to the CSV reader.
	peeked, err := br.Peek(headerPeekSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, stats, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("file", filepath.Base(path)).
			Build()
	}
	headerLine, _, _ := strings.Cut(string(peeked), "\n")
	delimiter := detectDelimiter(settings.Delimiter, headerLine)

	r := csv.NewReader(br)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true // machine exports occasionally contain stray quotes

	header, err := r.Read()
	if err == io.EOF {
		return nil, stats, errors.Newf("export file is empty").
			Component("ingest").
			Category(errors.CategoryFileParsing).
			Context("file", filepath.Base(path)).
			Build()
	}
	if err != nil {
		return nil, stats, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileParsing).
			Context("file", filepath.Base(path)).
			Build()
	}

	cols, err := mapHeader(header)
	if err != nil {
		return nil, stats, err
	}

	var rows []Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, errors.New(err).
				Component("ingest").
				Category(errors.CategoryFileParsing).
				Context("file", filepath.Base(path)).
				Build()
		}
		stats.read++

		row, reason := parseRow(record, &cols, loc)
		if reason != "" {
			stats.skip(reason)
			if settings.SkipLimit >= 0 && stats.totalSkipped() > settings.SkipLimit {
				return nil, stats, errors.Newf("gave up after %d invalid rows", stats.totalSkipped()).
					Component("ingest").
					Category(errors.CategoryValidation).
					Context("file", filepath.Base(path)).
					Context("skip_limit", settings.SkipLimit).
					Build()
			}
			continue
		}
		rows = append(rows, row)
	}

	return rows, stats, nil
}

// parseRow validates one record. The second return value names the skip
// reason, empty when the row is valid.
func parseRow(record []string, cols *columnIndexes, loc *time.Location) (Row, string) {
	get := func(idx int) string {
		if idx < 0 || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	if len(record) <= cols.maxRequired() {
		return Row{}, skipShortRow
	}

	serial := get(cols.serial)
	ref := get(cols.ref)
	code := get(cols.code)
	if serial == "" || ref == "" || code == "" {
		return Row{}, skipMissingKey
	}

	disposition, ok := classify.ParseDisposition(get(cols.status))
	if !ok {
		return Row{}, skipUnknownDisposition
	}

	eventDate, err := parseEventDate(get(cols.date), loc)
	if err != nil {
		return Row{}, skipBadDate
	}

	return Row{
		SerialNumber:  serial,
		RefID:         ref,
		DefectCode:    code,
		Disposition:   disposition,
		EventDate:     eventDate,
		PartNumber:    get(cols.part),
		ComponentPN:   get(cols.component),
		MachineName:   get(cols.machine),
		OperationName: get(cols.operation),
		LineName:      get(cols.line),
	}, ""
}
