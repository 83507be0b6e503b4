// collapse.go: grouping of inspection loop rows into aggregated defect records.
package ingest

import (
	"github.com/factorylens/aoitrack/internal/classify"
	"github.com/factorylens/aoitrack/internal/datastore"
)

// groupKey identifies one aggregated defect record within a file.
type groupKey struct {
	serial string
	ref    string
	code   string
}

// group accumulates the loop passes for one serial/reference/defect-code
// combination.
type group struct {
	counts classify.Counts
	defect datastore.Defect
}

// Collapse groups validated rows by their serial/reference/defect-code key,
// counts dispositions per group and classifies each group into exactly one
// outcome. Metadata fields keep the first non-empty value seen in file
// order. Result order follows each group's first appearance in the file.
func Collapse(rows []Row) ([]datastore.Defect, error) {
	groups := make(map[groupKey]*group)
	var order []groupKey

	for i := range rows {
		row := &rows[i]
		key := groupKey{serial: row.SerialNumber, ref: row.RefID, code: row.DefectCode}
		g, ok := groups[key]
		if !ok {
			g = &group{defect: datastore.Defect{
				SerialNumber: row.SerialNumber,
				RefID:        row.RefID,
				DefectCode:   row.DefectCode,
			}}
			groups[key] = g
			order = append(order, key)
		}
		g.counts.Add(row.Disposition)
		mergeMetadata(&g.defect, row)
	}

	defects := make([]datastore.Defect, 0, len(order))
	for _, key := range order {
		g := groups[key]
		outcome, err := classify.Classify(g.counts)
		if err != nil {
			return nil, err
		}
		g.defect.FalseCallCount = g.counts.FalseCall
		g.defect.OverriddenCount = g.counts.Overridden
		g.defect.ReworkableCount = g.counts.Reworkable
		g.defect.Outcome = string(outcome)
		defects = append(defects, g.defect)
	}
	return defects, nil
}

// mergeMetadata fills any still-empty metadata field on the aggregate from
// the row, preserving the first non-empty value per group.
func mergeMetadata(d *datastore.Defect, row *Row) {
	if d.EventDate.IsZero() {
		d.EventDate = row.EventDate
	}
	if d.PartNumber == "" {
		d.PartNumber = row.PartNumber
	}
	if d.ComponentPN == "" {
		d.ComponentPN = row.ComponentPN
	}
	if d.MachineName == "" {
		d.MachineName = row.MachineName
	}
	if d.OperationName == "" {
		d.OperationName = row.OperationName
	}
	if d.LineName == "" {
		d.LineName = row.LineName
	}
}
