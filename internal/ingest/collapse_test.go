// collapse_test.go: loop collapse and classification tests.
package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorylens/aoitrack/internal/classify"
)

func loopRow(serial, ref, code string, d classify.Disposition) Row {
	return Row{
		SerialNumber: serial,
		RefID:        ref,
		DefectCode:   code,
		Disposition:  d,
		EventDate:    time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCollapse_OutcomePerGroup(t *testing.T) {
	t.Parallel()

	rows := []Row{
		// any false call wins regardless of other loops
		loopRow("SN1", "R1", "Bridge", classify.DispositionFalseCall),
		loopRow("SN1", "R1", "Bridge", classify.DispositionReworkable),
		// overridden only: fixed
		loopRow("SN2", "R2", "Bridge", classify.DispositionOverridden),
		// reworkable only: suspect
		loopRow("SN3", "R3", "Bridge", classify.DispositionReworkable),
		// reworkable and overridden: real
		loopRow("SN4", "R4", "Bridge", classify.DispositionReworkable),
		loopRow("SN4", "R4", "Bridge", classify.DispositionOverridden),
	}

	defects, err := Collapse(rows)
	require.NoError(t, err)
	require.Len(t, defects, 4)

	assert.Equal(t, string(classify.OutcomeFalse), defects[0].Outcome)
	assert.Equal(t, string(classify.OutcomeFixed), defects[1].Outcome)
	assert.Equal(t, string(classify.OutcomeSuspect), defects[2].Outcome)
	assert.Equal(t, string(classify.OutcomeReal), defects[3].Outcome)
}

func TestCollapse_CountsDispositions(t *testing.T) {
	t.Parallel()

	// Exact duplicate rows are expected: every inspection loop emits one
	rows := []Row{
		loopRow("SN1", "R1", "Bridge", classify.DispositionReworkable),
		loopRow("SN1", "R1", "Bridge", classify.DispositionReworkable),
		loopRow("SN1", "R1", "Bridge", classify.DispositionReworkable),
		loopRow("SN1", "R1", "Bridge", classify.DispositionOverridden),
	}

	defects, err := Collapse(rows)
	require.NoError(t, err)
	require.Len(t, defects, 1)
	assert.Equal(t, 3, defects[0].ReworkableCount)
	assert.Equal(t, 1, defects[0].OverriddenCount)
	assert.Equal(t, 0, defects[0].FalseCallCount)
	assert.Equal(t, string(classify.OutcomeReal), defects[0].Outcome)
}

func TestCollapse_SeparateGroupsPerKey(t *testing.T) {
	t.Parallel()

	// Same serial and ref but different defect codes are distinct records
	rows := []Row{
		loopRow("SN1", "R1", "Bridge", classify.DispositionReworkable),
		loopRow("SN1", "R1", "Missing", classify.DispositionFalseCall),
		loopRow("SN1", "R2", "Bridge", classify.DispositionOverridden),
	}

	defects, err := Collapse(rows)
	require.NoError(t, err)
	assert.Len(t, defects, 3)
}

func TestCollapse_FirstNonEmptyMetadata(t *testing.T) {
	t.Parallel()

	first := loopRow("SN1", "R1", "Bridge", classify.DispositionReworkable)
	first.MachineName = "AOI-1"
	first.EventDate = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)

	second := loopRow("SN1", "R1", "Bridge", classify.DispositionOverridden)
	second.MachineName = "AOI-2"
	second.ComponentPN = "CAP-100"
	second.EventDate = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

	defects, err := Collapse([]Row{first, second})
	require.NoError(t, err)
	require.Len(t, defects, 1)

	// First value wins where present, later rows only fill gaps
	assert.Equal(t, "AOI-1", defects[0].MachineName)
	assert.Equal(t, "CAP-100", defects[0].ComponentPN)
	assert.Equal(t, first.EventDate, defects[0].EventDate)
}

func TestCollapse_PreservesFileOrder(t *testing.T) {
	t.Parallel()

	rows := []Row{
		loopRow("SN9", "Z1", "Bridge", classify.DispositionReworkable),
		loopRow("SN1", "A1", "Bridge", classify.DispositionReworkable),
		loopRow("SN9", "Z1", "Bridge", classify.DispositionOverridden),
		loopRow("SN5", "M1", "Bridge", classify.DispositionFalseCall),
	}

	defects, err := Collapse(rows)
	require.NoError(t, err)
	require.Len(t, defects, 3)
	assert.Equal(t, "SN9", defects[0].SerialNumber)
	assert.Equal(t, "SN1", defects[1].SerialNumber)
	assert.Equal(t, "SN5", defects[2].SerialNumber)
}

func TestCollapse_Empty(t *testing.T) {
	t.Parallel()

	defects, err := Collapse(nil)
	require.NoError(t, err)
	assert.Empty(t, defects)
}
