// Package classify implements the outcome rule for AOI inspection results.
// Inspection machines re-scan the same board location across repeated loops,
// and each pass records a disposition. Collapsing those passes into counts per
// serial/reference/defect-code combination and mapping the counts to a single
// outcome label is what this package does.
package classify

import (
	"strings"

	"github.com/factorylens/aoitrack/internal/errors"
)

// Disposition is the per-loop review state recorded by the inspection
// machine in the ReworkStatus column of its export.
type Disposition string

const (
	// DispositionFalseCall means the operator cleared the flagged location
	// as not actually defective.
	DispositionFalseCall Disposition = "False call"
	// DispositionOverridden means the operator told the machine to ignore
	// the flagged location.
	DispositionOverridden Disposition = "Overridden"
	// DispositionReworkable means the machine still considers the location
	// defective after operator review.
	DispositionReworkable Disposition = "Reworkable"
)

// ParseDisposition normalizes a raw ReworkStatus cell value. Matching is
// case-insensitive and ignores surrounding whitespace since machine exports
// are not consistent about either. The second return value is false for
// values that are not one of the three known dispositions.
func ParseDisposition(raw string) (Disposition, bool) {
	switch s := strings.TrimSpace(raw); {
	case strings.EqualFold(s, string(DispositionFalseCall)):
		return DispositionFalseCall, true
	case strings.EqualFold(s, string(DispositionOverridden)):
		return DispositionOverridden, true
	case strings.EqualFold(s, string(DispositionReworkable)):
		return DispositionReworkable, true
	default:
		return "", false
	}
}

// Outcome is the derived label for one serial/reference/defect-code
// combination after all inspection loops are taken together.
type Outcome string

const (
	// OutcomeFalse: at least one loop was dispositioned as a false call.
	OutcomeFalse Outcome = "False"
	// OutcomeFixed: the machine flagged the location on earlier loops but an
	// operator override cleared it and no loop still marks it reworkable.
	OutcomeFixed Outcome = "Fixed from previously caught"
	// OutcomeSuspect: the machine flags the location and no operator has
	// reviewed it yet.
	OutcomeSuspect Outcome = "Suspect"
	// OutcomeReal: the machine flags the location and an operator confirmed
	// it, a real defect.
	OutcomeReal Outcome = "Real"
)

// Outcomes lists every label Classify can produce, in dashboard display
// order.
func Outcomes() []Outcome {
	return []Outcome{OutcomeReal, OutcomeSuspect, OutcomeFixed, OutcomeFalse}
}

// Valid reports whether o is one of the known outcome labels.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFalse, OutcomeFixed, OutcomeSuspect, OutcomeReal:
		return true
	}
	return false
}

// Counts holds how many inspection loops recorded each disposition for one
// serial/reference/defect-code combination.
type Counts struct {
	FalseCall  int
	Overridden int
	Reworkable int
}

// Add increments the counter matching d. Unknown dispositions are ignored.
func (c *Counts) Add(d Disposition) {
	switch d {
	case DispositionFalseCall:
		c.FalseCall++
	case DispositionOverridden:
		c.Overridden++
	case DispositionReworkable:
		c.Reworkable++
	}
}

// Total returns the number of loops counted.
func (c Counts) Total() int {
	return c.FalseCall + c.Overridden + c.Reworkable
}

// Classify maps disposition counts to exactly one outcome label.
//
// The rule, in evaluation order:
//
//	any false call                      -> False
//	no reworkable, some overridden     -> Fixed from previously caught
//	some reworkable, no overridden     -> Suspect
//	some reworkable, some overridden   -> Real
//
// All-zero counts cannot occur when the counts come from grouping actual
// inspection rows, so that case returns an error instead of a label.
func Classify(c Counts) (Outcome, error) {
	if c.FalseCall < 0 || c.Overridden < 0 || c.Reworkable < 0 {
		return "", errors.Newf("negative disposition count: false=%d overridden=%d reworkable=%d",
			c.FalseCall, c.Overridden, c.Reworkable).
			Component("classify").
			Category(errors.CategoryValidation).
			Build()
	}

	switch {
	case c.FalseCall > 0:
		return OutcomeFalse, nil
	case c.Reworkable == 0 && c.Overridden > 0:
		return OutcomeFixed, nil
	case c.Reworkable > 0 && c.Overridden == 0:
		return OutcomeSuspect, nil
	case c.Reworkable > 0 && c.Overridden > 0:
		return OutcomeReal, nil
	default:
		return "", errors.Newf("no dispositions counted, nothing to classify").
			Component("classify").
			Category(errors.CategoryValidation).
			Build()
	}
}
