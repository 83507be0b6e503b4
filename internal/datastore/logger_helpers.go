// SQL classification helpers backing the GORM logger metrics labels.
package datastore

import (
	"regexp"
	"strings"
)

// sqlUnknown labels statements no pattern recognizes.
const sqlUnknown = "unknown"

// sqlPatterns maps statement shapes to their operation label. Each pattern
// captures the target table name in group 1. Order matters only in that the
// list is tried top to bottom.
var sqlPatterns = []struct {
	op string
	re *regexp.Regexp
}{
	{"select", regexp.MustCompile(`(?i)^\s*SELECT\s+.*?\s+FROM\s+['"\x60]?(\w+)`)},
	{"insert", regexp.MustCompile(`(?i)^\s*INSERT\s+INTO\s+['"\x60]?(\w+)`)},
	{"update", regexp.MustCompile(`(?i)^\s*UPDATE\s+['"\x60]?(\w+)`)},
	{"delete", regexp.MustCompile(`(?i)^\s*DELETE\s+FROM\s+['"\x60]?(\w+)`)},
	{"create", regexp.MustCompile(`(?i)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?['"\x60]?(\w+)`)},
	{"drop", regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?['"\x60]?(\w+)`)},
	{"alter", regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+['"\x60]?(\w+)`)},
}

// vacuumPattern has no table operand, so it sits outside sqlPatterns.
var vacuumPattern = regexp.MustCompile(`(?i)^\s*VACUUM\b`)

// parseSQLOperation extracts the operation and table name from a statement.
// Statements that match nothing (PRAGMA, transactions) come back as unknown.
func parseSQLOperation(sql string) (operation, table string) {
	sql = strings.TrimSpace(sql)

	for _, p := range sqlPatterns {
		if m := p.re.FindStringSubmatch(sql); len(m) > 1 {
			return p.op, m[1]
		}
	}
	if vacuumPattern.MatchString(sql) {
		return "vacuum", sqlUnknown
	}
	return sqlUnknown, sqlUnknown
}

// errorCategories maps metric labels to the message fragments that identify
// them. First match wins, so the more specific fragments come first:
// "database is locked" must not fall through to connection_error.
var errorCategories = []struct {
	label string
	subs  []string
}{
	{"constraint_violation", []string{"unique constraint", "duplicate key"}},
	{"deadlock", []string{"deadlock"}},
	{"foreign_key_violation", []string{"foreign key"}},
	{"null_violation", []string{"not null"}},
	{"database_locked", []string{"database is locked"}},
	{"connection_error", []string{"connection"}},
	{"timeout", []string{"timeout"}},
	{"syntax_error", []string{"syntax"}},
	{"permission_denied", []string{"permission", "denied"}},
	{"disk_full", []string{"disk full", "no space"}},
}

// categorizeError buckets a database error for the error_category context
// attached to failed query logs.
func categorizeError(err error) string {
	if err == nil {
		return "none"
	}

	msg := strings.ToLower(err.Error())
	for _, c := range errorCategories {
		for _, sub := range c.subs {
			if strings.Contains(msg, sub) {
				return c.label
			}
		}
	}
	return "other"
}
