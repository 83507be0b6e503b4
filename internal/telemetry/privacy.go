package telemetry

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
)

// absPathRegex matches absolute unix-style paths with at least two
// segments. Single-segment paths like /tmp carry no layout information
// and are left alone.
var absPathRegex = regexp.MustCompile(`(?:/[\w.+~-]+){2,}/?`)

// winPathRegex matches Windows drive paths such as C:\exports\line1.csv.
var winPathRegex = regexp.MustCompile(`[A-Za-z]:\\(?:[\w.+~-]+\\?)+`)

// dsnRegex matches URL credentials (user:pass@ or key@) so broker URLs
// and DSNs never leave the process intact.
var dsnRegex = regexp.MustCompile(`://[^@/\s]+@`)

// ScrubMessage reduces every absolute file path in the message to its base
// name and strips credentials embedded in URLs. Error messages routinely
// quote export file paths; the file name is enough to diagnose remotely
// while the directory layout stays on the machine.
func ScrubMessage(message string) string {
	scrubbed := dsnRegex.ReplaceAllString(message, "://[REDACTED]@")
	scrubbed = absPathRegex.ReplaceAllStringFunc(scrubbed, func(p string) string {
		return filepath.Base(strings.TrimSuffix(p, "/"))
	})
	scrubbed = winPathRegex.ReplaceAllStringFunc(scrubbed, func(p string) string {
		trimmed := strings.TrimSuffix(p, `\`)
		if i := strings.LastIndex(trimmed, `\`); i >= 0 {
			return trimmed[i+1:]
		}
		return trimmed
	})
	return scrubbed
}

// scrubEvent is the Sentry BeforeSend hook. It drops host-identifying data
// and scrubs paths out of everything that carries message text.
func scrubEvent(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	event.Message = ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = ScrubMessage(event.Exception[i].Value)
	}

	return event
}
