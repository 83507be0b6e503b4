// telemetry.go: the reporter hook and the Sentry implementation behind it.
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter receives the errors Build decides to report.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// hasActiveReporting tracks whether any reporter is installed so that
// Build() can skip component/category detection entirely when nobody listens.
var hasActiveReporting atomic.Bool

// Swapped atomically so Build never takes a lock, nil while disabled
var globalTelemetryReporter atomic.Pointer[TelemetryReporter]

// SetTelemetryReporter installs the reporter used by all subsequent Build
// calls. Passing nil disables reporting and restores the fast path.
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		globalTelemetryReporter.Store(nil)
		hasActiveReporting.Store(false)
		return
	}
	globalTelemetryReporter.Store(&reporter)
	hasActiveReporting.Store(reporter.IsEnabled())
}

// GetTelemetryReporter returns the installed reporter, nil when none is set
func GetTelemetryReporter() TelemetryReporter {
	ptr := globalTelemetryReporter.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

// reportToTelemetry hands the error to the installed reporter, if any
func reportToTelemetry(ee *EnhancedError) {
	reporter := GetTelemetryReporter()
	if reporter != nil && reporter.IsEnabled() {
		reporter.ReportError(ee)
	}
}

// SentryReporter forwards enhanced errors to Sentry, scrubbing every
// string on the way out.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter returns a reporter that stays silent until enabled.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{
		enabled: enabled,
	}
}

// IsEnabled reports whether events actually reach Sentry
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError sends one event to Sentry and marks the error so it cannot
// be sent twice.
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	component := ee.GetComponent()

	enhancedMessage := fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error())
	scrubbedMessage := scrubMessageForPrivacy(enhancedMessage)

	sentry.WithScope(func(scope *sentry.Scope) {
		errorTitle := generateErrorTitle(ee, component)

		scope.SetTag("error_title", errorTitle)
		scope.SetTag("component", component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))

		for key, value := range ee.GetContext() {
			scrubbedValue := value
			if strValue, ok := value.(string); ok {
				scrubbedValue = scrubMessageForPrivacy(strValue)
			}
			scope.SetContext(key, map[string]any{"value": scrubbedValue})
		}

		level := getErrorLevel(ee.Category)
		scope.SetLevel(level)

		// Fingerprint on title, component and category, repeats of the
		// same failure then land in one Sentry group
		scope.SetFingerprint([]string{errorTitle, component, string(ee.Category)})

		// The title doubles as the exception type, which is what the
		// Sentry issue list displays
		event := sentry.NewEvent()
		event.Message = scrubbedMessage
		event.Level = level

		exception := sentry.Exception{
			Type:  errorTitle,
			Value: scrubbedMessage,
		}
		event.Exception = []sentry.Exception{exception}

		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// generateErrorTitle builds the display title from the component, the
// category and the operation context value when one was attached.
func generateErrorTitle(ee *EnhancedError, component string) string {
	operation, hasOperation := ee.Context["operation"].(string)

	var titleParts []string

	if component != "" && component != ComponentUnknown {
		titleParts = append(titleParts, titleCase(component))
	}

	categoryTitle := formatCategoryForTitle(ee.Category)
	if categoryTitle != "" {
		titleParts = append(titleParts, categoryTitle)
	}

	if hasOperation && operation != "" {
		operationTitle := formatOperationForTitle(operation)
		if operationTitle != "" {
			titleParts = append(titleParts, operationTitle)
		}
	}

	// Nothing usable, fall back to the error's Go type
	if len(titleParts) == 0 {
		return fmt.Sprintf("%T", ee.Err)
	}

	return strings.Join(titleParts, " ")
}

// formatCategoryForTitle spells a category the way it should read in a
// Sentry issue title.
func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryValidation:
		return "Validation Error"
	case CategoryFileIO:
		return "File I/O Error"
	case CategoryFileParsing:
		return "File Parsing Error"
	case CategoryDatabase:
		return "Database Error"
	case CategoryNetwork:
		return "Network Error"
	case CategoryHTTP:
		return "HTTP Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategorySystem:
		return "System Error"
	case CategoryMQTTConnection, CategoryMQTTPublish:
		return "MQTT Error"
	case CategoryRemoteFetch:
		return "Remote Fetch Error"
	case CategoryNotification:
		return "Notification Error"
	default:
		return string(category)
	}
}

// formatOperationForTitle turns snake_case operation names into title words
func formatOperationForTitle(operation string) string {
	formatted := strings.ReplaceAll(operation, "_", " ")
	words := strings.Fields(formatted)
	for i, word := range words {
		words[i] = titleCase(word)
	}
	return strings.Join(words, " ")
}

// titleCase upper-cases the first rune, strings.Title is deprecated
func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// getErrorLevel maps a category to Sentry severity. Transient shop-floor
// conditions report as warnings, everything pointing at data or
// environment problems reports as an error.
func getErrorLevel(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryDatabase:
		return sentry.LevelError
	case CategoryValidation:
		return sentry.LevelError
	case CategoryConfiguration, CategorySystem:
		return sentry.LevelError
	case CategoryNetwork, CategoryMQTTConnection, CategoryRemoteFetch:
		return sentry.LevelWarning
	case CategoryFileIO, CategoryFileParsing:
		return sentry.LevelWarning // often just a bad export file
	case CategoryHTTP, CategoryNotification:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

// PrivacyScrubber rewrites a message so it is safe to leave the site.
type PrivacyScrubber func(string) string

// Installed by the telemetry package at startup
var globalPrivacyScrubber PrivacyScrubber

// SetPrivacyScrubber replaces the built-in fallback scrubber.
func SetPrivacyScrubber(scrubber PrivacyScrubber) {
	globalPrivacyScrubber = scrubber
}

// scrubMessageForPrivacy runs the installed scrubber, or the built-in
// fallback when none is installed
func scrubMessageForPrivacy(message string) string {
	if globalPrivacyScrubber != nil {
		return globalPrivacyScrubber(message)
	}
	return basicURLScrub(message)
}

// basicURLScrub is the fallback scrubber. It replaces machine-share hosts,
// query strings, credentials and shop-floor identifiers.
func basicURLScrub(message string) string {
	// Machine-share URLs embed shop-floor hostnames, replace them with
	// their endpoint category
	remoteRegex := regexp.MustCompile(`s?ftp://\S+`)
	scrubbed := remoteRegex.ReplaceAllStringFunc(message, func(url string) string {
		return "[" + categorizeURL(url) + "]"
	})

	// Query strings carry keys and tokens
	urlRegex := regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	scrubbed = urlRegex.ReplaceAllString(scrubbed, "$1?[REDACTED]")

	// Bare query fragments outside a full URL
	queryParamRegex := regexp.MustCompile(`[?&]([^=\s]+)=([^&\s]+)`)
	scrubbed = queryParamRegex.ReplaceAllString(scrubbed, "?[REDACTED]")

	credentialPatterns := []string{
		`api[_-]?key[=:]\S+`,     // api_key=xxx, apikey:xxx
		`token[=:]\S+`,           // token=xxx
		`auth[=:]\S+`,            // auth=xxx
		`password[=:]\S+`,        // password=xxx
		`key[=:][0-9a-fA-F]{8,}`, // key=hexstring
		`[0-9a-fA-F]{32,}`,       // Long hex strings (likely API keys)
	}

	// Serial numbers and other shop-floor identifiers
	idPatterns := []string{
		`serial[_-]?number[=:]\S+`, // serial_number=xxx
		`machine[_-]?name[=:]\S+`,  // machine_name=xxx
		`user[_-]?id[=:]\S+`,       // user_id=xxx
	}

	for _, pattern := range credentialPatterns {
		regex := regexp.MustCompile(pattern)
		scrubbed = regex.ReplaceAllString(scrubbed, "[CREDENTIAL_REDACTED]")
	}

	for _, pattern := range idPatterns {
		regex := regexp.MustCompile(pattern)
		scrubbed = regex.ReplaceAllString(scrubbed, "[ID_REDACTED]")
	}

	return scrubbed
}

// categorizeURL maps a URL to a coarse endpoint label that is safe to
// report
func categorizeURL(url string) string {
	url = strings.ToLower(url)
	switch {
	case strings.HasPrefix(url, "ftp://"):
		return "ftp-endpoint"
	case strings.HasPrefix(url, "sftp://"):
		return "sftp-endpoint"
	case strings.HasPrefix(url, "mqtt://"), strings.HasPrefix(url, "tcp://"), strings.HasPrefix(url, "ssl://"):
		return "mqtt-broker"
	case strings.HasPrefix(url, "http://"):
		return "http-endpoint"
	case strings.HasPrefix(url, "https://"):
		return "https-endpoint"
	default:
		return "other-protocol"
	}
}
