// Package errors carries component and category metadata on errors and
// forwards them to telemetry when a reporter is installed. It re-exports
// the standard library helpers so callers import only this package.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorCategory groups errors for logging, telemetry and retry decisions
type ErrorCategory string

const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryFileIO         ErrorCategory = "file-io"
	CategoryFileParsing    ErrorCategory = "file-parsing"
	CategoryDatabase       ErrorCategory = "database"
	CategoryNetwork        ErrorCategory = "network"
	CategoryHTTP           ErrorCategory = "http-request"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategorySystem         ErrorCategory = "system-resource"
	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"
	CategoryNotification   ErrorCategory = "notification"
	CategoryRemoteFetch    ErrorCategory = "remote-fetch"
	CategoryGeneric        ErrorCategory = "generic"
	CategoryNotFound       ErrorCategory = "not-found"
	CategoryCancellation   ErrorCategory = "cancellation"
)

// CategorizedError lets an error name its own category, which takes
// precedence over the heuristics in detectCategory
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

// Priority values accepted by ErrorBuilder.Priority
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is the component value when stack detection finds no
// registered package.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with component, category and context metadata
type EnhancedError struct {
	Err       error          // Original error
	Category  ErrorCategory  // Error category for grouping
	Priority  string         // Explicit priority override (optional)
	Context   map[string]any // Additional context data
	Timestamp time.Time      // When the error occurred

	component string       // Filled by the builder or lazily from the call stack
	detected  bool         // Whether component detection already ran
	reported  bool         // Whether telemetry has been sent
	mu        sync.RWMutex // Guards component, detected and reported
}

// Error returns the wrapped error's message, the metadata never leaks into
// the error string
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap exposes the original error to errors.Is and errors.As
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches two enhanced errors by category, otherwise defers to the
// wrapped error chain
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return Is(ee.Err, target)
}

// GetComponent returns the component name, detecting it from the call
// stack on first use when the builder did not set one
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	if ee.detected || ee.component != "" {
		component := ee.component
		ee.mu.RUnlock()
		return component
	}
	ee.mu.RUnlock()

	ee.mu.Lock()
	defer ee.mu.Unlock()
	if ee.component == "" && !ee.detected {
		ee.component = detectComponent()
		ee.detected = true
	}
	return ee.component
}

// GetPriority returns the explicit priority, empty when unset
func (ee *EnhancedError) GetPriority() string {
	return ee.Priority
}

// GetContext returns a copy of the context map so callers cannot mutate
// the error after the fact
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}
	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// MarkReported records that telemetry has seen this error
func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.reported = true
}

// IsReported reports whether telemetry already saw this error
func (ee *EnhancedError) IsReported() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.reported
}

// ErrorBuilder assembles an EnhancedError through a fluent chain ending
// in Build
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts a builder around an existing error
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts a builder around a newly formatted error
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component names the component the error belongs to. Left unset, the
// component is detected from the call stack when somebody asks for it
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category assigns the error category
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets an explicit priority. Unknown values fall back to medium
// rather than failing, the builder never returns errors itself
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

// Context attaches one key/value pair of diagnostic detail
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build finalizes the error. Component and category detection, and the
// telemetry report, only happen when a reporter is installed; otherwise
// Build stays cheap enough for hot paths
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
		component: eb.component,
		detected:  eb.component != "",
	}

	if !hasActiveReporting.Load() {
		if ee.component == "" {
			ee.component = ComponentUnknown
			ee.detected = true
		}
		if ee.Category == "" {
			ee.Category = CategoryGeneric
		}
		return ee
	}

	if ee.component == "" {
		ee.component = detectComponent()
		ee.detected = true
	}
	if ee.Category == "" {
		ee.Category = detectCategory(ee.Err, ee.component)
	}

	reportToTelemetry(ee)
	return ee
}

// Component registry mapping package name fragments to component names.
var (
	componentRegistry = make(map[string]string)
	registryMutex     sync.RWMutex
)

// RegisterComponent maps a package path fragment to a component name used
// in telemetry and logs
func RegisterComponent(packagePattern, componentName string) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	componentRegistry[packagePattern] = componentName
}

func init() {
	RegisterComponent("classify", "classify")
	RegisterComponent("ingest", "ingest")
	RegisterComponent("fetch", "fetch")
	RegisterComponent("datastore", "datastore")
	RegisterComponent("export", "export")
	RegisterComponent("mqtt", "mqtt")
	RegisterComponent("notify", "notify")
	RegisterComponent("conf", "configuration")
	RegisterComponent("telemetry", "telemetry")
	RegisterComponent("httpcontroller", "http-controller")
	RegisterComponent("api", "api")
	RegisterComponent("observability", "observability")
}

// ownPackagePath identifies this package's frames in the call stack.
const ownPackagePath = "github.com/factorylens/aoitrack/internal/errors"

// detectComponent walks the call stack and returns the component of the
// first frame outside this package that matches the registry
func detectComponent() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)

	for _, pc := range pcs[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		funcName := fn.Name()
		if strings.Contains(funcName, ownPackagePath) {
			continue
		}
		if component := lookupComponent(funcName); component != ComponentUnknown {
			return component
		}
	}
	return ComponentUnknown
}

// lookupComponent resolves a fully qualified function name against the
// registry, falling back to the bare package name
func lookupComponent(funcName string) string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	for pattern, component := range componentRegistry {
		if strings.Contains(funcName, pattern) {
			return component
		}
	}

	parts := strings.Split(funcName, "/")
	if len(parts) > 0 {
		lastPart := parts[len(parts)-1]
		if dotIndex := strings.Index(lastPart, "."); dotIndex > 0 {
			return lastPart[:dotIndex]
		}
	}
	return ComponentUnknown
}

// detectCategory guesses a category from the error itself, its message,
// then the component it came from
func detectCategory(err error, component string) ErrorCategory {
	var catErr CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.ErrorCategory()
	}

	var enhErr *EnhancedError
	if stderrors.As(err, &enhErr) && enhErr.Category != "" {
		return enhErr.Category
	}

	msg := strings.ToLower(err.Error())
	switch {
	// Parsing before generic file errors, parse failures usually mention
	// the file too
	case strings.Contains(msg, "parse"), strings.Contains(msg, "column"), strings.Contains(msg, "header"):
		return CategoryFileParsing
	case strings.Contains(msg, "file"), strings.Contains(msg, "read"), strings.Contains(msg, "open"):
		return CategoryFileIO
	case strings.Contains(msg, "broker"):
		return CategoryMQTTConnection
	case strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"):
		if component == "mqtt" {
			return CategoryMQTTConnection
		}
		return CategoryNetwork
	case strings.Contains(msg, "validation"), strings.Contains(msg, "mismatch"), strings.Contains(msg, "invalid"):
		return CategoryValidation
	}

	switch component {
	case "datastore":
		return CategoryDatabase
	case "http-controller", "api":
		return CategoryHTTP
	case "configuration":
		return CategoryConfiguration
	case "fetch":
		return CategoryRemoteFetch
	case "notify":
		return CategoryNotification
	}
	return CategoryGeneric
}

// Standard library passthroughs, so importing packages need only this
// package for error handling.

// NewStd creates a plain error, the standard library errors.New
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound reports whether err is a CategoryNotFound error, the usual
// check for missing records
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
