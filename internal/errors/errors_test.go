package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestFastPathNoTelemetry(t *testing.T) {
	t.Parallel()

	SetTelemetryReporter(nil)

	// Without a reporter, Build skips stack walking and category detection
	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != "unknown" {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestBuilderSetsAllFields(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("row group collapse failed")
	ee := New(err).
		Component("ingest").
		Category(CategoryFileParsing).
		Priority(PriorityHigh).
		Context("file", "export.csv").
		Context("row", 42).
		Build()

	if ee.GetComponent() != "ingest" {
		t.Errorf("Expected component 'ingest', got '%s'", ee.GetComponent())
	}
	if ee.Category != CategoryFileParsing {
		t.Errorf("Expected category file-parsing, got '%s'", ee.Category)
	}
	if ee.GetPriority() != PriorityHigh {
		t.Errorf("Expected priority high, got '%s'", ee.GetPriority())
	}

	ctx := ee.GetContext()
	if ctx["file"] != "export.csv" {
		t.Errorf("Expected context file 'export.csv', got '%v'", ctx["file"])
	}
	if ctx["row"] != 42 {
		t.Errorf("Expected context row 42, got '%v'", ctx["row"])
	}
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("x")).Priority("urgent-ish").Build()
	if ee.GetPriority() != PriorityMedium {
		t.Errorf("Expected fallback priority medium, got '%s'", ee.GetPriority())
	}
}

func TestUnwrapAndIs(t *testing.T) {
	t.Parallel()

	base := NewStd("base failure")
	wrapped := fmt.Errorf("outer: %w", base)
	ee := New(wrapped).Component("datastore").Build()

	if !Is(ee, base) {
		t.Error("Expected errors.Is to find the base error through the enhanced wrapper")
	}
	if Unwrap(ee) != wrapped {
		t.Error("Expected Unwrap to return the wrapped error")
	}
}

func TestIsCategoryAndIsNotFound(t *testing.T) {
	t.Parallel()

	nf := Newf("defect 17 not found").Category(CategoryNotFound).Build()
	if !IsNotFound(nf) {
		t.Error("Expected IsNotFound to be true for CategoryNotFound error")
	}
	if IsCategory(nf, CategoryDatabase) {
		t.Error("Expected IsCategory(database) to be false for not-found error")
	}

	plain := fmt.Errorf("plain")
	if IsNotFound(plain) {
		t.Error("Expected IsNotFound to be false for a plain error")
	}
}

func TestContextCopyIsIsolated(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("x")).Context("key", "value").Build()
	ctx := ee.GetContext()
	ctx["key"] = "mutated"

	if ee.GetContext()["key"] != "value" {
		t.Error("Expected GetContext to return a copy, original was mutated")
	}
}

func TestBasicURLScrub(t *testing.T) {
	t.Parallel()

	// Query strings carry API keys
	testMessage1 := "Error at https://api.example.com?api_key=secret123&token=abc"
	scrubbed1 := basicURLScrub(testMessage1)
	expected1 := "Error at https://api.example.com?[REDACTED]"
	if scrubbed1 != expected1 {
		t.Errorf("URL scrubbing failed. Expected: %s, got: %s", expected1, scrubbed1)
	}

	// Credentials outside a URL
	testMessage2 := "FTP login failed: password=secret123"
	scrubbed2 := basicURLScrub(testMessage2)
	if strings.Contains(scrubbed2, "secret123") {
		t.Errorf("Credential scrubbing failed. Sensitive data still present: %s", scrubbed2)
	}

	// Test serial number scrubbing
	testMessage3 := "upsert failed for serial_number=SN0012345"
	scrubbed3 := basicURLScrub(testMessage3)
	if strings.Contains(scrubbed3, "SN0012345") {
		t.Errorf("Serial scrubbing failed. Sensitive data still present: %s", scrubbed3)
	}

	// Machine-share URLs carry shop-floor hostnames
	testMessage4 := "download from ftp://line3-aoi/exports failed"
	scrubbed4 := basicURLScrub(testMessage4)
	if strings.Contains(scrubbed4, "line3-aoi") {
		t.Errorf("Host scrubbing failed. Hostname still present: %s", scrubbed4)
	}
	if !strings.Contains(scrubbed4, "[ftp-endpoint]") {
		t.Errorf("Expected endpoint category label, got: %s", scrubbed4)
	}
}

func TestCategorizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ftp://machine01/exports":    "ftp-endpoint",
		"sftp://machine02/exports":   "sftp-endpoint",
		"tcp://broker.local:1883":    "mqtt-broker",
		"https://hooks.example.com":  "https-endpoint",
		"http://dashboard.local":     "http-endpoint",
		"file:///var/lib/aoi/export": "other-protocol",
	}
	for url, want := range cases {
		if got := categorizeURL(url); got != want {
			t.Errorf("categorizeURL(%q) = %q, want %q", url, got, want)
		}
	}
}
