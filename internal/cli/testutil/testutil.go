// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

// WriteConfig writes a leapaudit.yaml with the given contents into dir and
// returns its path.
func WriteConfig(t *testing.T, dir, contents string) string {
	t.Helper()

	path := filepath.Join(dir, "leapaudit.yaml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// Buffers captures stdout and stderr of a command.
type Buffers struct {
	Out bytes.Buffer
	Err bytes.Buffer
}

// Output returns captured stdout.
func (b *Buffers) Output() string {
	return b.Out.String()
}

// ErrorOutput returns captured stderr.
func (b *Buffers) ErrorOutput() string {
	return b.Err.String()
}

// Reset clears both buffers.
func (b *Buffers) Reset() {
	b.Out.Reset()
	b.Err.Reset()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI fails if s contains ANSI escape sequences.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("output contains ANSI codes: %q", s)
	}
}

// AssertContains fails if s does not contain expected.
func AssertContains(t *testing.T, s, expected string) {
	t.Helper()
	if !strings.Contains(s, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, s)
	}
}

// AssertNotContains fails if s contains unexpected.
func AssertNotContains(t *testing.T, s, unexpected string) {
	t.Helper()
	if strings.Contains(s, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, s)
	}
}
