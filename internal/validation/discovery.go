package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// npm writes this placeholder into freshly-initialized projects; its
// presence means no real test suite exists.
const npmPlaceholderTest = `echo "Error: no test specified" && exit 1`

// HasNodeTests reports whether package.json declares a runnable test
// script. The npm placeholder and trivial exit scripts do not count.
func HasNodeTests(manifest []byte) bool {
	var root struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(manifest, &root); err != nil {
		return false
	}

	script := strings.TrimSpace(root.Scripts["test"])
	if script == "" {
		return false
	}
	lower := strings.ToLower(script)
	if strings.Contains(lower, "no test") {
		return false
	}
	if script == npmPlaceholderTest {
		return false
	}
	if isExitOnly(lower) {
		return false
	}
	return true
}

// isExitOnly matches scripts that do nothing but exit, such as "exit 0".
func isExitOnly(script string) bool {
	s := strings.TrimSpace(script)
	if !strings.HasPrefix(s, "exit") {
		return false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(s, "exit"))
	if rest == "" {
		return true
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	// jest/vitest style: "Tests: 2 failed, 30 passed, 32 total"
	jestSummaryRe = regexp.MustCompile(`Tests:\s+(?:\d+\s+failed,\s+)?(\d+)\s+passed,\s+(\d+)\s+total`)
	// pytest style: "32 passed" with optional failures alongside
	pytestPassedRe = regexp.MustCompile(`(\d+) passed`)
	pytestFailedRe = regexp.MustCompile(`(\d+) failed`)
	// mocha style: "30 passing"
	mochaPassingRe = regexp.MustCompile(`(\d+) passing`)
	mochaFailingRe = regexp.MustCompile(`(\d+) failing`)
)

// ParseTestSummary extracts a short summary from test runner output.
// Unrecognized output yields "unparsed" so the raw log remains the source
// of truth.
func ParseTestSummary(output string) string {
	if m := jestSummaryRe.FindStringSubmatch(output); m != nil {
		return fmt.Sprintf("%s passed, %s total", m[1], m[2])
	}

	if m := mochaPassingRe.FindStringSubmatch(output); m != nil {
		if f := mochaFailingRe.FindStringSubmatch(output); f != nil {
			return fmt.Sprintf("%s passed, %s failed", m[1], f[1])
		}
		return m[1] + " passed"
	}

	if m := pytestPassedRe.FindStringSubmatch(output); m != nil {
		if f := pytestFailedRe.FindStringSubmatch(output); f != nil {
			return fmt.Sprintf("%s passed, %s failed", m[1], f[1])
		}
		return m[1] + " passed"
	}

	return "unparsed"
}
