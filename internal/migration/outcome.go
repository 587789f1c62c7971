package migration

// ValidationOutcome is the record produced by one validation attempt inside
// the sandbox container.
type ValidationOutcome struct {
	ContainerName string `json:"container_name"`
	HostPort      int    `json:"host_port"`

	InstallOK     bool `json:"install_ok"`
	StartOK       bool `json:"start_ok"`
	HealthOK      bool `json:"health_ok"`
	TestsFound    bool `json:"tests_found"`
	TestsOK       bool `json:"tests_ok"`
	VersionsMatch bool `json:"versions_match"`

	// Logs maps stage name to captured output, truncated from the head
	// when over quota.
	Logs map[string]string `json:"logs,omitempty"`

	// TestSummary is a short parsed string such as "32 passed, 32 total",
	// "unparsed" when the runner output could not be recognized, or empty
	// when no tests are present.
	TestSummary string `json:"test_summary,omitempty"`

	// Errors is the ordered list of stage-prefixed error strings.
	Errors []string `json:"errors,omitempty"`
}

// OK reports overall validation success. Tests only gate the result when
// they exist; versions always do.
func (o *ValidationOutcome) OK() bool {
	if !o.InstallOK || !o.StartOK || !o.HealthOK || !o.VersionsMatch {
		return false
	}
	if o.TestsFound && !o.TestsOK {
		return false
	}
	return true
}

// AddError appends a stage-prefixed error string.
func (o *ValidationOutcome) AddError(stage, msg string) {
	o.Errors = append(o.Errors, stage+": "+msg)
}
