package migration

import (
	"time"
)

// Phase is the workflow phase of a migration. Only the workflow engine
// writes it; workers receive a snapshot and return updated slices.
type Phase string

const (
	PhasePlanning          Phase = "planning"
	PhaseValidating        Phase = "validating"
	PhaseAnalyzing         Phase = "analyzing"
	PhaseDeploying         Phase = "deploying"
	PhaseTerminalSuccess   Phase = "terminal_success"
	PhaseTerminalFailure   Phase = "terminal_failure"
	PhaseTerminalEscalated Phase = "terminal_escalated"
)

// Terminal reports whether the phase is one of the three terminal phases.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseTerminalSuccess, PhaseTerminalFailure, PhaseTerminalEscalated:
		return true
	}
	return false
}

// ProjectType determines manifest path, container image, and the
// install/run/test command set used during validation.
type ProjectType string

const (
	ProjectNode   ProjectType = "node"
	ProjectPython ProjectType = "python"
)

// ManifestPath returns the dependency manifest path relative to the
// project root.
func (t ProjectType) ManifestPath() string {
	switch t {
	case ProjectPython:
		return "requirements.txt"
	default:
		return "package.json"
	}
}

// Image returns the container base image for the project type.
func (t ProjectType) Image() string {
	switch t {
	case ProjectPython:
		return "python:3.11-slim"
	default:
		return "node:20-slim"
	}
}

// DefaultPort returns the conventional application port for the project type.
func (t ProjectType) DefaultPort() int {
	if t == ProjectPython {
		return 5000
	}
	return 3000
}

// Valid reports whether the project type is one of the supported kinds.
func (t ProjectType) Valid() bool {
	return t == ProjectNode || t == ProjectPython
}

// Source identifies where the project came from. Immutable once set.
type Source struct {
	LocalPath string `json:"local_path,omitempty"`
	GitURL    string `json:"git_url,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
	// AuthToken is never persisted; redaction happens at the JSON boundary.
	AuthToken string `json:"-"`
}

// Remote reports whether the source is a git repository reference.
func (s Source) Remote() bool {
	return s.GitURL != ""
}

// TokenUsage tracks LLM token consumption and money cost for one worker.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostAccumulator itemizes reasoner spend per worker.
type CostAccumulator struct {
	PerWorker map[string]TokenUsage `json:"per_worker,omitempty"`
}

// Add accumulates usage for the named worker.
func (c *CostAccumulator) Add(worker string, usage TokenUsage) {
	if c.PerWorker == nil {
		c.PerWorker = make(map[string]TokenUsage)
	}
	cur := c.PerWorker[worker]
	cur.InputTokens += usage.InputTokens
	cur.OutputTokens += usage.OutputTokens
	cur.CostUSD += usage.CostUSD
	c.PerWorker[worker] = cur
}

// Total returns the summed usage across workers.
func (c *CostAccumulator) Total() TokenUsage {
	var total TokenUsage
	for _, u := range c.PerWorker {
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CostUSD += u.CostUSD
	}
	return total
}

// State is the sole piece of mutable workflow memory. The workflow engine
// owns it exclusively while the migration is active; it becomes immutable
// once a terminal phase is committed.
type State struct {
	ID          string      `json:"id"`
	ProjectRoot string      `json:"project_root"`
	ProjectType ProjectType `json:"project_type"`
	Source      Source      `json:"source"`

	Plan       *Plan             `json:"plan,omitempty"`
	Outcome    *ValidationOutcome `json:"outcome,omitempty"`
	Diagnosis  *ErrorDiagnosis   `json:"diagnosis,omitempty"`
	Deployment *DeploymentRecord `json:"deployment,omitempty"`

	Errors      []string `json:"errors,omitempty"`
	RetriesUsed int      `json:"retries_used"`
	RetriesMax  int      `json:"retries_max"`

	Phase      Phase      `json:"phase"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Cost CostAccumulator `json:"cost_accum"`

	// ReportPaths points at formatter output under the persist root.
	// The core only records the locations.
	ReportPaths []string `json:"report_paths,omitempty"`
}

// Clone returns a deep copy so workers can operate on a snapshot without
// observing engine-side mutation.
func (s *State) Clone() *State {
	out := *s
	out.Errors = append([]string(nil), s.Errors...)
	out.ReportPaths = append([]string(nil), s.ReportPaths...)
	if s.Plan != nil {
		out.Plan = s.Plan.Clone()
	}
	if s.Outcome != nil {
		oc := *s.Outcome
		oc.Errors = append([]string(nil), s.Outcome.Errors...)
		if s.Outcome.Logs != nil {
			oc.Logs = make(map[string]string, len(s.Outcome.Logs))
			for k, v := range s.Outcome.Logs {
				oc.Logs[k] = v
			}
		}
		out.Outcome = &oc
	}
	if s.Diagnosis != nil {
		d := *s.Diagnosis
		d.Fixes = append([]Fix(nil), s.Diagnosis.Fixes...)
		out.Diagnosis = &d
	}
	if s.Deployment != nil {
		dep := *s.Deployment
		out.Deployment = &dep
	}
	if s.Cost.PerWorker != nil {
		out.Cost.PerWorker = make(map[string]TokenUsage, len(s.Cost.PerWorker))
		for k, v := range s.Cost.PerWorker {
			out.Cost.PerWorker[k] = v
		}
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// AddError appends a description to the ordered error list.
func (s *State) AddError(desc string) {
	s.Errors = append(s.Errors, desc)
}
