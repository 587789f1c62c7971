package migration

// Category classifies the root cause of a validation failure.
type Category string

const (
	CategoryMissingDep      Category = "missing_dep"
	CategoryAPIBreaking     Category = "api_breaking"
	CategoryPeerConflict    Category = "peer_conflict"
	CategoryConfig          Category = "config"
	CategoryVersionConflict Category = "version_conflict"
	CategoryUnknown         Category = "unknown"
)

// Fix is one candidate remediation with its plan mutation.
type Fix struct {
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	Patch       PlanPatch `json:"plan_patch"`
}

// ErrorDiagnosis is the analyzer's categorized explanation of a failed
// validation, with fixes ordered by descending confidence.
type ErrorDiagnosis struct {
	RootCause string   `json:"root_cause"`
	Category  Category `json:"category"`
	Fixes     []Fix    `json:"fixes,omitempty"`
}

// BestApplicableFix returns the highest-confidence fix that carries a plan
// patch. Providers sometimes emit a fix with no patch at all; such a fix
// cannot mutate the plan and must not shadow an actionable one further down
// the list.
func (d *ErrorDiagnosis) BestApplicableFix() (Fix, bool) {
	var best Fix
	found := false
	for _, f := range d.Fixes {
		if f.Patch.Dependency == "" {
			continue
		}
		if !found || f.Confidence > best.Confidence {
			best = f
			found = true
		}
	}
	return best, found
}

// DeploymentRecord is the remote-side artifact produced after a successful
// validation.
type DeploymentRecord struct {
	BranchName    string `json:"branch_name"`
	CommitMessage string `json:"commit_message"`
	PRURL         string `json:"pr_url"`
}
