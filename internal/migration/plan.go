package migration

// Action describes what happens to a single dependency.
type Action string

const (
	ActionUpgrade Action = "upgrade"
	ActionRemove  Action = "remove"
	ActionAdd     Action = "add"
	ActionKeep    Action = "keep"
)

// Risk grades the chance that a dependency change breaks the project.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// rank orders risks so the overall risk is the maximum among dependencies.
func (r Risk) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Max returns the riskier of two risks.
func (r Risk) Max(other Risk) Risk {
	if other.rank() > r.rank() {
		return other
	}
	return r
}

// BreakingChange records a known breaking change between versions.
type BreakingChange struct {
	Version  string `json:"version"`
	Severity string `json:"severity"`
	Note     string `json:"note"`
}

// DependencyChange is the planned mutation for one package.
type DependencyChange struct {
	CurrentVersion  string           `json:"current_version"`
	TargetVersion   string           `json:"target_version"`
	Action          Action           `json:"action"`
	Risk            Risk             `json:"risk"`
	BreakingChanges []BreakingChange `json:"breaking_changes,omitempty"`
}

// PlanPhase is one ordered step of the upgrade.
type PlanPhase struct {
	Name            string   `json:"name"`
	DependencyNames []string `json:"dependency_names"`
	EstimatedTime   string   `json:"estimated_time,omitempty"`
	RollbackNote    string   `json:"rollback_note,omitempty"`
}

// Plan is the structured description of proposed dependency mutations.
type Plan struct {
	Dependencies map[string]DependencyChange `json:"dependencies"`
	Phases       []PlanPhase                 `json:"phases"`
	OverallRisk  Risk                        `json:"overall_risk"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{
		Dependencies: make(map[string]DependencyChange, len(p.Dependencies)),
		Phases:       make([]PlanPhase, len(p.Phases)),
		OverallRisk:  p.OverallRisk,
	}
	for name, dep := range p.Dependencies {
		dep.BreakingChanges = append([]BreakingChange(nil), dep.BreakingChanges...)
		out.Dependencies[name] = dep
	}
	for i, ph := range p.Phases {
		ph.DependencyNames = append([]string(nil), ph.DependencyNames...)
		out.Phases[i] = ph
	}
	return out
}

// ComputeOverallRisk recomputes OverallRisk as the maximum dependency risk.
func (p *Plan) ComputeOverallRisk() {
	risk := RiskLow
	for _, dep := range p.Dependencies {
		risk = risk.Max(dep.Risk)
	}
	p.OverallRisk = risk
}

// PatchOp is the kind of a single plan mutation.
type PatchOp string

const (
	PatchSetTarget PatchOp = "set_target" // change target_version of an existing dependency
	PatchAddDep    PatchOp = "add_dep"    // insert a new dependency (compat shim and the like)
	PatchRemoveDep PatchOp = "remove_dep" // drop a dependency from the plan
	PatchKeepDep   PatchOp = "keep_dep"   // demote a change to a no-op
)

// PlanPatch is a structured mutation applied to the current plan by the
// analyzer loop. Fields beyond Op/Dependency apply per operation.
type PlanPatch struct {
	Op            PatchOp `json:"op"`
	Dependency    string  `json:"dependency"`
	TargetVersion string  `json:"target_version,omitempty"`
	Risk          Risk    `json:"risk,omitempty"`
	Note          string  `json:"note,omitempty"`
}

// Apply mutates the plan in place per the patch. Unknown dependencies are
// inserted for set_target so a diagnosis can both pin and add.
func (p *Plan) Apply(patch PlanPatch) {
	if p.Dependencies == nil {
		p.Dependencies = make(map[string]DependencyChange)
	}
	switch patch.Op {
	case PatchSetTarget:
		dep := p.Dependencies[patch.Dependency]
		dep.TargetVersion = patch.TargetVersion
		if dep.Action == "" || dep.Action == ActionKeep {
			dep.Action = ActionUpgrade
		}
		if patch.Risk != "" {
			dep.Risk = patch.Risk
		}
		p.Dependencies[patch.Dependency] = dep
	case PatchAddDep:
		risk := patch.Risk
		if risk == "" {
			risk = RiskLow
		}
		p.Dependencies[patch.Dependency] = DependencyChange{
			TargetVersion: patch.TargetVersion,
			Action:        ActionAdd,
			Risk:          risk,
		}
	case PatchRemoveDep:
		dep := p.Dependencies[patch.Dependency]
		dep.Action = ActionRemove
		p.Dependencies[patch.Dependency] = dep
	case PatchKeepDep:
		dep := p.Dependencies[patch.Dependency]
		dep.Action = ActionKeep
		dep.TargetVersion = dep.CurrentVersion
		p.Dependencies[patch.Dependency] = dep
	}
	p.ComputeOverallRisk()
}
