package reasoner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artemis/modernizer/internal/migration"
)

// Prompt size bounds. Manifests and logs beyond these are truncated from
// the head so the newest (usually most relevant) content survives.
const (
	maxManifestChars = 16 * 1024
	maxLogChars      = 6 * 1024
	maxErrorChars    = 2 * 1024
)

const planSystemPrompt = `You are a dependency upgrade planner. Given a project's dependency manifest, propose a phased upgrade plan.
Respond with a single JSON object:
{
  "dependencies": {
    "<package>": {
      "current_version": "...",
      "target_version": "...",
      "action": "upgrade|remove|add|keep",
      "risk": "low|medium|high",
      "breaking_changes": [{"version": "...", "severity": "...", "note": "..."}]
    }
  },
  "phases": [{"name": "...", "dependency_names": ["..."], "estimated_time": "...", "rollback_note": "..."}],
  "overall_risk": "low|medium|high"
}
Order phases from lowest to highest risk. Do not include commentary outside the JSON object.`

const diagnoseSystemPrompt = `You are a build-failure analyst. Given validation errors, captured logs, and the current upgrade plan, identify the root cause and propose fixes.
Respond with a single JSON object:
{
  "root_cause": "...",
  "category": "missing_dep|api_breaking|peer_conflict|config|version_conflict|unknown",
  "fixes": [
    {
      "description": "...",
      "confidence": 0.0,
      "plan_patch": {"op": "set_target|add_dep|remove_dep|keep_dep", "dependency": "...", "target_version": "...", "note": "..."}
    }
  ]
}
Order fixes by descending confidence. Do not include commentary outside the JSON object.`

const deploySystemPrompt = `You write concise pull request descriptions for automated dependency upgrades. Given the upgrade plan and validation results, write a markdown PR body with: a one-paragraph summary, a table of dependency changes, validation results, and any breaking changes to review. Respond with the markdown body only.`

func systemPrompt(task TaskKind) string {
	switch task {
	case TaskDiagnose:
		return diagnoseSystemPrompt
	case TaskDeployMessage:
		return deploySystemPrompt
	default:
		return planSystemPrompt
	}
}

func buildUserPrompt(task TaskKind, input Input) string {
	var b strings.Builder

	switch task {
	case TaskPlan:
		fmt.Fprintf(&b, "Project type: %s\n\nDependency manifest:\n", input.ProjectType)
		b.WriteString(truncateHead(input.Manifest, maxManifestChars))

	case TaskDiagnose:
		b.WriteString("Validation failed.\n\nErrors:\n")
		for _, e := range input.Errors {
			fmt.Fprintf(&b, "- %s\n", truncateHead(e, maxErrorChars))
		}
		if len(input.Logs) > 0 {
			stages := make([]string, 0, len(input.Logs))
			for stage := range input.Logs {
				stages = append(stages, stage)
			}
			sort.Strings(stages)
			for _, stage := range stages {
				fmt.Fprintf(&b, "\nLog [%s]:\n%s\n", stage, truncateHead(input.Logs[stage], maxLogChars))
			}
		}
		if input.Plan != nil {
			b.WriteString("\nCurrent plan dependencies:\n")
			writePlanDeps(&b, input.Plan)
		}

	case TaskDeployMessage:
		b.WriteString("Upgrade plan:\n")
		if input.Plan != nil {
			writePlanDeps(&b, input.Plan)
		}
		if input.Outcome != nil {
			fmt.Fprintf(&b, "\nValidation: install=%t start=%t health=%t versions=%t",
				input.Outcome.InstallOK, input.Outcome.StartOK,
				input.Outcome.HealthOK, input.Outcome.VersionsMatch)
			if input.Outcome.TestsFound {
				fmt.Fprintf(&b, " tests=%t (%s)", input.Outcome.TestsOK, input.Outcome.TestSummary)
			} else {
				b.WriteString(" tests=none")
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

func writePlanDeps(b *strings.Builder, plan *migration.Plan) {
	names := make([]string, 0, len(plan.Dependencies))
	for name := range plan.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dep := plan.Dependencies[name]
		fmt.Fprintf(b, "- %s: %s -> %s (%s, risk %s)\n",
			name, dep.CurrentVersion, dep.TargetVersion, dep.Action, dep.Risk)
	}
}

// truncateHead keeps the tail of s when it exceeds limit.
func truncateHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "...[truncated]...\n" + s[len(s)-limit:]
}
