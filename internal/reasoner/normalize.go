package reasoner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/artemis/modernizer/internal/migration"
)

// The normalizer is the only place that knows about provider-specific key
// variants. Workers see canonical records exclusively.

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func pickFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case json.Number:
				if f, err := n.Float64(); err == nil {
					return f, true
				}
			}
		}
	}
	return 0, false
}

func pickStrings(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if arr, ok := v.([]any); ok {
				out := make([]string, 0, len(arr))
				for _, item := range arr {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
				return out
			}
		}
	}
	return nil
}

func normalizeAction(s string) migration.Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "remove", "delete", "drop":
		return migration.ActionRemove
	case "add", "install", "insert":
		return migration.ActionAdd
	case "keep", "hold", "skip", "none":
		return migration.ActionKeep
	default:
		return migration.ActionUpgrade
	}
}

func normalizeRisk(s string) migration.Risk {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "severe":
		return migration.RiskHigh
	case "medium", "moderate", "med":
		return migration.RiskMedium
	default:
		return migration.RiskLow
	}
}

func normalizeCategory(s string) migration.Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "missing_dep", "missing_dependency", "missing_module", "missingdep":
		return migration.CategoryMissingDep
	case "api_breaking", "breaking_api", "api_change", "apibreaking":
		return migration.CategoryAPIBreaking
	case "peer_conflict", "peer_dependency", "peerconflict":
		return migration.CategoryPeerConflict
	case "config", "configuration", "misconfiguration":
		return migration.CategoryConfig
	case "version_conflict", "incompatible_version", "versionconflict":
		return migration.CategoryVersionConflict
	default:
		return migration.CategoryUnknown
	}
}

// NormalizePlan maps a provider reply onto the canonical Plan record.
// Returns ErrMalformed when no dependency map can be recovered.
func NormalizePlan(content string) (*migration.Plan, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}

	var root map[string]any
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	depsRaw, ok := root["dependencies"].(map[string]any)
	if !ok {
		if depsRaw, ok = root["packages"].(map[string]any); !ok {
			return nil, fmt.Errorf("%w: missing dependencies map", ErrMalformed)
		}
	}

	plan := &migration.Plan{
		Dependencies: make(map[string]migration.DependencyChange, len(depsRaw)),
	}

	for name, v := range depsRaw {
		depMap, ok := v.(map[string]any)
		if !ok {
			// Some providers answer {"express": "4.19.2"}; treat the value
			// as the target version.
			if target, isStr := v.(string); isStr {
				plan.Dependencies[name] = migration.DependencyChange{
					TargetVersion: target,
					Action:        migration.ActionUpgrade,
					Risk:          migration.RiskLow,
				}
			}
			continue
		}

		change := migration.DependencyChange{
			CurrentVersion: pickString(depMap, "current_version", "current", "currentVersion", "from"),
			TargetVersion:  pickString(depMap, "target_version", "target", "targetVersion", "latest_version", "latest", "to"),
			Action:         normalizeAction(pickString(depMap, "action", "operation", "change")),
			Risk:           normalizeRisk(pickString(depMap, "risk", "risk_level", "riskLevel")),
		}

		if bcs, ok := depMap["breaking_changes"].([]any); ok {
			change.BreakingChanges = normalizeBreakingChanges(bcs)
		} else if bcs, ok := depMap["breakingChanges"].([]any); ok {
			change.BreakingChanges = normalizeBreakingChanges(bcs)
		}

		plan.Dependencies[name] = change
	}

	plan.Phases = normalizePhases(root)
	if risk := pickString(root, "overall_risk", "overallRisk", "risk"); risk != "" {
		plan.OverallRisk = normalizeRisk(risk)
	} else {
		plan.ComputeOverallRisk()
	}

	return plan, nil
}

func normalizeBreakingChanges(items []any) []migration.BreakingChange {
	out := make([]migration.BreakingChange, 0, len(items))
	for _, item := range items {
		switch bc := item.(type) {
		case map[string]any:
			out = append(out, migration.BreakingChange{
				Version:  pickString(bc, "version", "since"),
				Severity: pickString(bc, "severity", "level"),
				Note:     pickString(bc, "note", "description", "detail"),
			})
		case string:
			out = append(out, migration.BreakingChange{Note: bc})
		}
	}
	return out
}

// normalizePhases accepts either an ordered "phases" array or scattered
// "phase1".."phaseN" keys, collapsing the latter into order.
func normalizePhases(root map[string]any) []migration.PlanPhase {
	if arr, ok := root["phases"].([]any); ok {
		out := make([]migration.PlanPhase, 0, len(arr))
		for _, item := range arr {
			if m, ok := item.(map[string]any); ok {
				out = append(out, normalizePhase(m))
			}
		}
		return out
	}

	var keys []string
	for k := range root {
		if strings.HasPrefix(strings.ToLower(k), "phase") && len(k) > len("phase") {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	out := make([]migration.PlanPhase, 0, len(keys))
	for _, k := range keys {
		if m, ok := root[k].(map[string]any); ok {
			ph := normalizePhase(m)
			if ph.Name == "" {
				ph.Name = k
			}
			out = append(out, ph)
		}
	}
	return out
}

func normalizePhase(m map[string]any) migration.PlanPhase {
	return migration.PlanPhase{
		Name:            pickString(m, "name", "title"),
		DependencyNames: pickStrings(m, "dependency_names", "dependencies", "packages", "deps"),
		EstimatedTime:   pickString(m, "estimated_time", "estimatedTime", "duration"),
		RollbackNote:    pickString(m, "rollback_note", "rollback", "rollbackNote"),
	}
}

// NormalizeDiagnosis maps a provider reply onto the canonical diagnosis.
func NormalizeDiagnosis(content string) (*migration.ErrorDiagnosis, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}

	var root map[string]any
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	diag := &migration.ErrorDiagnosis{
		RootCause: pickString(root, "root_cause", "rootCause", "cause", "summary"),
		Category:  normalizeCategory(pickString(root, "category", "error_category", "kind")),
	}
	if diag.RootCause == "" {
		return nil, fmt.Errorf("%w: missing root cause", ErrMalformed)
	}

	var fixesRaw []any
	for _, key := range []string{"fixes", "suggested_fixes", "suggestions", "remediations"} {
		if arr, ok := root[key].([]any); ok {
			fixesRaw = arr
			break
		}
	}

	for _, item := range fixesRaw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fix := migration.Fix{
			Description: pickString(m, "description", "summary", "fix"),
		}
		if conf, ok := pickFloat(m, "confidence", "score"); ok {
			fix.Confidence = conf
		}

		var patchMap map[string]any
		for _, key := range []string{"plan_patch", "planPatch", "patch"} {
			if pm, ok := m[key].(map[string]any); ok {
				patchMap = pm
				break
			}
		}
		if patchMap != nil {
			fix.Patch = migration.PlanPatch{
				Op:            normalizePatchOp(pickString(patchMap, "op", "operation", "action")),
				Dependency:    pickString(patchMap, "dependency", "package", "name"),
				TargetVersion: pickString(patchMap, "target_version", "target", "version"),
				Risk:          normalizeRisk(pickString(patchMap, "risk")),
				Note:          pickString(patchMap, "note", "reason"),
			}
		}
		diag.Fixes = append(diag.Fixes, fix)
	}

	// Order by descending confidence so fix selection and callers agree.
	sort.SliceStable(diag.Fixes, func(i, j int) bool {
		return diag.Fixes[i].Confidence > diag.Fixes[j].Confidence
	})

	return diag, nil
}

func normalizePatchOp(s string) migration.PatchOp {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add_dep", "add", "insert", "add_dependency":
		return migration.PatchAddDep
	case "remove_dep", "remove", "delete":
		return migration.PatchRemoveDep
	case "keep_dep", "keep", "pin_current", "noop":
		return migration.PatchKeepDep
	default:
		return migration.PatchSetTarget
	}
}
