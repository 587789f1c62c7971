// Package validation runs upgrade plans inside sandbox containers and
// produces validation outcomes.
package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/artemis/modernizer/internal/migration"
)

// ApplyPlan mutates manifest content per the plan's dependency changes and
// returns the new manifest bytes. The input bytes are never modified.
func ApplyPlan(projectType migration.ProjectType, manifest []byte, plan *migration.Plan) ([]byte, error) {
	if plan == nil || len(plan.Dependencies) == 0 {
		return append([]byte(nil), manifest...), nil
	}
	if projectType == migration.ProjectPython {
		return applyPlanRequirements(manifest, plan), nil
	}
	return applyPlanPackageJSON(manifest, plan)
}

func applyPlanPackageJSON(manifest []byte, plan *migration.Plan) ([]byte, error) {
	var root map[string]any
	if err := json.Unmarshal(manifest, &root); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	deps, _ := root["dependencies"].(map[string]any)
	devDeps, _ := root["devDependencies"].(map[string]any)

	for name, change := range plan.Dependencies {
		switch change.Action {
		case migration.ActionRemove:
			delete(deps, name)
			delete(devDeps, name)

		case migration.ActionAdd:
			if change.TargetVersion == "" {
				continue
			}
			if deps == nil {
				deps = make(map[string]any)
				root["dependencies"] = deps
			}
			deps[name] = change.TargetVersion

		case migration.ActionUpgrade:
			if change.TargetVersion == "" {
				continue
			}
			// Upgrade wherever the dependency already lives; add to
			// dependencies when it is new.
			if _, ok := devDeps[name]; ok {
				devDeps[name] = change.TargetVersion
			} else {
				if deps == nil {
					deps = make(map[string]any)
					root["dependencies"] = deps
				}
				deps[name] = change.TargetVersion
			}
		}
	}

	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode package.json: %w", err)
	}
	return append(out, '\n'), nil
}

func applyPlanRequirements(manifest []byte, plan *migration.Plan) []byte {
	lines := strings.Split(string(manifest), "\n")
	seen := make(map[string]bool)
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		name := requirementName(line)
		if name == "" {
			out = append(out, line)
			continue
		}

		change, ok := plan.Dependencies[name]
		if !ok {
			out = append(out, line)
			continue
		}
		seen[name] = true

		switch change.Action {
		case migration.ActionRemove:
			// drop the line
		case migration.ActionUpgrade, migration.ActionAdd:
			if change.TargetVersion == "" {
				out = append(out, line)
			} else {
				out = append(out, name+"=="+change.TargetVersion)
			}
		default:
			out = append(out, line)
		}
	}

	// Append additions that were not already present, in stable order.
	var added []string
	for name, change := range plan.Dependencies {
		if seen[name] || change.TargetVersion == "" {
			continue
		}
		if change.Action == migration.ActionAdd {
			added = append(added, name+"=="+change.TargetVersion)
		}
	}
	sort.Strings(added)
	out = append(out, added...)

	result := strings.Join(out, "\n")
	if !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	return []byte(result)
}

// requirementName extracts the package name from a requirements.txt line,
// or empty for comments and blank lines.
func requirementName(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") || strings.HasPrefix(s, "-") {
		return ""
	}
	for _, sep := range []string{"==", ">=", "<=", "~=", "!=", ">", "<"} {
		if idx := strings.Index(s, sep); idx >= 0 {
			return strings.TrimSpace(s[:idx])
		}
	}
	// Bare package name with optional extras marker
	if idx := strings.Index(s, "["); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	if idx := strings.IndexAny(s, " ;"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

// ManifestVersions extracts declared dependency versions from manifest
// content, with range operators stripped so plan targets compare directly.
func ManifestVersions(projectType migration.ProjectType, manifest []byte) map[string]string {
	if projectType == migration.ProjectPython {
		return requirementsVersions(manifest)
	}
	return packageJSONVersions(manifest)
}

func packageJSONVersions(manifest []byte) map[string]string {
	var root struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	out := make(map[string]string)
	if err := json.Unmarshal(manifest, &root); err != nil {
		return out
	}
	for name, v := range root.Dependencies {
		out[name] = normalizeVersion(v)
	}
	for name, v := range root.DevDependencies {
		out[name] = normalizeVersion(v)
	}
	return out
}

func requirementsVersions(manifest []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(manifest), "\n") {
		name := requirementName(line)
		if name == "" {
			continue
		}
		s := strings.TrimSpace(line)
		if idx := strings.Index(s, "=="); idx >= 0 {
			out[name] = normalizeVersion(s[idx+2:])
		} else {
			out[name] = ""
		}
	}
	return out
}

// normalizeVersion strips range operators and surrounding space so
// "^4.19.2" and "4.19.2" compare equal.
func normalizeVersion(v string) string {
	return strings.TrimLeft(strings.TrimSpace(v), "^~><=")
}

// VersionsSatisfied checks that every planned upgrade or addition with a
// concrete target is reflected in the manifest versions. It returns the
// list of mismatch descriptions; empty means satisfied.
func VersionsSatisfied(plan *migration.Plan, versions map[string]string) []string {
	if plan == nil {
		return nil
	}

	var mismatches []string
	names := make([]string, 0, len(plan.Dependencies))
	for name := range plan.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		change := plan.Dependencies[name]
		if change.TargetVersion == "" {
			continue
		}
		switch change.Action {
		case migration.ActionUpgrade, migration.ActionAdd:
			got, ok := versions[name]
			want := normalizeVersion(change.TargetVersion)
			if !ok {
				mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, not present", name, want))
			} else if got != want {
				mismatches = append(mismatches, fmt.Sprintf("%s: expected %s, found %s", name, want, got))
			}
		case migration.ActionRemove:
			if _, ok := versions[name]; ok {
				mismatches = append(mismatches, fmt.Sprintf("%s: expected removal, still present", name))
			}
		}
	}
	return mismatches
}
