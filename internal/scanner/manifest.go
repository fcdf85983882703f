package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// lifecycleScripts are the npm hooks that run arbitrary commands at
// install or uninstall time. Any non-empty entry is flagged.
var lifecycleScripts = []string{
	"preinstall",
	"install",
	"postinstall",
	"preuninstall",
	"uninstall",
	"postuninstall",
}

// dependencyBlacklist is matched case-insensitively as a substring of
// every declared dependency name.
var dependencyBlacklist = []string{
	"bitcoin",
	"miner",
	"keylogger",
	"backdoor",
	"malware",
	"trojan",
}

type packageManifest struct {
	Scripts              map[string]string `json:"scripts"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

// manifestDetector inspects package.json for install-time scripts and
// suspiciously named dependencies.
type manifestDetector struct{}

func (manifestDetector) Name() string { return "manifest" }

func (manifestDetector) Detect(_ context.Context, root string) ([]Risk, error) {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return []Risk{{
			Type:        RiskPackageJSONError,
			Severity:    SeverityHigh,
			Description: "package.json is missing or unreadable",
			Details:     map[string]string{"error": err.Error()},
		}}, nil
	}

	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return []Risk{{
			Type:        RiskPackageJSONError,
			Severity:    SeverityHigh,
			Description: "package.json could not be parsed",
			Details:     map[string]string{"error": err.Error()},
		}}, nil
	}

	var risks []Risk

	for _, script := range lifecycleScripts {
		command, ok := manifest.Scripts[script]
		if !ok || strings.TrimSpace(command) == "" {
			continue
		}
		risks = append(risks, Risk{
			Type:        RiskSuspiciousScript,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("package declares a %s script", script),
			Details:     map[string]string{"script": script, "command": command},
		})
	}

	for _, name := range allDependencyNames(manifest) {
		lower := strings.ToLower(name)
		for _, term := range dependencyBlacklist {
			if strings.Contains(lower, term) {
				risks = append(risks, Risk{
					Type:        RiskSuspiciousDependency,
					Severity:    SeverityMedium,
					Description: fmt.Sprintf("dependency %q matches blacklisted term %q", name, term),
					Details:     map[string]string{"dependency": name, "term": term},
				})
				break
			}
		}
	}

	return risks, nil
}

// allDependencyNames returns the union of every dependency kind the
// manifest declares, sorted for stable output.
func allDependencyNames(m packageManifest) []string {
	set := map[string]struct{}{}
	for _, deps := range []map[string]string{
		m.Dependencies, m.DevDependencies, m.PeerDependencies, m.OptionalDependencies,
	} {
		for name := range deps {
			set[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
