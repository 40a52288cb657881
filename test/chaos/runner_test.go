// Package chaos runs the Static Pattern Detector's built-in presets against
// a known-bad/known-benign prompt corpus to guard against regressions in
// false positive/negative rates, grounded on original_source/PromptGate's
// OWASP-categorized scenario suite.
package chaos

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"promptgate/internal/detect"
	"promptgate/internal/detect/pattern"
	"promptgate/internal/domain"
	"promptgate/internal/ruledb"
	"promptgate/internal/tenantcache"
)

// scenario is one row of scenarios.yaml.
type scenario struct {
	Name           string `yaml:"name"`
	Category       string `yaml:"category"`
	Target         string `yaml:"target"` // "request" or "response"
	Input          string `yaml:"input"`
	ExpectedAction string `yaml:"expected_action"` // "pass", "flag", or "block"
}

type scenariosFile struct {
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Scenarios   []scenario `yaml:"scenarios"`
}

func loadScenarios(t *testing.T) []scenario {
	t.Helper()

	path := filepath.Join("scenarios.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join("test", "chaos", "scenarios.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read scenarios.yaml: %v", err)
	}

	var file scenariosFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("failed to parse scenarios.yaml: %v", err)
	}
	return file.Scenarios
}

// snapshotFor compiles the named preset into a bundle-free Snapshot, so the
// Static Pattern Detector can be scanned directly without a Store.
func snapshotFor(t *testing.T, preset string) *tenantcache.Snapshot {
	t.Helper()
	rules, err := ruledb.Rules(preset)
	if err != nil {
		t.Fatalf("ruledb.Rules(%q) error: %v", preset, err)
	}
	compiled, err := pattern.Compile(rules)
	if err != nil {
		t.Fatalf("pattern.Compile() error: %v", err)
	}
	return &tenantcache.Snapshot{Rules: compiled}
}

// actionFor scans one scenario's input through the Static Pattern Detector
// and returns the most severe suggested action found, or ActionAllow if none.
func actionFor(t *testing.T, det *pattern.Detector, snap *tenantcache.Snapshot, text string) domain.Action {
	t.Helper()
	findings, err := det.Scan(context.Background(), detect.Input{Text: text}, snap)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	best := domain.ActionAllow
	for _, f := range findings {
		best = domain.Max(best, f.SuggestedAction)
	}
	return best
}

// matchesExpectation reports whether the detector's action satisfies the
// scenario's expectation: "pass" requires ActionAllow, "block" requires
// ActionBlock, "flag" accepts anything strictly between the two.
func matchesExpectation(expected string, got domain.Action) bool {
	switch expected {
	case "pass":
		return got == domain.ActionAllow
	case "block":
		return got == domain.ActionBlock
	case "flag":
		return got != domain.ActionAllow
	default:
		return false
	}
}

func TestStandardPresetMatchesScenarioExpectations(t *testing.T) {
	scenarios := loadScenarios(t)
	snap := snapshotFor(t, "standard")
	det := pattern.New()

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			got := actionFor(t, det, snap, s.Input)
			if !matchesExpectation(s.ExpectedAction, got) {
				t.Errorf("category=%s target=%s: expected %s, got %s\ninput: %s",
					s.Category, s.Target, s.ExpectedAction, got, s.Input)
			}
		})
	}
}

// TestStrictPresetNeverPassesWhatStandardFlags asserts the strict preset is
// at least as sensitive as standard on every scenario the corpus expects to
// be flagged or blocked (it may escalate a "flag" to a "block").
func TestStrictPresetNeverPassesWhatStandardFlags(t *testing.T) {
	scenarios := loadScenarios(t)
	standardSnap := snapshotFor(t, "standard")
	strictSnap := snapshotFor(t, "strict")
	det := pattern.New()

	for _, s := range scenarios {
		if s.ExpectedAction == "pass" {
			continue
		}
		t.Run(s.Name, func(t *testing.T) {
			standardAction := actionFor(t, det, standardSnap, s.Input)
			if standardAction == domain.ActionAllow {
				return // standard preset itself doesn't catch this one
			}
			strictAction := actionFor(t, det, strictSnap, s.Input)
			if strictAction == domain.ActionAllow {
				t.Errorf("strict preset passed %q, which the standard preset flagged as %s", s.Name, standardAction)
			}
		})
	}
}

func TestBenignScenariosNeverBlockedByEitherPreset(t *testing.T) {
	scenarios := loadScenarios(t)
	standardSnap := snapshotFor(t, "standard")
	strictSnap := snapshotFor(t, "strict")
	det := pattern.New()

	for _, s := range scenarios {
		if s.Category != "benign" {
			continue
		}
		t.Run(s.Name, func(t *testing.T) {
			if got := actionFor(t, det, standardSnap, s.Input); got == domain.ActionBlock {
				t.Errorf("standard preset blocked a benign scenario %q", s.Name)
			}
			if got := actionFor(t, det, strictSnap, s.Input); got == domain.ActionBlock {
				t.Errorf("strict preset blocked a benign scenario %q", s.Name)
			}
		})
	}
}
