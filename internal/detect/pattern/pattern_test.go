package pattern

import (
	"context"
	"testing"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

func snapshot(t *testing.T, rules []domain.FilterRule) *tenantcache.Snapshot {
	t.Helper()
	compiled, err := Compile(rules)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	return &tenantcache.Snapshot{Rules: compiled}
}

func TestCompileRejectsInvalidPattern(t *testing.T) {
	_, err := Compile([]domain.FilterRule{
		{ID: "bad", Type: domain.RuleStatic, Pattern: "(unterminated", Enabled: true},
	})
	if err == nil {
		t.Fatal("Compile() with an invalid regex should return an error")
	}
}

func TestScanMatchesEnabledStaticRule(t *testing.T) {
	snap := snapshot(t, []domain.FilterRule{
		{ID: "block-drop-table", Type: domain.RuleStatic, Pattern: `drop\s+table`, Action: domain.ActionBlock, Enabled: true},
	})
	d := New()
	findings, err := d.Scan(context.Background(), detect.Input{Text: "please drop table users now"}, snap)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %v, want exactly 1", findings)
	}
	if findings[0].SubType != "block-drop-table" {
		t.Errorf("SubType = %q, want rule id", findings[0].SubType)
	}
	if findings[0].SuggestedAction != domain.ActionBlock {
		t.Errorf("SuggestedAction = %v, want block", findings[0].SuggestedAction)
	}
}

func TestScanIgnoresDisabledRule(t *testing.T) {
	snap := snapshot(t, []domain.FilterRule{
		{ID: "disabled-rule", Type: domain.RuleStatic, Pattern: `forbidden`, Action: domain.ActionBlock, Enabled: false},
	})
	d := New()
	findings, err := d.Scan(context.Background(), detect.Input{Text: "this is forbidden content"}, snap)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %v, want none (rule disabled)", findings)
	}
}

func TestScanIgnoresNonStaticRuleType(t *testing.T) {
	snap := snapshot(t, []domain.FilterRule{
		{ID: "a-pii-rule", Type: domain.RulePII, Pattern: `\d{3}-\d{4}`, Action: domain.ActionRedact, Enabled: true},
	})
	d := New()
	findings, err := d.Scan(context.Background(), detect.Input{Text: "call 555-1234 now"}, snap)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %v, want none (static detector only evaluates RuleStatic rules)", findings)
	}
}

func TestScanNilSnapshotReturnsNoFindings(t *testing.T) {
	d := New()
	findings, err := d.Scan(context.Background(), detect.Input{Text: "anything"}, nil)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if findings != nil {
		t.Errorf("findings = %v, want nil when no snapshot is loaded", findings)
	}
}

func TestScanFindsAllOccurrences(t *testing.T) {
	snap := snapshot(t, []domain.FilterRule{
		{ID: "word-spam", Type: domain.RuleStatic, Pattern: `spam`, Action: domain.ActionLogOnly, Enabled: true},
	})
	d := New()
	findings, err := d.Scan(context.Background(), detect.Input{Text: "spam spam spam"}, snap)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 3 {
		t.Errorf("findings count = %d, want 3 (one per occurrence)", len(findings))
	}
}
