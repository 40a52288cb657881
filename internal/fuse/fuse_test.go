package fuse

import (
	"testing"

	"promptgate/internal/domain"
)

func TestFuseEmptyYieldsAllow(t *testing.T) {
	d := Fuse()
	if d.Action != domain.ActionAllow {
		t.Errorf("Fuse() with no contributors = %v, want allow", d.Action)
	}
}

func TestFuseTakesMaximumAction(t *testing.T) {
	d := Fuse(
		Contributor{Action: domain.ActionLogOnly, Confidence: 0.2},
		Contributor{Action: domain.ActionRedact, Confidence: 0.6},
		Contributor{Action: domain.ActionRequireApproval, Confidence: 0.4},
	)
	if d.Action != domain.ActionRedact {
		t.Errorf("Fuse() action = %v, want redact (the maximum)", d.Action)
	}
	if d.RiskScore != 0.6 {
		t.Errorf("Fuse() risk score = %v, want 0.6 (max confidence)", d.RiskScore)
	}
}

func TestFuseBlockIsAbsolute(t *testing.T) {
	d := Fuse(
		Contributor{Action: domain.ActionRedact, Confidence: 0.9, Reasons: []string{"pii:ssn"}},
		Contributor{Action: domain.ActionBlock, Confidence: 0.5, Reasons: []string{"secret:api_key"}},
		Contributor{Action: domain.ActionLogOnly, Confidence: 0.99},
	)
	if d.Action != domain.ActionBlock {
		t.Fatalf("Fuse() action = %v, want block", d.Action)
	}
}

func TestFuseReasonsAreDeduplicatedUnion(t *testing.T) {
	d := Fuse(
		Contributor{Action: domain.ActionRedact, Reasons: []string{"pii:ssn", "pii:email"}},
		Contributor{Action: domain.ActionRedact, Reasons: []string{"pii:ssn"}},
	)
	if len(d.Reasons) != 2 {
		t.Fatalf("Fuse() reasons = %v, want 2 deduplicated entries", d.Reasons)
	}
}

func TestFuseMonotonicity(t *testing.T) {
	// Adding a stricter finding must never relax the final action.
	base := Fuse(Contributor{Action: domain.ActionLogOnly})
	stricter := Fuse(Contributor{Action: domain.ActionLogOnly}, Contributor{Action: domain.ActionBlock})
	if stricter.Action < base.Action {
		t.Errorf("adding a BLOCK contributor relaxed the action: %v -> %v", base.Action, stricter.Action)
	}
}

func TestFuseTieBreakPrefersSpecificReason(t *testing.T) {
	d := Fuse(
		Contributor{Action: domain.ActionBlock, Reasons: []string{"built_in:generic"}, Specific: false},
		Contributor{Action: domain.ActionBlock, Reasons: []string{"bundle:custom_rule"}, Specific: true},
	)
	if len(d.Reasons) == 0 || d.Reasons[0] != "bundle:custom_rule" {
		t.Errorf("Fuse() reasons = %v, want bundle-scoped reason first", d.Reasons)
	}
}

func TestFromFindingsStrongestActionWins(t *testing.T) {
	c := FromFindings([]domain.Finding{
		{Detector: domain.DetectorPII, SubType: "email", SuggestedAction: domain.ActionRedact, Confidence: 0.6},
		{Detector: domain.DetectorPII, SubType: "ssn", SuggestedAction: domain.ActionBlock, Confidence: 0.9},
	}, true)
	if c.Action != domain.ActionBlock {
		t.Errorf("FromFindings action = %v, want block (strongest)", c.Action)
	}
	if c.Confidence != 0.9 {
		t.Errorf("FromFindings confidence = %v, want 0.9", c.Confidence)
	}
	if len(c.Reasons) != 2 {
		t.Errorf("FromFindings reasons = %v, want one per (detector,sub_type)", c.Reasons)
	}
}

func TestFromFindingsEmpty(t *testing.T) {
	c := FromFindings(nil, false)
	if c.Action != domain.ActionAllow {
		t.Errorf("FromFindings(nil) action = %v, want allow (zero value)", c.Action)
	}
}
