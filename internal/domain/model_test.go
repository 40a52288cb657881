package domain

import (
	"testing"
	"time"
)

func TestActionLattice(t *testing.T) {
	order := []Action{ActionAllow, ActionLogOnly, ActionRequireApproval, ActionRedact, ActionBlock}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Fatalf("lattice out of order at %d: %v <= %v", i, order[i], order[i-1])
		}
	}
}

func TestActionStringRoundTrip(t *testing.T) {
	for _, a := range []Action{ActionAllow, ActionLogOnly, ActionRequireApproval, ActionRedact, ActionBlock} {
		if got := ParseAction(a.String()); got != a {
			t.Errorf("ParseAction(%q) = %v, want %v", a.String(), got, a)
		}
	}
}

func TestParseActionUnknownFailsClosed(t *testing.T) {
	if got := ParseAction("not_a_real_action"); got != ActionBlock {
		t.Errorf("ParseAction(unknown) = %v, want ActionBlock (fail-closed)", got)
	}
}

func TestMax(t *testing.T) {
	if Max(ActionAllow, ActionBlock) != ActionBlock {
		t.Error("Max should return the more restrictive action")
	}
	if Max(ActionRedact, ActionLogOnly) != ActionRedact {
		t.Error("Max should return the more restrictive action regardless of argument order")
	}
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return tm
}

func TestListEntryExpired(t *testing.T) {
	now := mustParse(t, "2026-07-30T00:00:00Z")
	past := mustParse(t, "2026-01-01T00:00:00Z")
	future := mustParse(t, "2027-01-01T00:00:00Z")

	cases := []struct {
		name   string
		expire *time.Time
		want   bool
	}{
		{"no expiry", nil, false},
		{"expired", &past, true},
		{"not yet expired", &future, false},
		{"exactly now expires", &now, true},
	}
	for _, c := range cases {
		e := ListEntry{ExpireAt: c.expire}
		if got := e.Expired(now); got != c.want {
			t.Errorf("%s: Expired() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestListEntryMatches(t *testing.T) {
	cases := []struct {
		name  string
		entry ListEntry
		text  string
		want  bool
	}{
		{"exact match", ListEntry{Kind: ListExact, Value: "drop table"}, "drop table", true},
		{"exact no match on substring", ListEntry{Kind: ListExact, Value: "drop table"}, "please drop table users", false},
		{"domain substring case-insensitive", ListEntry{Kind: ListDomain, Value: "evil.example"}, "visit EVIL.example.com now", true},
		{"pattern regex anchored", ListEntry{Kind: ListPattern, Value: "^HELP: "}, "HELP: please drop table users", true},
		{"pattern regex no match", ListEntry{Kind: ListPattern, Value: "^HELP: "}, "please HELP: me", false},
		{"invalid regex never matches", ListEntry{Kind: ListPattern, Value: "("}, "anything(", false},
	}
	for _, c := range cases {
		if got := c.entry.Matches(c.text); got != c.want {
			t.Errorf("%s: Matches(%q) = %v, want %v", c.name, c.text, got, c.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	findings := []Finding{
		{Detector: DetectorSecret, Severity: SeverityHigh},
		{Detector: DetectorSecret, Severity: SeverityHigh},
		{Detector: DetectorPII, Severity: SeverityMedium},
	}
	summary := Summarize(findings, []DetectorKind{DetectorML})

	if summary.ByKind[DetectorSecret] != 2 {
		t.Errorf("ByKind[secret] = %d, want 2", summary.ByKind[DetectorSecret])
	}
	if summary.ByKind[DetectorPII] != 1 {
		t.Errorf("ByKind[pii] = %d, want 1", summary.ByKind[DetectorPII])
	}
	if summary.BySeverity[SeverityHigh] != 2 {
		t.Errorf("BySeverity[high] = %d, want 2", summary.BySeverity[SeverityHigh])
	}
	if len(summary.Errored) != 1 || summary.Errored[0] != DetectorML {
		t.Errorf("Errored = %v, want [ml]", summary.Errored)
	}
}
