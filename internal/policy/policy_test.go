package policy

import (
	"testing"

	"promptgate/internal/domain"
)

func TestRecordDisabledLadderAlwaysObserves(t *testing.T) {
	l := New(Config{Enabled: false})
	st := l.Record("sess-1", domain.ActionBlock, domain.FindingsSummary{})
	if st.Action != LadderObserve {
		t.Errorf("Action = %v, want observe when the ladder is disabled", st.Action)
	}
	if l.ShouldForceBlock("sess-1") {
		t.Error("ShouldForceBlock() should never trip when the ladder is disabled")
	}
}

func TestRecordEscalatesThroughThresholds(t *testing.T) {
	l := New(Config{Enabled: true, Thresholds: DefaultThresholds()})

	var last SessionState
	for i := 0; i < 20; i++ {
		last = l.Record("sess-1", domain.ActionBlock, domain.FindingsSummary{
			BySeverity: map[domain.Severity]int{domain.SeverityCritical: 1},
		})
		if last.Action == LadderTerminate {
			break
		}
	}
	if last.Action != LadderTerminate {
		t.Fatalf("after repeated critical-severity blocks, Action = %v, want terminate eventually", last.Action)
	}
}

func TestRecordStaysObserveBelowFirstThreshold(t *testing.T) {
	l := New(Config{Enabled: true, Thresholds: DefaultThresholds()})
	st := l.Record("sess-1", domain.ActionAllow, domain.FindingsSummary{})
	if st.Action != LadderObserve {
		t.Errorf("Action = %v, want observe for a single benign allow", st.Action)
	}
}

func TestShouldForceBlockOnlyAboveBlockThreshold(t *testing.T) {
	l := New(Config{Enabled: true, Thresholds: []Threshold{
		{Score: 5, Action: LadderWarn},
		{Score: 10, Action: LadderBlock},
	}})

	l.Record("sess-1", domain.ActionBlock, domain.FindingsSummary{
		BySeverity: map[domain.Severity]int{domain.SeverityHigh: 1}, // weight 6 + action weight 8 = 14
	})
	if !l.ShouldForceBlock("sess-1") {
		t.Error("ShouldForceBlock() = false, want true once score crosses the block threshold")
	}
}

func TestStateReturnsObserveForUnknownSession(t *testing.T) {
	l := New(Config{Enabled: true})
	st := l.State("never-seen")
	if st.Action != LadderObserve {
		t.Errorf("State() for an unknown session = %v, want observe", st.Action)
	}
}

func TestResetClearsSessionStanding(t *testing.T) {
	l := New(Config{Enabled: true, Thresholds: DefaultThresholds()})
	l.Record("sess-1", domain.ActionBlock, domain.FindingsSummary{
		BySeverity: map[domain.Severity]int{domain.SeverityCritical: 5},
	})
	l.Reset("sess-1")
	st := l.State("sess-1")
	if st.Action != LadderObserve || st.RiskScore != 0 {
		t.Errorf("State() after Reset() = %+v, want a zeroed session", st)
	}
}

func TestRecordAccumulatesAcrossMultipleCalls(t *testing.T) {
	l := New(Config{Enabled: true, Thresholds: DefaultThresholds()})
	first := l.Record("sess-1", domain.ActionLogOnly, domain.FindingsSummary{})
	second := l.Record("sess-1", domain.ActionLogOnly, domain.FindingsSummary{})
	if second.RiskScore <= first.RiskScore {
		t.Errorf("risk score should accumulate: first=%v second=%v", first.RiskScore, second.RiskScore)
	}
	if second.DecisionsIn != 2 {
		t.Errorf("DecisionsIn = %d, want 2", second.DecisionsIn)
	}
}

func TestStatsAggregatesAcrossSessions(t *testing.T) {
	l := New(Config{Enabled: true, Thresholds: DefaultThresholds()})
	l.Record("sess-1", domain.ActionAllow, domain.FindingsSummary{})
	l.Record("sess-2", domain.ActionBlock, domain.FindingsSummary{
		BySeverity: map[domain.Severity]int{domain.SeverityCritical: 10},
	})
	stats := l.Stats()
	if stats["tracked_sessions"] != 2 {
		t.Errorf("tracked_sessions = %v, want 2", stats["tracked_sessions"])
	}
}
