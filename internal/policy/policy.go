// Package policy implements the per-session risk ladder (SPEC_FULL.md
// supplemented feature: progressive escalation for repeat offenders),
// adapted from the teacher's proxy-metrics policy engine. Where the
// teacher tracked bytes/tokens/tool-fanout against static thresholds,
// this tracks cumulative weighted risk from pipeline Decide() outcomes
// and escalates a session's effective action once it crosses a
// threshold, independent of what any single request would earn on its
// own.
package policy

import (
	"log/slog"
	"sync"
	"time"

	"promptgate/internal/domain"
)

// SeverityWeights gives each finding severity a risk-score multiplier.
var SeverityWeights = map[domain.Severity]float64{
	domain.SeverityLow:      1.0,
	domain.SeverityMedium:   3.0,
	domain.SeverityHigh:     6.0,
	domain.SeverityCritical: 10.0,
}

// ActionWeights adds extra weight for the decision actually taken,
// on top of whatever findings drove it.
var ActionWeights = map[domain.Action]float64{
	domain.ActionAllow:           0,
	domain.ActionLogOnly:         0.5,
	domain.ActionRequireApproval: 2,
	domain.ActionRedact:          4,
	domain.ActionBlock:           8,
}

// LadderAction is the escalated action a session is forced into once
// its risk score crosses the matching threshold.
type LadderAction string

const (
	LadderObserve   LadderAction = "observe"   // below every threshold, no escalation
	LadderWarn      LadderAction = "warn"      // logged, no behavior change
	LadderThrottle  LadderAction = "throttle"  // caller should rate-limit the session
	LadderBlock     LadderAction = "block"     // every subsequent request is force-blocked
	LadderTerminate LadderAction = "terminate" // session should be dropped entirely
)

// Threshold maps a cumulative risk score to a ladder action.
type Threshold struct {
	Score        float64
	Action       LadderAction
	ThrottleRate int // requests/minute, only meaningful for LadderThrottle
}

// DefaultThresholds mirrors the teacher's default risk ladder.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Score: 8, Action: LadderWarn},
		{Score: 20, Action: LadderThrottle, ThrottleRate: 10},
		{Score: 40, Action: LadderBlock},
		{Score: 80, Action: LadderTerminate},
	}
}

// Config configures the ladder.
type Config struct {
	Enabled    bool
	Thresholds []Threshold
}

// SessionState is one session's accumulated standing.
type SessionState struct {
	SessionID    string
	RiskScore    float64
	Action       LadderAction
	ThrottleRate int
	DecisionsIn  int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Ladder tracks per-session cumulative risk and the escalated action
// each session currently warrants.
type Ladder struct {
	mu         sync.RWMutex
	enabled    bool
	thresholds []Threshold
	sessions   map[string]*SessionState
}

// New creates a risk ladder. Session state is kept in memory only: a
// ladder is local per-process standing, rebuilt from the audit trail
// if the process restarts, not a cross-replica source of truth.
func New(cfg Config) *Ladder {
	thresholds := cfg.Thresholds
	if cfg.Enabled && len(thresholds) == 0 {
		thresholds = DefaultThresholds()
	}
	return &Ladder{
		enabled:    cfg.Enabled,
		thresholds: thresholds,
		sessions:   make(map[string]*SessionState),
	}
}

// Record folds one pipeline decision into the session's running score
// and returns its updated standing. Call with every Decide() result
// that carries a non-empty SessionID.
func (l *Ladder) Record(sessionID string, action domain.Action, summary domain.FindingsSummary) SessionState {
	if !l.enabled || sessionID == "" {
		return SessionState{SessionID: sessionID, Action: LadderObserve}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.sessions[sessionID]
	if !ok {
		st = &SessionState{SessionID: sessionID, FirstSeen: time.Now(), Action: LadderObserve}
		l.sessions[sessionID] = st
	}

	st.RiskScore += ActionWeights[action]
	for sev, count := range summary.BySeverity {
		w := SeverityWeights[sev]
		if w == 0 {
			w = 1.0
		}
		st.RiskScore += w * float64(count)
	}
	st.DecisionsIn++
	st.LastSeen = time.Now()
	st.Action, st.ThrottleRate = l.resolve(st.RiskScore)

	if st.Action != LadderObserve {
		slog.Info("session risk ladder escalated",
			"session_id", sessionID,
			"risk_score", st.RiskScore,
			"action", st.Action,
		)
	}

	return *st
}

func (l *Ladder) resolve(score float64) (LadderAction, int) {
	action, throttle := LadderObserve, 0
	for _, t := range l.thresholds {
		if score >= t.Score {
			action = t.Action
			if t.Action == LadderThrottle {
				throttle = t.ThrottleRate
			} else {
				throttle = 0
			}
		}
	}
	return action, throttle
}

// State returns a session's current standing without recording a new
// decision. The zero value (LadderObserve) is returned for unknown
// sessions.
func (l *Ladder) State(sessionID string) SessionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st, ok := l.sessions[sessionID]; ok {
		return *st
	}
	return SessionState{SessionID: sessionID, Action: LadderObserve}
}

// ShouldForceBlock reports whether the session's ladder standing alone
// should override an otherwise-allowed decision.
func (l *Ladder) ShouldForceBlock(sessionID string) bool {
	st := l.State(sessionID)
	return st.Action == LadderBlock || st.Action == LadderTerminate
}

// Reset drops a session's accumulated standing, e.g. once its session
// TTL expires.
func (l *Ladder) Reset(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Enabled reports whether the ladder is actively tracking sessions.
func (l *Ladder) Enabled() bool {
	return l.enabled
}

// Stats summarizes ladder standing across all tracked sessions, for
// the dashboard/status endpoint.
func (l *Ladder) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var warned, throttled, blocked, terminated int
	var total float64
	for _, st := range l.sessions {
		switch st.Action {
		case LadderWarn:
			warned++
		case LadderThrottle:
			throttled++
		case LadderBlock:
			blocked++
		case LadderTerminate:
			terminated++
		}
		total += st.RiskScore
	}
	avg := 0.0
	if len(l.sessions) > 0 {
		avg = total / float64(len(l.sessions))
	}
	return map[string]any{
		"enabled":         l.enabled,
		"tracked_sessions": len(l.sessions),
		"warned":          warned,
		"throttled":       throttled,
		"blocked":         blocked,
		"terminated":      terminated,
		"avg_risk_score":  avg,
	}
}
