// Package domain holds the shared data model for promptgate: the types that
// flow between the rule store, the tenant cache, the detectors, the
// evaluator, the fuser, and the audit logger. Kept as plain value types with
// no behavior beyond construction helpers, mirroring how config.BackendConfig
// is shared across internal/router and internal/proxy.
package domain

import (
	"regexp"
	"strings"
	"time"
)

// Action is a point on the decision lattice, ordered from least to most
// restrictive: Allow < LogOnly < RequireApproval < Redact < Block.
type Action int

const (
	ActionAllow Action = iota
	ActionLogOnly
	ActionRequireApproval
	ActionRedact
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionLogOnly:
		return "log_only"
	case ActionRequireApproval:
		return "require_approval"
	case ActionRedact:
		return "redact"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseAction maps a wire-format action string back to an Action. Unknown
// strings default to ActionBlock, the fail-closed choice.
func ParseAction(s string) Action {
	switch s {
	case "allow":
		return ActionAllow
	case "log_only":
		return ActionLogOnly
	case "require_approval":
		return ActionRequireApproval
	case "redact":
		return ActionRedact
	case "block":
		return ActionBlock
	default:
		return ActionBlock
	}
}

// Max returns the more restrictive of two actions.
func Max(a, b Action) Action {
	if b > a {
		return b
	}
	return a
}

// Channel is a deployment lane selecting which active bundle applies.
type Channel string

const (
	ChannelDev     Channel = "dev"
	ChannelStaging Channel = "staging"
	ChannelProd    Channel = "prod"
)

// BundleStatus is the lifecycle state of a PolicyBundle.
type BundleStatus string

const (
	BundleDraft   BundleStatus = "draft"
	BundleActive  BundleStatus = "active"
	BundleRetired BundleStatus = "retired"
)

// PolicyBundle is a versioned, atomically-activated snapshot of rules for one
// tenant and channel.
type PolicyBundle struct {
	ID        string       `json:"id"`
	Tenant    string       `json:"tenant"`
	Name      string       `json:"name"`
	Version   int          `json:"version"`
	Channel   Channel      `json:"channel"`
	Status    BundleStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// RuleType identifies the detector family a FilterRule belongs to.
type RuleType string

const (
	RuleStatic     RuleType = "static"
	RuleSecret     RuleType = "secret"
	RulePII        RuleType = "pii"
	RuleInjection  RuleType = "injection"
	RuleSimilarity RuleType = "similarity"
	RuleML         RuleType = "ml"
)

// FilterRule is one tenant-authored detection rule living inside a bundle.
type FilterRule struct {
	ID        string   `json:"id"`
	Bundle    string   `json:"bundle"`
	Type      RuleType `json:"type"`
	Pattern   string   `json:"pattern"`
	Threshold *float64 `json:"threshold,omitempty"`
	Action    Action   `json:"action"`
	Context   string   `json:"context,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// ListKind distinguishes allow/block entry matching strategies.
type ListKind string

const (
	ListPattern ListKind = "pattern"
	ListDomain  ListKind = "domain"
	ListExact   ListKind = "exact"
)

// ListEntry is a shared shape for both allowlist and blocklist rows.
type ListEntry struct {
	ID       string     `json:"id"`
	Bundle   string     `json:"bundle"`
	Kind     ListKind   `json:"kind"`
	Value    string     `json:"value"`
	Scope    string     `json:"scope,omitempty"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// Expired reports whether the entry should be ignored as of now.
func (e ListEntry) Expired(now time.Time) bool {
	return e.ExpireAt != nil && !e.ExpireAt.After(now)
}

// Matches reports whether text matches this entry per its Kind: ListExact
// requires an exact match on the trimmed text, ListDomain is a
// case-insensitive substring match, and ListPattern treats Value as a
// regular expression (spec §3: "Pattern is a regular expression"). An
// unparseable regex never matches rather than panicking the request path.
func (e ListEntry) Matches(text string) bool {
	switch e.Kind {
	case ListExact:
		return strings.TrimSpace(text) == e.Value
	case ListDomain:
		return strings.Contains(strings.ToLower(text), strings.ToLower(e.Value))
	case ListPattern:
		re, err := regexp.Compile(e.Value)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	default:
		return false
	}
}

// Severity of a detector finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DetectorKind names the family of detector that produced a Finding, and
// doubles as the wire-format "detection_method" value for single-detector
// origins.
type DetectorKind string

const (
	DetectorAllowlist  DetectorKind = "allowlist"
	DetectorBlocklist  DetectorKind = "blocklist"
	DetectorStatic     DetectorKind = "static"
	DetectorSecret     DetectorKind = "secret"
	DetectorPII        DetectorKind = "pii"
	DetectorInjection  DetectorKind = "injection"
	DetectorSimilarity DetectorKind = "similarity"
	DetectorML         DetectorKind = "ml"
	DetectorPolicy     DetectorKind = "policy"
	DetectorComposite  DetectorKind = "composite"
	DetectorError      DetectorKind = "error"
)

// Span is a byte-offset range [Start,End) into the normalized input.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Finding is one detector's observation about a region of the input. Never
// persisted verbatim: the audit logger summarizes findings to counts.
type Finding struct {
	Detector        DetectorKind   `json:"detector_kind"`
	SubType         string         `json:"sub_type"`
	Span            Span           `json:"matched_span"`
	Confidence      float64        `json:"confidence"`
	Severity        Severity       `json:"severity"`
	SuggestedAction Action         `json:"suggested_action"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// EvaluatorResult is what the Policy Evaluator (local or remote) produces.
type EvaluatorResult struct {
	Action     Action         `json:"action"`
	Reasons    []string       `json:"reasons"`
	Violations []Finding      `json:"violations"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FindingsSummary is the non-sensitive, audit-safe rollup of a request's
// findings: counts per detector kind and per severity, never the matched
// text.
type FindingsSummary struct {
	ByKind     map[DetectorKind]int `json:"by_kind,omitempty"`
	BySeverity map[Severity]int     `json:"by_severity,omitempty"`
	Errored    []DetectorKind       `json:"errored,omitempty"`
}

// Summarize builds a FindingsSummary from raw findings, never retaining the
// matched span text or any detector metadata that could echo raw input.
func Summarize(findings []Finding, errored []DetectorKind) FindingsSummary {
	s := FindingsSummary{
		ByKind:     make(map[DetectorKind]int),
		BySeverity: make(map[Severity]int),
		Errored:    errored,
	}
	for _, f := range findings {
		s.ByKind[f.Detector]++
		s.BySeverity[f.Severity]++
	}
	return s
}

// DecisionRecord is the persisted, non-sensitive record of one /decide or
// /response/check call.
type DecisionRecord struct {
	ID             int64           `json:"id"`
	Tenant         string          `json:"tenant"`
	UserID         string          `json:"user_id,omitempty"`
	SessionID      string          `json:"session_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Route          string          `json:"route"`
	InputDigest    string          `json:"input_digest"`
	InputLength    int             `json:"input_length"`
	Decision       Action          `json:"decision"`
	Reasons        []string        `json:"reasons"`
	BundleName     string          `json:"bundle_name,omitempty"`
	BundleVersion  int             `json:"bundle_version,omitempty"`
	Channel        Channel         `json:"channel"`
	LatencyMs      int64           `json:"latency_ms"`
	FindingsSummary FindingsSummary `json:"findings_summary"`
}
