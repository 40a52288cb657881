// Package pipeline is the Pipeline Orchestrator (spec 4.G): executes
// normalize -> allow/block short-circuit -> detector fan-out -> policy
// evaluator -> decision fuser -> masking -> audit log for every request,
// grounded on the teacher's cmd/elida/main.go goroutine/context-cancellation
// idiom and internal/proxy.go's per-request context handling, generalized
// from proxy content-inspection to a standalone decision pipeline.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"promptgate/internal/audit"
	"promptgate/internal/detect"
	"promptgate/internal/digest"
	"promptgate/internal/domain"
	"promptgate/internal/evaluator"
	"promptgate/internal/mask"
	"promptgate/internal/telemetry"
	"promptgate/internal/tenantcache"
)

// DetectorTimeouts gives each detector kind its own timeout (spec §5
// defaults): pattern/secret/pii/heuristic-injection 50ms, similarity 300ms,
// model injection 2s, ml 500ms. Detectors not listed fall back to Default.
type DetectorTimeouts struct {
	Default    time.Duration
	Static     time.Duration
	Secret     time.Duration
	PII        time.Duration
	Injection  time.Duration
	Similarity time.Duration
	ML         time.Duration
}

func DefaultTimeouts() DetectorTimeouts {
	return DetectorTimeouts{
		Default:    50 * time.Millisecond,
		Static:     50 * time.Millisecond,
		Secret:     50 * time.Millisecond,
		PII:        50 * time.Millisecond,
		Injection:  2 * time.Second,
		Similarity: 300 * time.Millisecond,
		ML:         500 * time.Millisecond,
	}
}

func (t DetectorTimeouts) forKind(k domain.DetectorKind) time.Duration {
	switch k {
	case domain.DetectorStatic:
		return t.Static
	case domain.DetectorSecret:
		return t.Secret
	case domain.DetectorPII:
		return t.PII
	case domain.DetectorInjection:
		return t.Injection
	case domain.DetectorSimilarity:
		return t.Similarity
	case domain.DetectorML:
		return t.ML
	default:
		return t.Default
	}
}

// Request is one /decide or /response/check call's boundary-validated input.
type Request struct {
	Tenant           string
	SessionID        string
	UserID           string
	Route            string // "prompt" or "response"
	Text             string
	Channel          domain.Channel
	MaxPromptLength  int
	AllowedLanguages []string
	Deadline         time.Time
}

// Result is what the orchestrator hands back to the Boundary API.
type Result struct {
	Action          domain.Action
	Reasons         []string
	MaskedPrompt    string
	RiskScore       float64
	DetectionMethod domain.DetectorKind
	ProcessingTime  time.Duration
	FindingsSummary domain.FindingsSummary
	Bundle          domain.PolicyBundle
}

// Orchestrator wires the Tenant Cache, the detector set, the evaluator, and
// the audit logger into the declared stage order.
type Orchestrator struct {
	Cache     *tenantcache.Cache
	Detectors []detect.Detector
	Evaluator evaluator.Evaluator
	Audit     *audit.Logger
	Timeouts  DetectorTimeouts
	Telemetry *telemetry.Provider
}

func New(cache *tenantcache.Cache, detectors []detect.Detector, eval evaluator.Evaluator, auditLogger *audit.Logger) *Orchestrator {
	return &Orchestrator{
		Cache:     cache,
		Detectors: detectors,
		Evaluator: eval,
		Audit:     auditLogger,
		Timeouts:  DefaultTimeouts(),
		Telemetry: telemetry.NoopProvider(),
	}
}

// Decide runs the full pipeline for req and returns the final Result. It
// always records a DecisionRecord to the audit logger before returning,
// even when the request deadline is exhausted.
func (o *Orchestrator) Decide(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	ctx, span := o.Telemetry.StartRequestSpan(ctx, req.Tenant, req.SessionID, req.Route)

	normalized := normalize(req.Text)

	snap, err := o.Cache.Get(ctx, req.Tenant, req.Channel)
	if err != nil {
		snap = nil // detectors degrade gracefully to built-in-only behavior
	}

	result, findings, errored, method := o.evaluate(ctx, req, normalized, snap)

	result.ProcessingTime = time.Since(start)
	result.FindingsSummary = domain.Summarize(findings, errored)
	result.DetectionMethod = method
	if snap != nil {
		result.Bundle = snap.Bundle
	}

	if result.Action == domain.ActionRedact {
		result.MaskedPrompt = mask.Apply(normalized, findings)
	} else if result.Action != domain.ActionBlock {
		result.MaskedPrompt = normalized
	}

	o.audit(ctx, req, normalized, result)
	o.Telemetry.EndRequestSpan(span, result.Action.String(), result.RiskScore, result.ProcessingTime.Milliseconds(), nil)
	return result, nil
}

// evaluate runs the short-circuit, fan-out, and evaluator stages, returning
// the pre-masking decision plus the raw findings for masking/audit.
func (o *Orchestrator) evaluate(ctx context.Context, req Request, normalized string, snap *tenantcache.Snapshot) (Result, []domain.Finding, []domain.DetectorKind, domain.DetectorKind) {
	if ctx.Err() != nil {
		return deadlineResult(), nil, nil, domain.DetectorError
	}

	if snap != nil {
		if entry, ok := matchShortCircuit(snap.Allowlist, normalized); ok {
			return Result{Action: domain.ActionAllow, Reasons: []string{"allowlist:" + entry.Value}, RiskScore: 1.0}, nil, nil, domain.DetectorAllowlist
		}
		if entry, ok := matchShortCircuit(snap.Blocklist, normalized); ok {
			return Result{Action: domain.ActionBlock, Reasons: []string{"blocklist: " + entry.Value}, RiskScore: 1.0}, nil, nil, domain.DetectorBlocklist
		}
	}

	findings, errored := o.fanOut(ctx, req, normalized, snap)

	if ctx.Err() != nil {
		return deadlineResult(), findings, errored, domain.DetectorError
	}

	evalReq := evaluator.Request{
		Tenant:           req.Tenant,
		Channel:          req.Channel,
		NormalizedText:   normalized,
		Findings:         findings,
		MaxPromptLength:  req.MaxPromptLength,
		AllowedLanguages: req.AllowedLanguages,
	}
	evalResult, err := o.Evaluator.Evaluate(ctx, evalReq, snap)
	if err != nil {
		// Deadline exhaustion on the request as a whole fails closed; any
		// other evaluator failure already fell back to Local internally.
		if ctx.Err() != nil {
			return deadlineResult(), findings, errored, domain.DetectorError
		}
		return Result{Action: domain.ActionBlock, Reasons: []string{"evaluator_unavailable"}, RiskScore: 1.0}, findings, errored, domain.DetectorError
	}

	method := domain.DetectorPolicy
	if len(findings) > 1 {
		method = domain.DetectorComposite
	} else if len(findings) == 1 {
		method = findings[0].Detector
	}

	return Result{
		Action:    evalResult.Action,
		Reasons:   evalResult.Reasons,
		RiskScore: evalResult.Confidence,
	}, findings, errored, method
}

func deadlineResult() Result {
	return Result{Action: domain.ActionBlock, Reasons: []string{"deadline_exceeded"}, RiskScore: 1.0}
}

// fanOut runs every configured detector concurrently, each under its own
// per-kind timeout, and gathers results into an order-independent set
// (spec §4.G, §5). A detector that errors or times out degrades to "no
// findings" and is recorded in errored.
func (o *Orchestrator) fanOut(ctx context.Context, req Request, normalized string, snap *tenantcache.Snapshot) ([]domain.Finding, []domain.DetectorKind) {
	var (
		mu       sync.Mutex
		findings []domain.Finding
		errored  []domain.DetectorKind
		wg       sync.WaitGroup
	)

	in := detect.Input{Text: normalized, Tenant: req.Tenant}

	for _, det := range o.Detectors {
		det := det
		wg.Add(1)
		go func() {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, o.Timeouts.forKind(det.Kind()))
			defer cancel()

			dctx, span := o.Telemetry.StartDetectorSpan(dctx, string(det.Kind()))
			fs, err := det.Scan(dctx, in, snap)
			o.Telemetry.EndDetectorSpan(span, len(fs), err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errored = append(errored, det.Kind())
				return
			}
			findings = append(findings, fs...)
		}()
	}

	wg.Wait()
	return findings, errored
}

func matchShortCircuit(entries []domain.ListEntry, text string) (domain.ListEntry, bool) {
	now := time.Now()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		if e.Matches(text) {
			return e, true
		}
	}
	return domain.ListEntry{}, false
}

// normalize trims surrounding whitespace and strips invalid UTF-8 bytes, so
// every downstream byte offset is well-formed.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	return strings.ToValidUTF8(s, "")
}

func (o *Orchestrator) audit(ctx context.Context, req Request, normalized string, res Result) {
	if o.Audit == nil {
		return
	}
	rec := domain.DecisionRecord{
		Tenant:          req.Tenant,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Timestamp:       time.Now(),
		Route:           req.Route,
		InputDigest:     digest.Of(normalized),
		InputLength:     len(normalized),
		Decision:        res.Action,
		Reasons:         res.Reasons,
		BundleName:      res.Bundle.Name,
		BundleVersion:   res.Bundle.Version,
		Channel:         req.Channel,
		LatencyMs:       res.ProcessingTime.Milliseconds(),
		FindingsSummary: res.FindingsSummary,
	}
	_ = o.Audit.Record(ctx, rec)
}
