// Package evaluator implements the Policy Evaluator (spec 4.D): a local
// algorithm grounded on the teacher's internal/policy.Engine.Evaluate
// aggregation shape (generalized here from session risk-ladder metrics to
// per-request detector findings), and an optional remote Rego-style HTTP
// evaluator used when configured, with local fallback on timeout or
// transport failure (spec §5, §7).
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"

	"promptgate/internal/domain"
	"promptgate/internal/fuse"
	"promptgate/internal/tenantcache"
)

// Request is the evaluator's input: the normalized prompt, its findings, and
// the request's tenant/channel context.
type Request struct {
	Tenant          string
	Channel         domain.Channel
	NormalizedText  string
	Findings        []domain.Finding
	MaxPromptLength int      // 0 disables the guard
	AllowedLanguages []string // empty disables the guard
}

// Evaluator produces an EvaluatorResult for one Request.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request, snap *tenantcache.Snapshot) (domain.EvaluatorResult, error)
}

// Local implements the Policy Evaluator's in-process algorithm (spec §4.D
// steps 1-5).
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Evaluate(_ context.Context, req Request, snap *tenantcache.Snapshot) (domain.EvaluatorResult, error) {
	if snap != nil {
		if entry, ok := matchList(snap.Allowlist, req.NormalizedText); ok {
			return domain.EvaluatorResult{
				Action:     domain.ActionAllow,
				Reasons:    []string{"allowlist:" + entry.Value},
				Confidence: 1.0,
			}, nil
		}
		if entry, ok := matchList(snap.Blocklist, req.NormalizedText); ok {
			return domain.EvaluatorResult{
				Action:     domain.ActionBlock,
				Reasons:    []string{"blocklist: " + entry.Value},
				Confidence: 1.0,
			}, nil
		}
	}

	byKind := make(map[domain.DetectorKind][]domain.Finding)
	for _, f := range req.Findings {
		byKind[f.Detector] = append(byKind[f.Detector], f)
	}

	var contributors []fuse.Contributor
	var violations []domain.Finding
	for _, kind := range []domain.DetectorKind{
		domain.DetectorStatic, domain.DetectorSecret, domain.DetectorPII,
		domain.DetectorInjection, domain.DetectorSimilarity, domain.DetectorML,
		domain.DetectorComposite,
	} {
		findings := byKind[kind]
		if len(findings) == 0 {
			continue
		}
		violations = append(violations, findings...)
		contributors = append(contributors, fuse.FromFindings(findings, true))
	}

	if guard, ok := guardViolation(req); ok {
		contributors = append(contributors, guard)
	}

	decision := fuse.Fuse(contributors...)

	return domain.EvaluatorResult{
		Action:     decision.Action,
		Reasons:    decision.Reasons,
		Violations: violations,
		Confidence: decision.RiskScore,
	}, nil
}

// guardViolation applies the tenant-level guards of spec §4.D step 5:
// max_prompt_length and allowed_languages (a character-ratio heuristic).
func guardViolation(req Request) (fuse.Contributor, bool) {
	if req.MaxPromptLength > 0 && len(req.NormalizedText) > req.MaxPromptLength {
		return fuse.Contributor{
			Action:     domain.ActionBlock,
			Reasons:    []string{"prompt_too_long"},
			Confidence: 1.0,
			Specific:   false,
		}, true
	}
	if len(req.AllowedLanguages) > 0 && !languageAllowed(req.NormalizedText, req.AllowedLanguages) {
		return fuse.Contributor{
			Action:     domain.ActionBlock,
			Reasons:    []string{"language_not_allowed"},
			Confidence: 1.0,
			Specific:   false,
		}, true
	}
	return fuse.Contributor{}, false
}

// languageAllowed applies a simple character-ratio heuristic (spec §4.D):
// classifies the dominant script of the text and checks it against the
// allowed set.
func languageAllowed(text string, allowed []string) bool {
	var latin, hangul, han, other int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Latin, r):
			latin++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.IsLetter(r):
			other++
		}
	}
	total := latin + hangul + han + other
	if total == 0 {
		return true // no letters to classify; nothing to reject
	}
	dominant := "en"
	switch {
	case hangul >= latin && hangul >= han && hangul >= other:
		dominant = "ko"
	case han >= latin && han >= hangul && han >= other:
		dominant = "zh"
	}
	for _, lang := range allowed {
		if strings.EqualFold(lang, dominant) {
			return true
		}
	}
	return false
}

func matchList(entries []domain.ListEntry, text string) (domain.ListEntry, bool) {
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

// RemoteEvaluator delegates steps 4-5 to an externally hosted Rego-style
// evaluator (spec §4.D), falling back to Local on timeout or transport
// failure.
type RemoteEvaluator struct {
	url     string
	httpc   *http.Client
	retries uint64
	Fallback *Local
}

func NewRemoteEvaluator(url string) *RemoteEvaluator {
	return &RemoteEvaluator{
		url:      url,
		httpc:    &http.Client{Timeout: 3 * time.Second},
		retries:  2,
		Fallback: NewLocal(),
	}
}

type remoteDoc struct {
	Tenant         string            `json:"tenant"`
	Channel        string            `json:"channel"`
	NormalizedText string            `json:"normalized_text"`
	Findings       []domain.Finding  `json:"findings"`
}

func (r *RemoteEvaluator) Evaluate(ctx context.Context, req Request, snap *tenantcache.Snapshot) (domain.EvaluatorResult, error) {
	result, err := r.evaluateRemote(ctx, req)
	if err == nil {
		return result, nil
	}
	return r.Fallback.Evaluate(ctx, req, snap)
}

func (r *RemoteEvaluator) evaluateRemote(ctx context.Context, req Request) (domain.EvaluatorResult, error) {
	doc := remoteDoc{
		Tenant:         req.Tenant,
		Channel:        string(req.Channel),
		NormalizedText: req.NormalizedText,
		Findings:       req.Findings,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.EvaluatorResult{}, err
	}

	var out domain.EvaluatorResult
	op := func() error {
		hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		hreq.Header.Set("Content-Type", "application/json")

		resp, err := r.httpc.Do(hreq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("evaluator: remote returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("evaluator: remote returned %d", resp.StatusCode))
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
			return backoff.Permanent(decErr)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.retries)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return domain.EvaluatorResult{}, err
	}
	return out, nil
}
