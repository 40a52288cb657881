// Package classifier implements the ML Classifier (spec 4.C.6): a local
// ensemble of hand-crafted feature weights plus an optional remote LLM
// classifier used both standalone and as the injection detector's model
// sub-check. Grounded on internal/policy's risk-scoring shape, generalized
// from session risk ladders to a single-prompt feature vector.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RiskCategory mirrors spec §4.C.6's risk_category enumeration.
type RiskCategory string

const (
	RiskSafe     RiskCategory = "safe"
	RiskLow      RiskCategory = "low"
	RiskMedium   RiskCategory = "medium"
	RiskHigh     RiskCategory = "high"
	RiskCritical RiskCategory = "critical"
)

// Result is the ML Classifier's output shape.
type Result struct {
	RiskCategory RiskCategory   `json:"risk_category"`
	ThreatTypes  []string       `json:"threat_types"`
	Score        float64        `json:"score"`
	Confidence   float64        `json:"confidence"`
	Features     map[string]any `json:"features,omitempty"`
}

// FeatureWeights is the ensemble's hand-crafted weighting, configuration per
// spec §4.C.6, not code: the zero value falls back to sensible defaults.
type FeatureWeights struct {
	ImperativeDensity float64
	SpecialCharRatio  float64
	KeywordHitCount   float64
	LengthPenalty     float64
}

func defaultWeights() FeatureWeights {
	return FeatureWeights{
		ImperativeDensity: 0.3,
		SpecialCharRatio:  0.15,
		KeywordHitCount:   0.4,
		LengthPenalty:     0.05,
	}
}

var threatKeywords = []string{
	"ignore previous", "system prompt", "jailbreak", "developer mode",
	"bypass", "root access", "admin access", "do anything now",
	"execute code", "reveal your instructions",
}

// LocalEnsemble extracts a bag-of-features vector and scores it with
// FeatureWeights; free to be ensembled with RemoteClassifier by callers.
type LocalEnsemble struct {
	Weights FeatureWeights
}

func NewLocalEnsemble() *LocalEnsemble {
	return &LocalEnsemble{Weights: defaultWeights()}
}

// Classify maps text to a Result using only local, non-PII features: counts,
// ratios, and pattern-hit counts (spec §4.C.6).
func (e *LocalEnsemble) Classify(_ context.Context, text string) (Result, error) {
	lower := strings.ToLower(text)

	hits := 0
	for _, kw := range threatKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}

	imperatives := 0
	for _, w := range []string{"ignore", "forget", "disregard", "override", "reveal", "bypass"} {
		imperatives += strings.Count(lower, w)
	}

	special := 0
	for _, r := range text {
		if strings.ContainsRune("{}[]<>|\\^~`", r) {
			special++
		}
	}
	specialRatio := 0.0
	if len(text) > 0 {
		specialRatio = float64(special) / float64(len(text))
	}

	lengthFactor := 0.0
	if len(text) > 2000 {
		lengthFactor = 1.0
	}

	w := e.Weights
	score := w.ImperativeDensity*clamp01(float64(imperatives)/5) +
		w.SpecialCharRatio*clamp01(specialRatio*20) +
		w.KeywordHitCount*clamp01(float64(hits)/3) +
		w.LengthPenalty*lengthFactor
	score = clamp01(score)

	return Result{
		RiskCategory: categoryFor(score),
		ThreatTypes:  threatTypesFor(lower),
		Score:        score,
		Confidence:   score,
		Features: map[string]any{
			"imperative_count": imperatives,
			"special_ratio":    specialRatio,
			"keyword_hits":     hits,
		},
	}, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func categoryFor(score float64) RiskCategory {
	switch {
	case score >= 0.9:
		return RiskCritical
	case score >= 0.7:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	case score >= 0.15:
		return RiskLow
	default:
		return RiskSafe
	}
}

func threatTypesFor(lower string) []string {
	var out []string
	if strings.Contains(lower, "ignore") || strings.Contains(lower, "disregard") {
		out = append(out, "instruction_override")
	}
	if strings.Contains(lower, "system prompt") {
		out = append(out, "system_prompt_exfiltration")
	}
	if strings.Contains(lower, "jailbreak") || strings.Contains(lower, "do anything now") {
		out = append(out, "jailbreak")
	}
	if strings.Contains(lower, "developer mode") {
		out = append(out, "developer_mode")
	}
	return out
}

// RemoteClassifier calls an externally hosted LLM classifier (spec §6), used
// standalone and as internal/detect/injection.Detector's model sub-check.
type RemoteClassifier struct {
	url     string
	httpc   *http.Client
	retries uint64
}

func NewRemoteClassifier(url string) *RemoteClassifier {
	return &RemoteClassifier{
		url:     url,
		httpc:   &http.Client{Timeout: 8 * time.Second},
		retries: 2,
	}
}

// Classify satisfies the standalone ML Classifier contract.
func (r *RemoteClassifier) Classify(ctx context.Context, text string) (Result, error) {
	var out Result
	err := r.post(ctx, text, &out)
	return out, err
}

// IsInjection satisfies internal/detect/injection.ModelClassifier, reporting
// only the injection-relevant score.
func (r *RemoteClassifier) IsInjection(ctx context.Context, text string) (float64, error) {
	result, err := r.Classify(ctx, text)
	if err != nil {
		return 0, err
	}
	return result.Score, nil
}

func (r *RemoteClassifier) post(ctx context.Context, text string, out *Result) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("classifier: remote returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("classifier: remote returned %d", resp.StatusCode))
		}
		if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
			return backoff.Permanent(decErr)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.retries)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
