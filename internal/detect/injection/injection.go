// Package injection implements the Injection Detector (spec 4.C.4): three
// independent sub-checks (heuristic, similarity, model) fused by
// any-exceeds-threshold / max-confidence, each positive sub-check
// contributing a named tactic to the finding.
package injection

import (
	"context"
	"regexp"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

// Default per-check score thresholds (spec §4.C.4).
const (
	DefaultHeuristicThreshold  = 0.75
	DefaultSimilarityThreshold = 0.90
	DefaultModelThreshold      = 0.90
)

type tactic struct {
	name string
	re   *regexp.Regexp
	conf float64
}

// heuristics is the regex + phrase library for known prompt-injection
// tactics, grounded on the instruction-override/jailbreak/role-swap families
// documented in original_source/PromptGate's detection notes.
var heuristics = []tactic{
	{"instruction_override", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`), 0.92},
	{"instruction_override", regexp.MustCompile(`(?i)new\s+instructions?\s*:\s*`), 0.7},
	{"role_swap", regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s+\w+`), 0.8},
	{"role_swap", regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+(are|were)\s+)?\w+`), 0.6},
	{"system_prompt_exfiltration", regexp.MustCompile(`(?i)(reveal|print|show|repeat|output)\s+(me\s+)?(the\s+)?(your\s+)?(system\s+prompt|initial\s+instructions|hidden\s+prompt)`), 0.9},
	{"system_prompt_exfiltration", regexp.MustCompile(`(?i)what\s+(were|are)\s+you\s+(told|instructed)\s+(to\s+do\s+)?before`), 0.7},
	{"jailbreak", regexp.MustCompile(`(?i)\bDAN\b|do\s+anything\s+now`), 0.85},
	{"jailbreak", regexp.MustCompile(`(?i)jailbreak(ed|ing)?`), 0.75},
	{"developer_mode", regexp.MustCompile(`(?i)developer\s+mode(\s+enabled)?`), 0.8},
	{"developer_mode", regexp.MustCompile(`(?i)\bsudo\s+mode\b`), 0.7},
	{"privilege_escalation", regexp.MustCompile(`(?i)(grant|give)\s+(me\s+)?(admin|root|superuser)\s+(access|privileges?)`), 0.8},
	{"privilege_escalation", regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|content|filter|guard)`), 0.85},
	{"code_execution", regexp.MustCompile(`(?i)(execute|run)\s+(this\s+)?(code|command|script)\s*:`), 0.7},
	{"code_execution", regexp.MustCompile(`(?i)\bos\.system\(|subprocess\.(run|call|Popen)|eval\(|exec\(`), 0.75},
}

// SimilarityChecker is the minimal contract the similarity sub-check needs;
// internal/vectorindex.Client satisfies this structurally.
type SimilarityChecker interface {
	MaxSimilarity(ctx context.Context, tenant, text string) (score float64, neighborCategory string, err error)
}

// ModelClassifier is the minimal contract the model sub-check needs;
// internal/classifier.RemoteClassifier satisfies this structurally.
type ModelClassifier interface {
	IsInjection(ctx context.Context, text string) (score float64, err error)
}

// Detector runs the heuristic sub-check always, and the similarity/model
// sub-checks only when a collaborator is configured (both are optional,
// externally-owned services per spec §1 scope).
type Detector struct {
	Similarity         SimilarityChecker
	Model              ModelClassifier
	HeuristicThreshold float64
	SimilarityThreshold float64
	ModelThreshold     float64
}

// New returns a Detector with spec-default thresholds and no remote
// collaborators wired; callers set Similarity/Model after construction.
func New() *Detector {
	return &Detector{
		HeuristicThreshold:  DefaultHeuristicThreshold,
		SimilarityThreshold: DefaultSimilarityThreshold,
		ModelThreshold:      DefaultModelThreshold,
	}
}

func (d *Detector) Kind() domain.DetectorKind { return domain.DetectorInjection }

func (d *Detector) Scan(ctx context.Context, in detect.Input, snap *tenantcache.Snapshot) ([]domain.Finding, error) {
	var findings []domain.Finding
	maxConf := 0.0
	var tactics []string

	for _, t := range heuristics {
		loc := t.re.FindStringIndex(in.Text)
		if loc == nil {
			continue
		}
		if t.conf >= d.HeuristicThreshold {
			tactics = append(tactics, t.name)
			if t.conf > maxConf {
				maxConf = t.conf
			}
			findings = append(findings, domain.Finding{
				Detector:        domain.DetectorInjection,
				SubType:         t.name,
				Span:            domain.Span{Start: loc[0], End: loc[1]},
				Confidence:      t.conf,
				Severity:        domain.SeverityHigh,
				SuggestedAction: domain.ActionBlock,
				Metadata:        map[string]any{"sub_check": "heuristic"},
			})
		}
	}

	if d.Similarity != nil {
		score, category, err := d.Similarity.MaxSimilarity(ctx, in.Tenant, in.Text)
		if err == nil && score >= d.SimilarityThreshold {
			tactics = append(tactics, "similarity:"+category)
			if score > maxConf {
				maxConf = score
			}
			findings = append(findings, domain.Finding{
				Detector:        domain.DetectorInjection,
				SubType:         "similarity_match",
				Span:            domain.Span{Start: 0, End: len(in.Text)},
				Confidence:      score,
				Severity:        domain.SeverityHigh,
				SuggestedAction: domain.ActionBlock,
				Metadata:        map[string]any{"sub_check": "similarity", "category": category},
			})
		}
	}

	if d.Model != nil {
		score, err := d.Model.IsInjection(ctx, in.Text)
		if err == nil && score >= d.ModelThreshold {
			tactics = append(tactics, "model_classified")
			if score > maxConf {
				maxConf = score
			}
			findings = append(findings, domain.Finding{
				Detector:        domain.DetectorInjection,
				SubType:         "model_classified",
				Span:            domain.Span{Start: 0, End: len(in.Text)},
				Confidence:      score,
				Severity:        domain.SeverityHigh,
				SuggestedAction: domain.ActionBlock,
				Metadata:        map[string]any{"sub_check": "model"},
			})
		}
	}

	if len(findings) == 0 {
		return nil, nil
	}

	// is_injection = any sub-check exceeds threshold; confidence = max,
	// reported as a single composite finding alongside each positive
	// sub-check's own finding (spec §4.C.4).
	findings = append(findings, domain.Finding{
		Detector:        domain.DetectorComposite,
		SubType:         "prompt_injection",
		Span:            domain.Span{Start: 0, End: len(in.Text)},
		Confidence:      maxConf,
		Severity:        domain.SeverityCritical,
		SuggestedAction: domain.ActionBlock,
		Metadata:        map[string]any{"tactics": tactics},
	})

	return findings, nil
}
