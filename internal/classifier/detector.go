package classifier

import (
	"context"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

// Classifier is the shared contract between LocalEnsemble and
// RemoteClassifier, both mapping a prompt to a Result (spec §4.C.6).
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Detector adapts a Classifier into the ML Classifier's detect.Detector
// role, contributing a `ml` violation kind to the evaluator (spec §4.D).
type Detector struct {
	Classifier Classifier
	Threshold  float64
}

// NewDetector wires classifier with a conservative default threshold: only
// medium-risk-or-above classifications become findings.
func NewDetector(c Classifier) *Detector {
	return &Detector{Classifier: c, Threshold: 0.4}
}

func (d *Detector) Kind() domain.DetectorKind { return domain.DetectorML }

func (d *Detector) Scan(ctx context.Context, in detect.Input, _ *tenantcache.Snapshot) ([]domain.Finding, error) {
	result, err := d.Classifier.Classify(ctx, in.Text)
	if err != nil {
		return nil, err
	}
	if result.Score < d.Threshold {
		return nil, nil
	}

	action := domain.ActionLogOnly
	switch result.RiskCategory {
	case RiskCritical, RiskHigh:
		action = domain.ActionBlock
	case RiskMedium:
		action = domain.ActionRequireApproval
	}

	return []domain.Finding{{
		Detector:        domain.DetectorML,
		SubType:         string(result.RiskCategory),
		Span:            domain.Span{Start: 0, End: len(in.Text)},
		Confidence:      result.Confidence,
		Severity:        severityForRisk(result.RiskCategory),
		SuggestedAction: action,
		Metadata:        map[string]any{"threat_types": result.ThreatTypes, "features": result.Features},
	}}, nil
}

func severityForRisk(r RiskCategory) domain.Severity {
	switch r {
	case RiskCritical:
		return domain.SeverityCritical
	case RiskHigh:
		return domain.SeverityHigh
	case RiskMedium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
