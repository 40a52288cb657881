package vectorindex

import (
	"context"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

// Detector adapts Client into the Similarity Detector (spec 4.C.5): embeds
// the prompt, searches the tenant's blocked-prompt collection, and returns a
// finding for each neighbour at or above Threshold.
type Detector struct {
	Client    *Client
	Threshold float64
	TopN      int
}

// NewDetector wires client with the spec-default similarity threshold
// (0.75) and a modest neighbour count.
func NewDetector(client *Client) *Detector {
	return &Detector{Client: client, Threshold: 0.75, TopN: 5}
}

func (d *Detector) Kind() domain.DetectorKind { return domain.DetectorSimilarity }

func (d *Detector) Scan(ctx context.Context, in detect.Input, _ *tenantcache.Snapshot) ([]domain.Finding, error) {
	vec, err := d.Client.Embed(ctx, in.Text)
	if err != nil {
		return nil, err
	}
	neighbors, err := d.Client.Search(ctx, in.Tenant, vec, d.TopN)
	if err != nil {
		return nil, err
	}

	var findings []domain.Finding
	for _, n := range neighbors {
		if n.Similarity < d.Threshold {
			continue
		}
		findings = append(findings, domain.Finding{
			Detector:        domain.DetectorSimilarity,
			SubType:         n.Category,
			Span:            domain.Span{Start: 0, End: len(in.Text)},
			Confidence:      n.Similarity,
			Severity:        severityFor(n.Severity),
			SuggestedAction: domain.ActionBlock,
			Metadata:        map[string]any{"neighbor_id": n.ID},
		})
	}
	return findings, nil
}

func severityFor(s string) domain.Severity {
	switch domain.Severity(s) {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return domain.Severity(s)
	default:
		return domain.SeverityHigh
	}
}
