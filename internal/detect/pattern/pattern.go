// Package pattern implements the Static Pattern Detector (spec 4.C.1).
package pattern

import (
	"context"
	"regexp"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/gatewayerr"
	"promptgate/internal/tenantcache"
)

// Compile compiles every enabled rule's pattern into a case-insensitive,
// multiline regex once per snapshot load. Called from the Tenant Cache
// loader, not from the request hot path, so a single rule's failure to
// compile does not belong in the detector's per-request error path.
func Compile(rules []domain.FilterRule) ([]tenantcache.CompiledRule, error) {
	compiled := make([]tenantcache.CompiledRule, 0, len(rules))
	for _, r := range rules {
		cr := tenantcache.CompiledRule{Rule: r}
		if r.Type == domain.RuleStatic || r.Type == domain.RuleSecret || r.Type == domain.RulePII {
			re, err := regexp.Compile("(?im)" + r.Pattern)
			if err != nil {
				return nil, gatewayerr.InvalidInput("rule %q has invalid pattern: %v", r.ID, err)
			}
			cr.Pattern = re
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// Detector evaluates enabled `static` rules from the active snapshot.
type Detector struct{}

func New() *Detector { return &Detector{} }

func (d *Detector) Kind() domain.DetectorKind { return domain.DetectorStatic }

func (d *Detector) Scan(_ context.Context, in detect.Input, snap *tenantcache.Snapshot) ([]domain.Finding, error) {
	if snap == nil {
		return nil, nil
	}
	var findings []domain.Finding
	for _, cr := range snap.RulesOfType(domain.RuleStatic) {
		if cr.Pattern == nil {
			continue
		}
		for _, loc := range cr.Pattern.FindAllStringIndex(in.Text, -1) {
			findings = append(findings, domain.Finding{
				Detector:        domain.DetectorStatic,
				SubType:         cr.Rule.ID,
				Span:            domain.Span{Start: loc[0], End: loc[1]},
				Confidence:      1.0,
				Severity:        domain.SeverityHigh,
				SuggestedAction: cr.Rule.Action,
			})
		}
	}
	return findings, nil
}
