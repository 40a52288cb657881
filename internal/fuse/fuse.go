// Package fuse implements the Decision Fuser (spec 4.E): combines short
// circuit outcomes (allowlist/blocklist) and the Policy Evaluator's result
// into the final decision on the action lattice, pure functions over
// domain.Action with no I/O, mirroring the teacher's policy.Engine risk
// aggregation shape but generalized to the action lattice instead of a
// numeric risk ladder.
package fuse

import (
	"promptgate/internal/domain"
)

// Contributor is one layer's partial verdict: a short-circuit outcome, or
// the Policy Evaluator's result reduced to its action lattice point.
type Contributor struct {
	Action     domain.Action
	Reasons    []string
	Confidence float64
	Specific   bool // bundle-scoped reasons win ties over built-in ones
}

// Decision is the Fuser's output: the final action, union-deduplicated
// reasons, and the maximum contributing confidence as risk_score.
type Decision struct {
	Action    domain.Action
	Reasons   []string
	RiskScore float64
}

// Fuse combines contributors into the final Decision (spec §4.E):
//   - the final action is the maximum on the lattice across all contributors;
//   - a BLOCK from any layer is absolute;
//   - reasons are the union, deduplicated by string identity;
//   - risk_score is the maximum confidence across contributing findings;
//   - ties across equal actions prefer the more specific (bundle-scoped)
//     reason.
func Fuse(contributors ...Contributor) Decision {
	d := Decision{Action: domain.ActionAllow}
	seen := make(map[string]struct{})

	for _, c := range contributors {
		if c.Action > d.Action {
			d.Action = c.Action
		}
		if c.Confidence > d.RiskScore {
			d.RiskScore = c.Confidence
		}
		for _, r := range c.Reasons {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			d.Reasons = append(d.Reasons, r)
		}
		if c.Action == domain.ActionBlock {
			// BLOCK is absolute: no further layer can soften it, and masking
			// is never attempted once reached (spec §4.E).
			return finalize(d, contributors, domain.ActionBlock, seen)
		}
	}

	return d
}

// finalize re-derives the reason ordering so that, under an absolute BLOCK,
// reasons from the blocking contributor(s) and any equally-restrictive
// bundle-scoped contributor lead the list (tie-break toward specificity).
func finalize(d Decision, contributors []Contributor, action domain.Action, seen map[string]struct{}) Decision {
	var specific, general []string
	for _, c := range contributors {
		if c.Action != action {
			continue
		}
		for _, r := range c.Reasons {
			if c.Specific {
				specific = append(specific, r)
			} else {
				general = append(general, r)
			}
		}
	}
	ordered := make([]string, 0, len(d.Reasons))
	appended := make(map[string]struct{})
	for _, r := range append(specific, general...) {
		if _, ok := appended[r]; ok {
			continue
		}
		appended[r] = struct{}{}
		ordered = append(ordered, r)
	}
	for _, r := range d.Reasons {
		if _, ok := appended[r]; ok {
			continue
		}
		appended[r] = struct{}{}
		ordered = append(ordered, r)
	}
	d.Action = action
	d.Reasons = ordered
	return d
}

// FromFindings aggregates raw findings into one Contributor per spec §4.D
// step 4: the action per violation kind is the strongest suggested action
// of that kind's findings, and reasons accumulate one entry per distinct
// (detector, sub_type) pair.
func FromFindings(findings []domain.Finding, specific bool) Contributor {
	c := Contributor{Specific: specific}
	seenReason := make(map[string]struct{})
	for _, f := range findings {
		if f.SuggestedAction > c.Action {
			c.Action = f.SuggestedAction
		}
		if f.Confidence > c.Confidence {
			c.Confidence = f.Confidence
		}
		reason := string(f.Detector) + ":" + f.SubType
		if _, ok := seenReason[reason]; ok {
			continue
		}
		seenReason[reason] = struct{}{}
		c.Reasons = append(c.Reasons, reason)
	}
	return c
}
