// Package mask implements the Masking Engine (spec 4.F). Unlike the
// teacher's internal/redaction.PatternRedactor, which re-scans the content
// with its own pattern set and substitutes via regexp.ReplaceAllString, the
// gateway already holds exact byte spans from the detector pipeline, so
// substitution here is span-based and position-preserving: spans are merged
// and replaced in descending start-offset order so earlier offsets stay
// valid through the whole pass.
package mask

import (
	"fmt"
	"sort"

	"promptgate/internal/domain"
)

// Sentinel returns the fixed, length-agnostic redaction token for kind
// (spec §4.F: "a fixed sentinel per kind, e.g. [REDACTED:<kind>]").
func Sentinel(kind string) string {
	return fmt.Sprintf("[REDACTED:%s]", kind)
}

// Apply replaces every REDACT-tagged finding's span in text with its
// sentinel, merging overlapping spans first. Findings not tagged
// domain.ActionRedact are left untouched.
func Apply(text string, findings []domain.Finding) string {
	spans := mergeSpans(redactSpans(findings))
	if len(spans) == 0 {
		return text
	}

	// Descending start offset so substituting a later span never shifts the
	// byte positions of spans still to come (spec §4.F).
	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })

	out := text
	for _, s := range spans {
		if s.start < 0 || s.end > len(out) || s.start > s.end {
			continue
		}
		out = out[:s.start] + Sentinel(s.kind) + out[s.end:]
	}
	return out
}

type span struct {
	start, end int
	kind       string
	confidence float64
}

func redactSpans(findings []domain.Finding) []span {
	spans := make([]span, 0, len(findings))
	for _, f := range findings {
		if f.SuggestedAction != domain.ActionRedact {
			continue
		}
		spans = append(spans, span{
			start:      f.Span.Start,
			end:        f.Span.End,
			kind:       kindOf(f),
			confidence: f.Confidence,
		})
	}
	return spans
}

func kindOf(f domain.Finding) string {
	if f.SubType != "" {
		return f.SubType
	}
	return string(f.Detector)
}

// mergeSpans merges overlapping or adjacent spans into one redaction each,
// keeping the highest-confidence span's kind as the merged label (spec
// §4.F: "overlapping spans are merged into a single redaction before
// substitution").
func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := make([]span, 0, len(spans))
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start <= cur.end {
			if s.end > cur.end {
				cur.end = s.end
			}
			if s.confidence > cur.confidence {
				cur.kind = s.kind
				cur.confidence = s.confidence
			}
			continue
		}
		merged = append(merged, cur)
		cur = s
	}
	merged = append(merged, cur)
	return merged
}
