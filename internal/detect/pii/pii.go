// Package pii implements the PII Detector (spec 4.C.3). The built-in pattern
// catalog is grounded on original_source/PromptGate's
// pii_detector.py KoreanPIIPatterns.PATTERNS, translated to Go regexes with
// per-kind confidence and context-window boosting.
package pii

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

// contextWindow is the ±100-byte window scanned around each candidate for
// keyword context scoring (spec §4.C.3).
const contextWindow = 100

const minConfidence = 0.5

type builtinPattern struct {
	kind       string
	re         *regexp.Regexp
	baseConf   float64
	validate   func(match string) (ok bool, confMultiplier float64)
	keywords   []string // context-window keyword family that boosts confidence
}

var builtins = []builtinPattern{
	{"ssn", regexp.MustCompile(`\b\d{6}-?[1-8]\d{6}\b`), 0.85, validateKoreanSSN,
		[]string{"주민", "ssn", "resident", "id number", "주민등록번호"}},
	{"phone_mobile", regexp.MustCompile(`\b01[016789]-?\d{3,4}-?\d{4}\b`), 0.85, nil,
		[]string{"phone", "mobile", "전화", "휴대폰", "연락처", "call", "tel"}},
	{"phone_landline", regexp.MustCompile(`\b0\d{1,2}-?\d{3,4}-?\d{4}\b`), 0.5, nil,
		[]string{"phone", "tel", "전화", "유선"}},
	{"phone_international", regexp.MustCompile(`\+\d{1,3}-?\d{1,4}-?\d{3,4}-?\d{4}\b`), 0.5, nil,
		[]string{"phone", "tel", "call", "contact"}},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), 0.9, nil,
		[]string{"email", "mail", "이메일", "메일", "contact", "from:", "to:"}},
	{"credit_card", regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), 0.6, validateLuhn,
		[]string{"card", "visa", "mastercard", "카드", "결제", "cvv", "expiry"}},
	{"bank_account", regexp.MustCompile(`\b\d{3}-\d{2}-\d{6,15}\b`), 0.85, nil,
		[]string{"account", "bank", "계좌", "입금", "송금", "iban"}},
	{"ipv4", regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`), 0.5, validateIPv4,
		[]string{"ip", "address", "host", "server"}},
	{"ipv6", regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`), 0.5, nil,
		[]string{"ip", "address", "host", "server"}},
	{"mac_address", regexp.MustCompile(`\b(?:[0-9a-fA-F]{2}[:-]){5}[0-9a-fA-F]{2}\b`), 0.55, nil,
		[]string{"mac", "device", "network", "adapter"}},
	{"date_of_birth", regexp.MustCompile(`\b(19|20)\d{2}[-./](0[1-9]|1[0-2])[-./](0[1-9]|[12]\d|3[01])\b`), 0.4, nil,
		[]string{"birth", "dob", "생년월일", "born", "date of birth"}},
	{"postal_address", regexp.MustCompile(`\b(서울|부산|대구|인천|광주|대전|울산|세종|경기|강원|충북|충남|전북|전남|경북|경남|제주)\s+\S[\p{Hangul}\s\d-]*`), 0.5, nil,
		[]string{"address", "주소", "배송", "shipping", "deliver"}},
	{"postal_code", regexp.MustCompile(`\b\d{5}\b`), 0.2, nil,
		[]string{"zip", "postal", "우편번호", "address"}},
	{"personal_name_kr", regexp.MustCompile(`[\p{Hangul}]{2,4}`), 0.15, nil,
		[]string{"name", "이름", "성명", "signed", "attn", "dear"}},
}

func validateKoreanSSN(s string) (bool, float64) {
	digits := strings.ReplaceAll(s, "-", "")
	if len(digits) != 13 {
		return false, 0
	}
	return true, 1.1
}

// validateLuhn applies the Luhn check-digit algorithm, the standard card
// validator referenced directly by spec §4.C.3.
func validateLuhn(s string) (bool, float64) {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false, 0
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	if sum%10 != 0 {
		return false, 0
	}
	return true, 1.2
}

func validateIPv4(s string) (bool, float64) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false, 0
	}
	for _, p := range parts {
		if len(p) > 1 && p[0] == '0' {
			return false, 0 // leading zero octet, almost never a real IP literal
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return false, 0
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false, 0
		}
	}
	return true, 1.0
}

// Detector evaluates the built-in Korean-context PII catalog and per-bundle
// `pii` rules from the active snapshot, scoring each candidate's surrounding
// context window.
type Detector struct{}

func New() *Detector { return &Detector{} }

func (d *Detector) Kind() domain.DetectorKind { return domain.DetectorPII }

func (d *Detector) Scan(_ context.Context, in detect.Input, snap *tenantcache.Snapshot) ([]domain.Finding, error) {
	var candidates []domain.Finding

	for _, bp := range builtins {
		for _, loc := range bp.re.FindAllStringIndex(in.Text, -1) {
			match := in.Text[loc[0]:loc[1]]
			conf := bp.baseConf
			if bp.validate != nil {
				ok, mult := bp.validate(match)
				if !ok {
					continue
				}
				conf *= mult
			}
			conf *= contextBoost(in.Text, loc[0], loc[1], bp.keywords)
			if conf > 1.0 {
				conf = 1.0
			}
			if conf < minConfidence {
				continue
			}
			candidates = append(candidates, domain.Finding{
				Detector:        domain.DetectorPII,
				SubType:         bp.kind,
				Span:            domain.Span{Start: loc[0], End: loc[1]},
				Confidence:      conf,
				Severity:        severityFor(bp.kind, conf),
				SuggestedAction: domain.ActionRedact,
			})
		}
	}

	if snap != nil {
		for _, cr := range snap.RulesOfType(domain.RulePII) {
			if cr.Pattern == nil {
				continue
			}
			for _, loc := range cr.Pattern.FindAllStringIndex(in.Text, -1) {
				candidates = append(candidates, domain.Finding{
					Detector:        domain.DetectorPII,
					SubType:         cr.Rule.ID,
					Span:            domain.Span{Start: loc[0], End: loc[1]},
					Confidence:      0.95,
					Severity:        domain.SeverityHigh,
					SuggestedAction: cr.Rule.Action,
				})
			}
		}
	}

	return dedupe(candidates), nil
}

// contextBoost scans ±contextWindow bytes around [start,end) for keyword
// families indicating a form field, document, database column, or email
// header, per spec §4.C.3 step 3.
func contextBoost(text string, start, end int, keywords []string) float64 {
	if len(keywords) == 0 {
		return 1.0
	}
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(text) {
		hi = len(text)
	}
	window := strings.ToLower(text[lo:hi])
	for _, kw := range keywords {
		if strings.Contains(window, strings.ToLower(kw)) {
			return 1.25
		}
	}
	return 0.85
}

func severityFor(kind string, conf float64) domain.Severity {
	switch kind {
	case "ssn", "credit_card", "bank_account":
		return domain.SeverityHigh
	}
	if conf >= 0.8 {
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

// dedupe keys on (pii_kind, start, end), keeping the highest-confidence entry
// (spec §4.C.3: "Deduplication keys are (pii_kind, start, end)").
func dedupe(findings []domain.Finding) []domain.Finding {
	type key struct {
		kind       string
		start, end int
	}
	best := make(map[key]domain.Finding, len(findings))
	order := make([]key, 0, len(findings))
	for _, f := range findings {
		k := key{f.SubType, f.Span.Start, f.Span.End}
		if prev, ok := best[k]; !ok || f.Confidence > prev.Confidence {
			if !ok {
				order = append(order, k)
			}
			best[k] = f
		}
	}
	out := make([]domain.Finding, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Span.Start < out[j].Span.Start
	})
	return out
}
