// Package secret implements the Secret Detector (spec 4.C.2). The built-in
// pattern catalog is grounded on original_source/PromptGate's
// secret_scanner.py SecretPattern.PATTERNS table, translated from Python
// SecretType/SecretSeverity enums to domain.Finding sub-types and severities.
package secret

import (
	"context"
	"regexp"
	"sort"

	"promptgate/internal/detect"
	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

// builtinPattern is one entry of the built-in, versioned pattern set.
// category is the coarse SecretType family the original secret_scanner.py
// groups providers under (api_key/token/password/...); subType is the
// finer-grained provider name, kept only as finding metadata so the fused
// decision reason reads "secret:<category>" regardless of which specific
// provider's pattern fired (spec §6, scenario 2).
type builtinPattern struct {
	subType  string
	category string
	re       *regexp.Regexp
	severity domain.Severity
	validate func(match string) float64 // returns a confidence multiplier in [0,1]
}

// minConfidence is the spec-mandated discard threshold (§4.C.2).
const minConfidence = 0.5

const (
	categoryAPIKey      = "api_key"
	categoryToken       = "token"
	categoryPassword    = "password"
	categoryPrivateKey  = "private_key"
	categoryCertificate = "certificate"
	categoryDatabaseURL = "database_url"
	categoryCloudCreds  = "cloud_credentials"
	categoryCryptoKey   = "cryptographic_key"
)

var builtins = []builtinPattern{
	{"aws_access_key_id", categoryAPIKey, regexp.MustCompile(`AKIA[0-9A-Z]{16}`), domain.SeverityHigh, nil},
	{"aws_session_access_key_id", categoryAPIKey, regexp.MustCompile(`ASIA[0-9A-Z]{16}`), domain.SeverityHigh, nil},
	{"openai_api_key", categoryAPIKey, regexp.MustCompile(`sk-proj-[a-zA-Z0-9]{48}|sk-[a-zA-Z0-9]{48}`), domain.SeverityHigh, nil},
	{"google_api_key", categoryAPIKey, regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), domain.SeverityHigh, nil},
	{"github_token", categoryToken, regexp.MustCompile(`gh[poaur]_[a-zA-Z0-9]{36}`), domain.SeverityHigh, validateLengthAtLeast(40)},
	{"slack_token", categoryToken, regexp.MustCompile(`xox[baprs]-[0-9]{12}-[0-9]{12}-[a-zA-Z0-9]{24}`), domain.SeverityHigh, nil},
	{"discord_token", categoryToken, regexp.MustCompile(`[MN][A-Za-z\d]{23}\.[\w-]{6}\.[\w-]{27}`), domain.SeverityHigh, nil},
	{"stripe_live_key", categoryAPIKey, regexp.MustCompile(`(sk|pk)_live_[0-9a-zA-Z]{24}`), domain.SeverityHigh, nil},
	{"generic_api_key", categoryAPIKey, regexp.MustCompile(`(?i)api[_-]?key[=:]\s*['"]?[a-zA-Z0-9]{20,}['"]?`), domain.SeverityMedium, nil},
	{"password_assignment", categoryPassword, regexp.MustCompile(`(?i)(password|pwd|pass)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`), domain.SeverityHigh, nil},
	{"basic_auth_url", categoryPassword, regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`), domain.SeverityHigh, nil},
	{"jwt", categoryToken, regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), domain.SeverityMedium, validateJWTStructure},
	{"bearer_token", categoryToken, regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_-]{20,}`), domain.SeverityMedium, nil},
	{"oauth_token", categoryToken, regexp.MustCompile(`(?i)(oauth|access|refresh)[_-]?token[=:]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`), domain.SeverityMedium, nil},
	{"pem_private_key", categoryPrivateKey, regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |DSA |ENCRYPTED )?PRIVATE KEY-----`), domain.SeverityCritical, nil},
	{"pem_certificate", categoryCertificate, regexp.MustCompile(`-----BEGIN (CERTIFICATE|CERTIFICATE REQUEST|PKCS7)-----`), domain.SeverityMedium, nil},
	{"db_url_postgres", categoryDatabaseURL, regexp.MustCompile(`postgres(ql)?://[^:/\s]+:[^@/\s]+@[^/\s]+/\S+`), domain.SeverityHigh, nil},
	{"db_url_mysql", categoryDatabaseURL, regexp.MustCompile(`mysql://[^:/\s]+:[^@/\s]+@[^/\s]+/\S+`), domain.SeverityHigh, nil},
	{"db_url_mongodb", categoryDatabaseURL, regexp.MustCompile(`mongodb(\+srv)?://[^:/\s]+:[^@/\s]+@[^/\s]+/\S+`), domain.SeverityHigh, nil},
	{"db_url_redis", categoryDatabaseURL, regexp.MustCompile(`redis://[^:/\s]+:[^@/\s]+@[^/\s]+/\S+`), domain.SeverityHigh, nil},
	{"db_url_sqlite", categoryDatabaseURL, regexp.MustCompile(`sqlite:///\S+`), domain.SeverityMedium, nil},
	{"azure_storage_key", categoryCloudCreds, regexp.MustCompile(`DefaultEndpointsProtocol=https;AccountName=[^;]+;AccountKey=[^;]+`), domain.SeverityHigh, nil},
	{"gcp_service_account", categoryCloudCreds, regexp.MustCompile(`"type":\s*"service_account"`), domain.SeverityHigh, nil},
	{"aws_session_token", categoryCloudCreds, regexp.MustCompile(`(?i)AWS_SESSION_TOKEN[=:]\s*['"]?[A-Za-z0-9+/=]{100,}['"]?`), domain.SeverityHigh, nil},
	{"hex_key_256", categoryCryptoKey, regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`), domain.SeverityMedium, validateHexEntropy},
	{"hex_key_128", categoryCryptoKey, regexp.MustCompile(`\b[0-9a-fA-F]{32}\b`), domain.SeverityMedium, validateHexEntropy},
	{"base64_key", categoryCryptoKey, regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`), domain.SeverityLow, validateBase64Entropy},
}

func validateLengthAtLeast(n int) func(string) float64 {
	return func(s string) float64 {
		if len(s) < n {
			return 0.3
		}
		return 0.9
	}
}

// validateJWTStructure requires three dot-separated, non-empty segments.
func validateJWTStructure(s string) float64 {
	segments := 1
	for _, c := range s {
		if c == '.' {
			segments++
		}
	}
	if segments != 3 {
		return 0.2
	}
	return 0.85
}

// validateHexEntropy downgrades runs that are a single repeated character or
// digit-only (more likely an ID/timestamp-derived string than a key).
func validateHexEntropy(s string) float64 {
	if isLowEntropy(s) {
		return 0.3
	}
	return 0.7
}

func validateBase64Entropy(s string) float64 {
	if isLowEntropy(s) {
		return 0.2
	}
	return 0.55
}

func isLowEntropy(s string) bool {
	distinct := make(map[rune]struct{})
	for _, c := range s {
		distinct[c] = struct{}{}
	}
	return len(distinct) < 6
}

// Detector evaluates both the built-in pattern set and per-bundle `secret`
// rules from the active snapshot.
type Detector struct{}

func New() *Detector { return &Detector{} }

func (d *Detector) Kind() domain.DetectorKind { return domain.DetectorSecret }

func (d *Detector) Scan(_ context.Context, in detect.Input, snap *tenantcache.Snapshot) ([]domain.Finding, error) {
	candidates := make([]domain.Finding, 0, 8)

	for _, bp := range builtins {
		for _, loc := range bp.re.FindAllStringIndex(in.Text, -1) {
			confidence := 0.9
			if bp.validate != nil {
				confidence = bp.validate(in.Text[loc[0]:loc[1]])
			}
			if confidence < minConfidence {
				continue
			}
			candidates = append(candidates, domain.Finding{
				Detector:        domain.DetectorSecret,
				SubType:         bp.category,
				Span:            domain.Span{Start: loc[0], End: loc[1]},
				Confidence:      confidence,
				Severity:        bp.severity,
				SuggestedAction: domain.ActionBlock,
				Metadata:        map[string]any{"provider": bp.subType},
			})
		}
	}

	if snap != nil {
		for _, cr := range snap.RulesOfType(domain.RuleSecret) {
			if cr.Pattern == nil {
				continue
			}
			for _, loc := range cr.Pattern.FindAllStringIndex(in.Text, -1) {
				candidates = append(candidates, domain.Finding{
					Detector:        domain.DetectorSecret,
					SubType:         cr.Rule.ID,
					Span:            domain.Span{Start: loc[0], End: loc[1]},
					Confidence:      0.95,
					Severity:        domain.SeverityHigh,
					SuggestedAction: cr.Rule.Action,
				})
			}
		}
	}

	return collapseOverlapping(candidates), nil
}

// collapseOverlapping merges findings that share a span, keeping the
// highest-confidence one (spec §4.C.2: "adjacent findings on the same span
// collapse to the highest-confidence one").
func collapseOverlapping(findings []domain.Finding) []domain.Finding {
	if len(findings) == 0 {
		return findings
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Span.Start != findings[j].Span.Start {
			return findings[i].Span.Start < findings[j].Span.Start
		}
		return findings[i].Span.End < findings[j].Span.End
	})

	out := make([]domain.Finding, 0, len(findings))
	cur := findings[0]
	for _, f := range findings[1:] {
		if f.Span.Start < cur.Span.End { // overlaps cur
			if f.Confidence > cur.Confidence {
				cur = f
			}
			continue
		}
		out = append(out, cur)
		cur = f
	}
	out = append(out, cur)
	return out
}
