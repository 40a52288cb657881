// Package detect defines the shared Detector contract (spec component 4.C).
// Every detector implementation — internal/detect/pattern, secret, pii,
// injection, internal/vectorindex (similarity), internal/classifier (ml) —
// is stateless per request, holds only immutable snapshot-owned state, and
// never mutates its input.
package detect

import (
	"context"

	"promptgate/internal/domain"
	"promptgate/internal/tenantcache"
)

// Input is the normalized text handed to every detector for one request.
type Input struct {
	Text   string
	Tenant string
}

// Detector scans Input under a given tenant snapshot and returns findings.
// A returned error degrades this single detector to "no findings" in the
// orchestrator; it must never be treated as a request-level failure.
type Detector interface {
	Kind() domain.DetectorKind
	Scan(ctx context.Context, in Input, snap *tenantcache.Snapshot) ([]domain.Finding, error)
}
