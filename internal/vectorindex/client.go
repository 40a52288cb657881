// Package vectorindex provides the Similarity Detector's (spec 4.C.5)
// externally-owned collaborators: an embedding back-end and a vector index
// holding each tenant's blocked-prompt collection. Both are plain JSON HTTP
// clients, grounded on the teacher's net/http request idiom in
// internal/router/router.go, with cenkalti/backoff/v4 retry on transient
// failures (promoted from the pack's indirect dependency set, see
// DESIGN.md).
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Vector is an embedding, opaque beyond its dimensionality.
type Vector []float32

// Neighbor is one result of a similarity search: a blocked prompt whose
// embedding sits within range of the query.
type Neighbor struct {
	ID         string  `json:"id"`
	Category   string  `json:"category"`
	Severity   string  `json:"severity"`
	Similarity float64 `json:"similarity"`
}

// Embedder turns normalized text into a vector using the configured
// embedding back-end.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
}

// Client is both the vector-index search/upsert collaborator and an
// Embedder, composed over one HTTP endpoint pair per spec §6.
type Client struct {
	embedURL  string
	searchURL string
	upsertURL string
	httpc     *http.Client
	retries   uint64
}

// New builds a Client. embedURL answers POST {text} -> {vector}; searchURL
// answers POST {tenant, vector, top_n} -> {neighbors}; upsertURL answers
// POST {tenant, text, category, severity} for add_blocked_prompt.
func New(embedURL, searchURL, upsertURL string) *Client {
	return &Client{
		embedURL:  embedURL,
		searchURL: searchURL,
		upsertURL: upsertURL,
		httpc:     &http.Client{Timeout: 5 * time.Second},
		retries:   3,
	}
}

func (c *Client) Embed(ctx context.Context, text string) (Vector, error) {
	var out struct {
		Vector Vector `json:"vector"`
	}
	err := c.postWithRetry(ctx, c.embedURL, map[string]string{"text": text}, &out)
	return out.Vector, err
}

// Search queries the tenant's blocked-prompt collection for up to topN
// nearest neighbours of vector.
func (c *Client) Search(ctx context.Context, tenant string, vector Vector, topN int) ([]Neighbor, error) {
	var out struct {
		Neighbors []Neighbor `json:"neighbors"`
	}
	body := map[string]any{"tenant": tenant, "vector": vector, "top_n": topN}
	err := c.postWithRetry(ctx, c.searchURL, body, &out)
	return out.Neighbors, err
}

// Upsert is the dedicated add_blocked_prompt operation (spec §4.C.5):
// deliberately not reachable from the decision hot path, only from policy
// administration flows.
func (c *Client) Upsert(ctx context.Context, tenant, text, category, severity string) error {
	body := map[string]any{
		"tenant": tenant, "text": text, "category": category, "severity": severity,
	}
	return c.postWithRetry(ctx, c.upsertURL, body, nil)
}

// MaxSimilarity embeds text, searches the tenant's collection, and returns
// the single highest cosine-similarity neighbour's score and category. It
// satisfies internal/detect/injection.SimilarityChecker.
func (c *Client) MaxSimilarity(ctx context.Context, tenant, text string) (float64, string, error) {
	vec, err := c.Embed(ctx, text)
	if err != nil {
		return 0, "", err
	}
	neighbors, err := c.Search(ctx, tenant, vec, 1)
	if err != nil {
		return 0, "", err
	}
	if len(neighbors) == 0 {
		return 0, "", nil
	}
	return neighbors[0].Similarity, neighbors[0].Category, nil
}

func (c *Client) postWithRetry(ctx context.Context, url string, reqBody any, out any) error {
	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		payload = b
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err // transport error: retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("vectorindex: %s returned %d", url, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("vectorindex: %s returned %d", url, resp.StatusCode))
		}
		if out != nil {
			if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
				return backoff.Permanent(decErr)
			}
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries)
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
