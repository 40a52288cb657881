package vectorindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"promptgate/internal/detect"
)

func TestEmbedPostsTextAndParsesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Text != "hello" {
			t.Errorf("posted text = %q, want hello", body.Text)
		}
		json.NewEncoder(w).Encode(map[string]any{"vector": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector length = %d, want 3", len(vec))
	}
}

func TestSearchReturnsNeighbors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"neighbors": []Neighbor{{ID: "n1", Category: "jailbreak_template", Severity: "high", Similarity: 0.95}},
		})
	}))
	defer srv.Close()

	c := New("", srv.URL, "")
	neighbors, err := c.Search(context.Background(), "acme", Vector{0.1}, 1)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Category != "jailbreak_template" {
		t.Errorf("Search() = %+v, want one jailbreak_template neighbor", neighbors)
	}
}

func TestPostWithRetryRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"vector": []float32{1}})
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	_, err := c.Embed(context.Background(), "retry me")
	if err != nil {
		t.Fatalf("Embed() should succeed after retrying a transient 503, got %v", err)
	}
	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2 (one failure, one retry)", attempts)
	}
}

func TestPostWithRetryDoesNotRetry4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	_, err := c.Embed(context.Background(), "bad request")
	if err == nil {
		t.Fatal("Embed() should fail on a 4xx response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 (4xx is not retryable)", attempts)
	}
}

func TestMaxSimilarityReturnsTopNeighbor(t *testing.T) {
	var searchCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"vector": []float32{0.5}})
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		searchCalled = true
		json.NewEncoder(w).Encode(map[string]any{
			"neighbors": []Neighbor{{ID: "n1", Category: "known_bad", Severity: "critical", Similarity: 0.99}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL+"/embed", srv.URL+"/search", "")
	score, category, err := c.MaxSimilarity(context.Background(), "acme", "some text")
	if err != nil {
		t.Fatalf("MaxSimilarity() error: %v", err)
	}
	if !searchCalled {
		t.Fatal("MaxSimilarity() should call the search endpoint")
	}
	if score != 0.99 || category != "known_bad" {
		t.Errorf("MaxSimilarity() = (%v, %v), want (0.99, known_bad)", score, category)
	}
}

func TestDetectorScanFiltersBelowThreshold(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"vector": []float32{0.5}})
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"neighbors": []Neighbor{
				{ID: "n1", Category: "known_bad", Severity: "high", Similarity: 0.9},
				{ID: "n2", Category: "borderline", Severity: "low", Similarity: 0.3},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(srv.URL+"/embed", srv.URL+"/search", "")
	d := NewDetector(client)
	findings, err := d.Scan(context.Background(), detect.Input{Tenant: "acme", Text: "some text"}, nil)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %v, want exactly 1 (only the neighbor above threshold)", findings)
	}
	if findings[0].SubType != "known_bad" {
		t.Errorf("SubType = %q, want known_bad", findings[0].SubType)
	}
}
