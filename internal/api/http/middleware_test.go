package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driftline/driftline/internal/errors"
)

func TestRequestIDMiddleware_HonorsClientID(t *testing.T) {
	var seen string
	h := DefaultMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if seen != "req-123" {
		t.Errorf("expected handler to see client request ID, got %q", seen)
	}
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected request ID echoed back, got %q", got)
	}
}

func TestRecoveryMiddleware_RendersTaxonomyError(t *testing.T) {
	h := DefaultMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Category != string(errors.ErrCategoryInternal) || body.Code != errors.CodeUnexpected {
		t.Errorf("unexpected error shape: %+v", body)
	}
	if body.RequestID == "" {
		t.Error("expected request ID in error body")
	}
}
