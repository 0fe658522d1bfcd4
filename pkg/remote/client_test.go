package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, recordedRequest{
		Method: req.Method,
		Path:   req.URL.EscapedPath(),
		Header: req.Header.Clone(),
		Body:   string(body),
	})
	status, respBody := r.status, r.body
	r.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, respBody)
}

func (r *recorder) setStatus(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *recorder) last(t *testing.T) recordedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		t.Fatal("expected a request")
	}
	return r.requests[len(r.requests)-1]
}

func newTestClient(t *testing.T, rec *recorder) *Client {
	t.Helper()
	server := httptest.NewServer(rec)
	t.Cleanup(server.Close)
	client, err := New(server.URL+"/", time.Second)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestUpsertSendsPayloadAndCredential(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, rec)

	payload := json.RawMessage(`{"id":"c1","question":"hola"}`)
	if err := client.Upsert(context.Background(), "cards", "c1", payload, "secret", false); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	req := rec.last(t)
	if req.Method != http.MethodPut || req.Path != "/api/v1/cards/c1" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer secret" {
		t.Fatalf("expected bearer credential, got %q", got)
	}
	if req.Header.Get(ForceHeader) != "" {
		t.Fatal("expected no force header")
	}
	if req.Body != string(payload) {
		t.Fatalf("expected payload to be forwarded, got %q", req.Body)
	}

	if err := client.Upsert(context.Background(), "cards", "c1", payload, "secret", true); err != nil {
		t.Fatalf("forced Upsert failed: %v", err)
	}
	if rec.last(t).Header.Get(ForceHeader) != "true" {
		t.Fatal("expected force header on forced upsert")
	}
}

func TestConflictStatusesMapToConflictError(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusPreconditionFailed} {
		rec := &recorder{status: status, body: `{"id":"c1","question":"remote"}`}
		client := newTestClient(t, rec)

		err := client.Upsert(context.Background(), "cards", "c1", json.RawMessage(`{}`), "", false)
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("status %d: expected ConflictError, got %v", status, err)
		}
		if string(conflict.Remote) != rec.body {
			t.Fatalf("expected remote copy in conflict, got %s", conflict.Remote)
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			t.Fatal("conflicts must not count as rejections")
		}
	}
}

func TestServerErrorsAreRejections(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError, body: "database down"}
	client := newTestClient(t, rec)

	err := client.Append(context.Background(), "reviews", "e1", json.RawMessage(`{}`), "token")
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.StatusCode != http.StatusInternalServerError || rejected.Body != "database down" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}

	req := rec.last(t)
	if req.Method != http.MethodPost || req.Path != "/api/v1/reviews" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}
	if req.Header.Get(IdempotencyKeyHeader) != "e1" {
		t.Fatalf("expected idempotency key, got %q", req.Header.Get(IdempotencyKeyHeader))
	}
}

func TestDeleteTreatsMissingAsSuccess(t *testing.T) {
	rec := &recorder{status: http.StatusNotFound}
	client := newTestClient(t, rec)

	if err := client.Delete(context.Background(), "decks", "d1", "token"); err != nil {
		t.Fatalf("expected missing entity to count as deleted, got %v", err)
	}
	if req := rec.last(t); req.Method != http.MethodDelete || req.Path != "/api/v1/decks/d1" {
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
	}

	rec.setStatus(http.StatusForbidden)
	err := client.Delete(context.Background(), "decks", "d1", "token")
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden delete to be rejected, got %v", err)
	}
}

func TestNetworkFailureIsRejection(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client, err := New(server.URL, time.Second)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	server.Close()

	err = client.Upsert(context.Background(), "decks", "d1", json.RawMessage(`{}`), "", false)
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != 0 || rejected.Err == nil {
		t.Fatalf("expected transport rejection, got %v", err)
	}
}

func TestContextDeadlineStopsCall(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	client, err := New(server.URL, time.Minute)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = client.Upsert(ctx, "decks", "d1", json.RawMessage(`{}`), "", false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	if _, err := New("", time.Second); err == nil {
		t.Fatal("expected empty url to fail")
	}
	if _, err := New("ftp://example.com", time.Second); err == nil {
		t.Fatal("expected non-http url to fail")
	}
}

func TestProbe(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, rec)
	if err := client.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if req := rec.last(t); req.Method != http.MethodHead || req.Path != "/api/v1/health" {
		t.Fatalf("unexpected probe request %s %s", req.Method, req.Path)
	}

	rec.setStatus(http.StatusServiceUnavailable)
	if err := client.Probe(context.Background()); err == nil {
		t.Fatal("expected unavailable probe to fail")
	}
}
