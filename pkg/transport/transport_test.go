package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danricht/dirbatch/pkg/environment"
	"github.com/danricht/dirbatch/pkg/pagination"
)

func testSession(t *testing.T) *environment.Session {
	t.Helper()
	s, err := environment.NewSession(environment.Global, environment.StaticTokenSource("test-token"))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func fastConfig() Config {
	cfg := DefaultConfig("dirbatch-test/1.0")
	cfg.Retry = RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	return cfg
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, DefaultConfig("ua")); err != environment.ErrNotConnected {
		t.Errorf("New(nil session) error = %v, want ErrNotConnected", err)
	}

	if _, err := New(testSession(t), Config{}); err == nil {
		t.Error("New() with empty user-agent should fail")
	}

	if _, err := New(testSession(t), DefaultConfig("ua")); err != nil {
		t.Errorf("New() with valid config error = %v", err)
	}
}

func TestGetPage(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[{"id":"u1"},{"id":"u2"}],"@odata.nextLink":"https://x/v1.0/users?$skiptoken=T"}`))
	}))
	defer server.Close()

	client, err := New(testSession(t), fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	page, err := client.GetPage(context.Background(), server.URL+"/v1.0/users?$top=2")
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}

	if len(page.Records) != 2 {
		t.Errorf("Records = %d, want 2", len(page.Records))
	}
	if page.NextLink == "" {
		t.Error("expected next link to be decoded")
	}

	if got := gotHeaders.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
	if gotHeaders.Get("client-request-id") == "" {
		t.Error("client-request-id header missing")
	}
	if got := gotHeaders.Get("User-Agent"); got != "dirbatch-test/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestPostBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var envelope struct {
			Requests []pagination.SubRequest `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			t.Fatalf("decode batch body: %v", err)
		}
		if len(envelope.Requests) != 2 {
			t.Fatalf("requests = %d, want 2", len(envelope.Requests))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"responses":[
			{"id":"1","status":200,"body":{"value":[{"id":"a"}]}},
			{"id":"2","status":404,"body":{"error":{"code":"NotFound","message":"gone"}}}
		]}`))
	}))
	defer server.Close()

	client, err := New(testSession(t), fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	requests := []pagination.SubRequest{
		{ID: "1", Method: "GET", URL: "/users?$top=1"},
		{ID: "2", Method: "GET", URL: "/groups?$top=1"},
	}
	responses, err := client.PostBatch(context.Background(), server.URL+"/v1.0/$batch", requests)
	if err != nil {
		t.Fatalf("PostBatch() error = %v", err)
	}

	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	if responses[0].Status != 200 || responses[1].Status != 404 {
		t.Errorf("statuses = %d, %d; sub-response statuses must pass through untouched",
			responses[0].Status, responses[1].Status)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"value":[{"id":"u1"}]}`))
	}))
	defer server.Close()

	client, err := New(testSession(t), fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	page, err := client.GetPage(context.Background(), server.URL+"/v1.0/users")
	if err != nil {
		t.Fatalf("GetPage() after retries error = %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("Records = %d, want 1", len(page.Records))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3 (two retries)", got)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"Request_BadRequest","message":"invalid filter"}}`))
	}))
	defer server.Close()

	client, err := New(testSession(t), fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.GetPage(context.Background(), server.URL+"/v1.0/users")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 4xx)", got)
	}

	apiErr, ok := errAsAPIError(err)
	if !ok {
		t.Fatalf("error %v is not an APIError", err)
	}
	if apiErr.Code != "Request_BadRequest" {
		t.Errorf("Code = %q, want Request_BadRequest", apiErr.Code)
	}
	if apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("ErrorClass = %q, want client", apiErr.ErrorClass)
	}
	if !strings.Contains(apiErr.Message, "invalid filter") {
		t.Errorf("Message = %q, want body message", apiErr.Message)
	}
}

func TestRetryExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := New(testSession(t), fastConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.GetPage(context.Background(), server.URL+"/v1.0/users")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !isRetryExhausted(err) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
}
