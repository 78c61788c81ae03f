package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"network", NewTransportError(errors.New("connection refused")), true},
		{"server error", NewStatusError(http.StatusBadGateway, "bad gateway"), true},
		{"rate limited", NewStatusError(http.StatusTooManyRequests, "slow down"), true},
		{"bad request", NewStatusError(http.StatusBadRequest, "invalid sender"), false},
		{"unauthorized", NewStatusError(http.StatusUnauthorized, "bad key"), false},
		{"unclassified", errors.New("who knows"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Fatalf("%s: expected retryable=%v, got %v", tc.name, tc.retryable, got)
		}
	}
}

func TestMapDeliveryStatus(t *testing.T) {
	outcome, delivered, ok := MapDeliveryStatus("Delivered")
	if !ok || outcome != OutcomeSent || !delivered {
		t.Fatalf("Delivered: got outcome=%s delivered=%v ok=%v", outcome, delivered, ok)
	}

	outcome, delivered, ok = MapDeliveryStatus("undeliverable")
	if !ok || outcome != OutcomeFailed || delivered {
		t.Fatalf("undeliverable: got outcome=%s delivered=%v ok=%v", outcome, delivered, ok)
	}

	outcome, _, ok = MapDeliveryStatus("ENROUTE")
	if !ok || outcome != OutcomePending {
		t.Fatalf("enroute: got outcome=%s ok=%v", outcome, ok)
	}

	// Unrecognized vocabulary is an anomaly with a safe default, never a
	// state change.
	outcome, _, ok = MapDeliveryStatus("quantum_flux")
	if ok || outcome != OutcomePending {
		t.Fatalf("unknown status must map to pending with ok=false, got %s ok=%v", outcome, ok)
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := &HTTPClient{
		baseURL: server.URL,
		apiKey:  "test-key",
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     zap.NewNop(),
	}
	return client, server
}

func TestSendBulkPartialSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sms/bulk" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		results := make([]MessageResult, len(req.Messages))
		for i := range req.Messages {
			if i == 1 {
				results[i] = MessageResult{Error: "invalid number"}
				continue
			}
			results[i] = MessageResult{MessageID: "msg-" + req.Messages[i].To}
		}
		json.NewEncoder(w).Encode(BulkResult{BatchID: "batch-1", Results: results})
	}))

	result, err := client.SendBulk(context.Background(), []Message{
		{To: "1", Text: "hi"},
		{To: "2", Text: "hi"},
		{To: "3", Text: "hi"},
	})
	if err != nil {
		t.Fatalf("send bulk: %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result.Results))
	}
	if !result.Results[0].Sent() || result.Results[1].Sent() || !result.Results[2].Sent() {
		t.Fatalf("unexpected partition: %+v", result.Results)
	}
}

func TestSendBulkClassifiesHTTPFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))

	_, err := client.SendBulk(context.Background(), []Message{{To: "1", Text: "hi"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %T", err)
	}
	if !perr.Retryable || perr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected retryable 503, got %+v", perr)
	}
}

func TestGetStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sms/msg-42/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(statusResponse{Status: "Delivered"})
	}))

	status, err := client.GetStatus(context.Background(), "msg-42")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status != "Delivered" {
		t.Fatalf("expected Delivered, got %q", status)
	}
}
