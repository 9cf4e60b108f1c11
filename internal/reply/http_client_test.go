package reply

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/chatrelay/internal/messaging"
)

func TestHTTPClientRetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/replies" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sess-key" {
			t.Errorf("expected session api key, got %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "hello" || req.ConversationID != "c1" {
			t.Errorf("unexpected request %+v", req)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"reply": "hi there"})
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, Token: "fallback", BaseDelay: time.Millisecond})
	got, err := client.GenerateReply(context.Background(), Request{
		SessionKey: "s1", ConversationID: "c1", MessageID: "m1", Text: "hello", APIKey: "sess-key",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Text != "hi there" {
		t.Fatalf("expected reply text, got %+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPClientNoContentMeansNoReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer fallback" {
			t.Errorf("expected fallback token, got %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, Token: "fallback"})
	got, err := client.GenerateReply(context.Background(), Request{SessionKey: "s1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected empty reply, got %+v", got)
	}
}

func TestHTTPClientClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientOptions{BaseURL: server.URL, BaseDelay: time.Millisecond})
	if _, err := client.GenerateReply(context.Background(), Request{SessionKey: "s1"}); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestReplyContentShapes(t *testing.T) {
	text := Reply{Text: "see https://example.com/a for details"}.Content()
	if text.Kind != messaging.ContentText {
		t.Fatalf("expected text content, got %s", text.Kind)
	}
	bare := Reply{Text: "https://example.com/a"}.Content()
	if bare.Kind != messaging.ContentLink || bare.URL != "https://example.com/a" {
		t.Fatalf("expected bare link to become link content, got %+v", bare)
	}
	structured := Reply{Text: "catalog", Link: &Link{URL: "https://example.com/c", Title: "Catalog"}}.Content()
	if structured.Kind != messaging.ContentLink || structured.Title != "Catalog" {
		t.Fatalf("expected structured link content, got %+v", structured)
	}
	if links := DetectLinks("a http://x.io b https://y.io/z"); len(links) != 2 {
		t.Fatalf("expected 2 links, got %v", links)
	}
}
