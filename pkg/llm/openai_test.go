package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

func TestOpenAIInvoke(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "{\"severity\":\"high\",\"score\":87}"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160}
		}`))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(srv.URL, "test-key")
	res, err := inv.Invoke(context.Background(), soc.StageTriage, json.RawMessage(`{"prompt":"classify"}`), "gemini-2.5-flash")
	if err != nil {
		t.Fatal(err)
	}

	if gotReq.Model != "gemini-2.5-flash" {
		t.Fatalf("expected model in request, got %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[1].Content != `{"prompt":"classify"}` {
		t.Fatalf("inputs not forwarded: %+v", gotReq.Messages)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Fatal("expected json_object response format")
	}

	var out map[string]any
	if err := json.Unmarshal(res.Outputs, &out); err != nil {
		t.Fatal(err)
	}
	if out["severity"] != "high" {
		t.Fatalf("unexpected outputs: %s", res.Outputs)
	}
	if res.Usage.InputTokens != 120 || res.Usage.OutputTokens != 40 || res.Usage.TotalTokens != 160 {
		t.Fatalf("usage not captured: %+v", res.Usage)
	}
}

func TestOpenAIInvokeWrapsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "plain text verdict"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(srv.URL, "k")
	res, err := inv.Invoke(context.Background(), soc.StageReporting, json.RawMessage(`{}`), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := json.Unmarshal(res.Outputs, &out); err != nil {
		t.Fatal(err)
	}
	if out["text"] != "plain text verdict" {
		t.Fatalf("expected wrapped text, got %s", res.Outputs)
	}
}

func TestOpenAIInvokeErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(srv.URL, "k")
	_, err := inv.Invoke(context.Background(), soc.StageTriage, json.RawMessage(`{}`), "gpt-4o")
	if err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestOpenAIInvokeEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {}}`))
	}))
	defer srv.Close()

	inv := NewOpenAIInvoker(srv.URL, "k")
	_, err := inv.Invoke(context.Background(), soc.StageTriage, json.RawMessage(`{}`), "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestResilientOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewResilient(NewOpenAIInvoker(srv.URL, "k"), 0)

	for i := 0; i < 6; i++ {
		if _, err := inv.Invoke(context.Background(), soc.StageTriage, json.RawMessage(`{}`), "gpt-4o"); err == nil {
			t.Fatal("expected failure")
		}
	}
	if calls != 6 {
		t.Fatalf("expected 6 provider calls before the breaker opens, got %d", calls)
	}

	_, err := inv.Invoke(context.Background(), soc.StageTriage, json.RawMessage(`{}`), "gpt-4o")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if calls != 6 {
		t.Fatalf("open breaker must not reach the provider, got %d calls", calls)
	}
}
