package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TobiSchelling/SiteForge/internal/stage"
)

type payload struct {
	Key string `json:"key"`
	Num int    `json:"num"`
}

func TestDecodeJSONResponsePlain(t *testing.T) {
	var p payload
	if err := DecodeJSONResponse(`{"key": "value", "num": 42}`, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Key != "value" || p.Num != 42 {
		t.Errorf("expected value/42, got %+v", p)
	}
}

func TestDecodeJSONResponseWithCodeFence(t *testing.T) {
	var p payload
	if err := DecodeJSONResponse("```json\n{\"key\": \"value\"}\n```", &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Key != "value" {
		t.Errorf("expected key='value', got %q", p.Key)
	}
}

func TestDecodeJSONResponseWithPreamble(t *testing.T) {
	var p payload
	if err := DecodeJSONResponse("Sure! Here you go:\n{\"key\": \"value\"}", &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Key != "value" {
		t.Errorf("expected key='value', got %q", p.Key)
	}
}

func TestDecodeJSONResponseInvalid(t *testing.T) {
	var p payload
	if err := DecodeJSONResponse("not json at all", &p); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if err := DecodeJSONResponse("   ", &p); err == nil {
		t.Error("expected error for empty response")
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "qwen2.5:7b" {
			t.Errorf("expected model qwen2.5:7b, got %v", body["model"])
		}
		w.Write([]byte(`{"message": {"content": "{\"insights\": []}"}}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL)
	out, err := p.Generate(context.Background(), "hello", 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"insights": []}` {
		t.Errorf("unexpected content %q", out)
	}
}

func TestGenerateClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("gpt-4o-mini", "SITEFORGE_TEST_UNSET_KEY")
	p.APIKey = "test"
	p.BaseURL = srv.URL
	_, err := p.Generate(context.Background(), "hello", 64)
	if err == nil {
		t.Fatal("expected error")
	}
	if !stage.IsRetryable(err) {
		t.Errorf("expected 429 to be retryable, got kind %q", stage.KindOf(err))
	}
}

func TestOpenAIWithoutKeyIsValidationFailure(t *testing.T) {
	p := NewOpenAIProvider("gpt-4o-mini", "SITEFORGE_TEST_UNSET_KEY")
	_, err := p.Generate(context.Background(), "hello", 64)
	if stage.KindOf(err) != stage.KindValidation {
		t.Errorf("expected validation failure, got %v", err)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("expected api key header")
		}
		w.Write([]byte(`{"content": [{"type": "text", "text": "{\"ok\": true}"}]}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("claude-test", "SITEFORGE_TEST_UNSET_KEY")
	p.APIKey = "k"
	p.BaseURL = srv.URL
	out, err := p.Generate(context.Background(), "hi", 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"ok": true}` {
		t.Errorf("unexpected content %q", out)
	}
}
