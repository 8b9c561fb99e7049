package narration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func fakeChatServer(t *testing.T, status int, reply string) (*httptest.Server, *[]string) {
	t.Helper()
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		for _, m := range body.Messages {
			if m.Role == "user" {
				prompts = append(prompts, m.Content)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &prompts
}

func TestOpenAINarrator(t *testing.T) {
	srv, prompts := fakeChatServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o-mini",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Mira slams her tankard down.  "}, "finish_reason": "stop"}]
	}`)

	n := NewOpenAINarrator("sk-test", srv.URL+"/v1", "")
	text, err := n.Narrate(context.Background(), Request{
		ID: "th/2", ThreadID: "th", ThreadType: "rivalry", Template: "rivalry.wager",
		Participants: []string{"bram", "mira"},
	})
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "Mira slams her tankard down." {
		t.Fatalf("expected trimmed text, got %q", text)
	}
	if len(*prompts) != 1 || !strings.Contains((*prompts)[0], "rivalry.wager") {
		t.Fatalf("prompt not sent: %v", *prompts)
	}
}

func TestOpenAINarratorErrors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		srv, _ := fakeChatServer(t, http.StatusInternalServerError, `{"error": {"message": "boom", "type": "server_error"}}`)
		n := NewOpenAINarrator("sk-test", srv.URL+"/v1", "gpt-4o-mini")
		if _, err := n.Narrate(context.Background(), Request{ID: "th/0"}); err == nil {
			t.Fatal("expected error from failing API")
		}
	})

	t.Run("no choices", func(t *testing.T) {
		srv, _ := fakeChatServer(t, http.StatusOK, `{"id": "x", "object": "chat.completion", "choices": []}`)
		n := NewOpenAINarrator("sk-test", srv.URL+"/v1", "gpt-4o-mini")
		if _, err := n.Narrate(context.Background(), Request{ID: "th/0"}); err == nil {
			t.Fatal("expected error for empty choices")
		}
	})
}
