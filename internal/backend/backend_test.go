package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"FusionChat/internal/config"
	"FusionChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllama_StreamChat(t *testing.T) {
	var got OllamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","thinking":"let me see"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":12,"eval_count":3}`)
	}))
	defer srv.Close()

	p := NewOllama("ollama", srv.URL, srv.Client())
	var deltas []Delta
	res, err := p.StreamChat(context.Background(), ChatRequest{
		Model:           "llama3",
		System:          "be brief",
		ReasoningEffort: "low",
		Messages: []ChatMessage{{
			Role:        session.RoleUser,
			Content:     "hi",
			Attachments: []session.Attachment{{MimeType: "image/png", Data: "aGk="}, {MimeType: "text/plain", Data: "eA=="}},
		}},
	}, func(d Delta) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "let me see", res.Thinking)
	assert.Equal(t, int64(12), res.InputTokens)
	assert.Equal(t, int64(3), res.OutputTokens)
	assert.Len(t, deltas, 3)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, []string{"aGk="}, got.Messages[1].Images)
	assert.True(t, got.Stream)
	assert.True(t, got.Think)
}

func TestOllama_StreamChatSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer srv.Close()

	p := NewOllama("ollama", srv.URL, srv.Client())
	_, err := p.StreamChat(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []ChatMessage{{Role: session.RoleUser, Content: "hi"}},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
}

func TestOllama_StreamChatRejectsMissingModel(t *testing.T) {
	p := NewOllama("ollama", "http://127.0.0.1:1", nil)
	_, err := p.StreamChat(context.Background(), ChatRequest{Messages: []ChatMessage{{Role: session.RoleUser, Content: "hi"}}}, nil)
	assert.ErrorIs(t, err, ErrMissingModel)
}

func TestOllama_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:latest","size":1},{"name":"qwen3:8b","size":2}]}`)
	}))
	defer srv.Close()

	models, err := NewOllama("local", srv.URL, srv.Client()).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:latest", models[0].ID)
	assert.Equal(t, "local", models[0].ProviderID)
}

func TestFromMessages_SkipsEmptyAssistantTurns(t *testing.T) {
	out := FromMessages([]session.Message{
		{Role: session.RoleUser, Content: "q"},
		{Role: session.RoleAssistant, Content: "  "},
		{Role: session.RoleAssistant, Content: "a"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[1].Content)
}

func TestThinkingBudget(t *testing.T) {
	assert.Equal(t, int64(0), thinkingBudget(""))
	assert.Equal(t, int64(1024), thinkingBudget("low"))
	assert.Equal(t, int64(4096), thinkingBudget("Medium"))
	assert.Equal(t, int64(16384), thinkingBudget("high"))
}

func TestLoad_SkipsProvidersWithoutKeys(t *testing.T) {
	t.Setenv("FUSIONCHAT_TEST_MISSING_KEY", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := Load([]config.ProviderConfig{
		{ID: "ollama", Type: config.BackendOllama},
		{ID: "anthropic", Type: config.BackendAnthropic, APIKeyEnv: "FUSIONCHAT_TEST_MISSING_KEY"},
		{ID: "grok", Type: config.BackendCompatible, BaseURL: "https://api.x.ai/v1", APIKeyEnv: "FUSIONCHAT_TEST_MISSING_KEY"},
	}, nil, logger)

	assert.Equal(t, []string{"grok", "ollama"}, r.IDs())
	_, err := r.Get("anthropic")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = New(config.ProviderConfig{ID: "x", Type: "bogus"}, nil)
	assert.Error(t, err)
}
