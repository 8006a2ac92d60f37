package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"FusionChat/internal/session"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaRequest represents the request body for the Ollama chat API
type OllamaRequest struct {
	Model    string          `json:"model"`
	Messages []OllamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Think    bool            `json:"think,omitempty"`
}

// OllamaMessage is one chat turn; Images carries raw base64 payloads
type OllamaMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	Thinking string   `json:"thinking,omitempty"`
	Images   []string `json:"images,omitempty"`
}

// OllamaResponse is one NDJSON line of a streamed chat response
type OllamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int64         `json:"prompt_eval_count,omitempty"`
	EvalCount       int64         `json:"eval_count,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama talks to a local Ollama server
type Ollama struct {
	id         string
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates an Ollama provider. An empty baseURL means localhost.
func NewOllama(id string, baseURL string, httpClient *http.Client) *Ollama {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Ollama{id: id, baseURL: baseURL, httpClient: httpClient}
}

func (o *Ollama) Name() string { return o.id }

// StreamChat calls /api/chat with stream=true and reads one JSON object per line
func (o *Ollama) StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	msgs := make([]OllamaMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, OllamaMessage{Role: string(session.RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		om := OllamaMessage{Role: string(m.Role), Content: m.Content}
		for _, a := range m.Attachments {
			if a.IsImage() {
				om.Images = append(om.Images, a.Data)
			}
		}
		msgs = append(msgs, om)
	}

	reqBody := OllamaRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
		Think:    strings.TrimSpace(req.ReasoningEffort) != "",
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var text, thinking strings.Builder
	var result Result
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk OllamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return Result{}, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if chunk.Error != "" {
			return Result{}, fmt.Errorf("API error: %s", chunk.Error)
		}
		if chunk.Message.Thinking != "" {
			thinking.WriteString(chunk.Message.Thinking)
			emit(onDelta, Delta{Thinking: chunk.Message.Thinking})
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			emit(onDelta, Delta{Text: chunk.Message.Content})
		}
		if chunk.Done {
			result.InputTokens = chunk.PromptEvalCount
			result.OutputTokens = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result.Text = text.String()
	result.Thinking = thinking.String()
	return result, nil
}

// ListModels fetches the list of available Ollama models
func (o *Ollama) ListModels(ctx context.Context) ([]session.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var tagsResp OllamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	models := make([]session.Model, 0, len(tagsResp.Models))
	for _, m := range tagsResp.Models {
		models = append(models, session.Model{ID: m.Name, ProviderID: o.id, Name: m.Name})
	}
	return models, nil
}
