package llm

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

// OllamaClient adapts the official Ollama API client to the Client
// interface. OLLAMA_API_KEY switches to the hosted endpoint; otherwise
// OLLAMA_HOST (default http://localhost:11434) is used.
type OllamaClient struct {
	api *api.Client
}

type bearerTransport struct {
	key  string
	next http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.key)
	return t.next.RoundTrip(req)
}

func NewOllamaClient() (*OllamaClient, error) {
	if key := os.Getenv("OLLAMA_API_KEY"); key != "" {
		base, err := url.Parse("https://ollama.com")
		if err != nil {
			return nil, err
		}
		httpClient := &http.Client{Transport: &bearerTransport{key: key, next: http.DefaultTransport}}
		return &OllamaClient{api: api.NewClient(base, httpClient)}, nil
	}
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &OllamaClient{api: client}, nil
}

func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, fn StreamFunc) error {
	req := &api.ChatRequest{
		Model:    model,
		Messages: make([]api.Message, 0, len(messages)),
	}
	stream := true
	req.Stream = &stream
	for _, m := range messages {
		req.Messages = append(req.Messages, api.Message{Role: m.Role, Content: m.Content})
	}
	return c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		return fn(Chunk{
			Token:          resp.Message.Content,
			Done:           resp.Done,
			InputTokens:    resp.Metrics.PromptEvalCount,
			OutputTokens:   resp.Metrics.EvalCount,
			PromptDuration: resp.Metrics.PromptEvalDuration,
			EvalDuration:   resp.Metrics.EvalDuration,
		})
	})
}
