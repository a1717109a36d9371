package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatty/internal/domain"
)

// Ollama streams completions from a local Ollama server over its NDJSON
// chat API.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger.With("provider", "ollama"),
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ollamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func (o *Ollama) Stream(ctx context.Context, req domain.GenerateRequest, consumer func(domain.Chunk) error) error {
	model := req.Model
	if model == "" {
		model = o.model
	}

	messages := make([]ollamaMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	last := ollamaMessage{Role: domain.RoleUser, Content: req.Prompt}
	if len(req.Image) > 0 {
		last.Images = []string{base64.StdEncoding.EncodeToString(req.Image)}
	}
	messages = append(messages, last)

	options := map[string]interface{}{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  options,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	buildReq := func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}

	resp, err := doWithRetry(ctx, o.client, buildReq, o.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ollama returned %d: %s", resp.StatusCode, b)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			o.logger.Warn("skipping malformed stream line", "err", err)
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" || chunk.Done {
			if err := consumer(domain.Chunk{Content: chunk.Message.Content, Final: chunk.Done}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended without done marker")
}

func (o *Ollama) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check returned %d", resp.StatusCode)
	}
	return nil
}
