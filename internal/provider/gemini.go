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
	"strings"
	"time"

	"chatty/internal/domain"
)

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com"

// Gemini streams completions from the Google Generative Language REST API.
// Requests carrying an image are routed to the vision model.
type Gemini struct {
	apiKey      string
	baseURL     string
	model       string
	visionModel string
	client      *http.Client
	logger      *slog.Logger
}

func NewGemini(apiKey, endpoint, model, visionModel string, logger *slog.Logger) *Gemini {
	if endpoint == "" {
		endpoint = defaultGeminiEndpoint
	}
	return &Gemini{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(endpoint, "/") + "/v1beta",
		model:       model,
		visionModel: visionModel,
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		logger:      logger.With("provider", "gemini"),
	}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiGenCfg struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Gemini) pickModel(req domain.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if len(req.Image) > 0 {
		return g.visionModel
	}
	return g.model
}

func (g *Gemini) Stream(ctx context.Context, req domain.GenerateRequest, consumer func(domain.Chunk) error) error {
	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, m := range req.History {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	parts := []geminiPart{{Text: req.Prompt}}
	if len(req.Image) > 0 {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(req.Image),
		}})
	}
	contents = append(contents, geminiContent{Role: "user", Parts: parts})

	var genCfg *geminiGenCfg
	if req.Temperature > 0 || req.MaxTokens > 0 {
		genCfg = &geminiGenCfg{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}

	body, err := json.Marshal(geminiRequest{Contents: contents, GenerationConfig: genCfg})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	model := g.pickModel(req)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, model, g.apiKey)

	buildReq := func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}

	resp, err := doWithRetry(ctx, g.client, buildReq, g.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gemini returned %d: %s", resp.StatusCode, b)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	emitted := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var gr geminiResponse
		if err := json.Unmarshal([]byte(payload), &gr); err != nil {
			g.logger.Warn("skipping malformed stream event", "err", err)
			continue
		}
		if gr.Error != nil {
			return fmt.Errorf("gemini stream error: %s", gr.Error.Message)
		}
		for _, cand := range gr.Candidates {
			var text strings.Builder
			for _, p := range cand.Content.Parts {
				text.WriteString(p.Text)
			}
			final := cand.FinishReason == "STOP" || cand.FinishReason == "MAX_TOKENS"
			if text.Len() > 0 || final {
				emitted = true
				if err := consumer(domain.Chunk{Content: text.String(), Final: final}); err != nil {
					return err
				}
			}
			if final {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if !emitted {
		return fmt.Errorf("gemini stream produced no candidates")
	}
	// Stream closed without an explicit finish reason, treat as complete.
	return consumer(domain.Chunk{Final: true})
}

func (g *Gemini) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := fmt.Sprintf("%s/models/%s?key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gemini health check returned %d", resp.StatusCode)
	}
	return nil
}
