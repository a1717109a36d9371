package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"chatty/internal/config"
)

// HTTPSpeaker synthesizes speech through a hosted TTS API and pipes the
// audio into an external player command reading from stdin.
type HTTPSpeaker struct {
	cfg    config.VoiceConfig
	client *http.Client
	logger *slog.Logger
}

func NewHTTPSpeaker(cfg config.VoiceConfig, logger *slog.Logger) *HTTPSpeaker {
	return &HTTPSpeaker{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger.With("component", "voice"),
	}
}

func (s *HTTPSpeaker) Available() bool {
	if !s.cfg.Enabled || s.cfg.APIKey == "" || s.cfg.Player == "" {
		return false
	}
	args, err := shellwords.Parse(s.cfg.Player)
	if err != nil || len(args) == 0 {
		return false
	}
	_, err = exec.LookPath(args[0])
	return err == nil
}

func (s *HTTPSpeaker) Speak(ctx context.Context, text string) error {
	audio, err := s.synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer audio.Close()
	return s.play(ctx, audio)
}

func (s *HTTPSpeaker) synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	var req *http.Request
	var err error
	switch s.cfg.Provider {
	case "elevenlabs":
		req, err = s.elevenLabsRequest(ctx, text)
	default:
		req, err = s.openAIRequest(ctx, text)
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("synthesize: %s returned %d: %s", s.cfg.Provider, resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (s *HTTPSpeaker) openAIRequest(ctx context.Context, text string) (*http.Request, error) {
	payload, err := json.Marshal(map[string]string{
		"model":           s.cfg.Model,
		"input":           text,
		"voice":           s.cfg.Voice,
		"response_format": "mp3",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBase+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *HTTPSpeaker) elevenLabsRequest(ctx context.Context, text string) (*http.Request, error) {
	payload, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": s.cfg.Model,
	})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s", s.cfg.APIBase, s.cfg.Voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *HTTPSpeaker) play(ctx context.Context, audio io.Reader) error {
	args, err := shellwords.Parse(s.cfg.Player)
	if err != nil {
		return fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("no player configured")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = audio
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("player: %w", err)
	}
	return ctx.Err()
}
