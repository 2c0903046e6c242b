package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nidhogg/smalltown/internal/prompts"
)

// OllamaClient implements Client against an Ollama-compatible HTTP API.
type OllamaClient struct {
	cfg    Config
	http   *http.Client
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewOllamaClient creates a gateway for the given endpoint and model.
func NewOllamaClient(cfg Config, logger *zap.Logger) *OllamaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &OllamaClient{
		cfg:    cfg,
		http:   &http.Client{},
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	System string   `json:"system,omitempty"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type tagsResponse struct {
	Models []struct {
		Model string `json:"model"`
	} `json:"models"`
}

// GenerateText produces a completion for the prompt.
func (c *OllamaClient) GenerateText(ctx context.Context, prompt string, opts Options) (string, error) {
	return c.generate(ctx, generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		System: opts.System,
	})
}

// GenerateWithVision produces a completion grounded on a local image.
func (c *OllamaClient) GenerateWithVision(ctx context.Context, prompt, imagePath string, opts Options) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("inference: read image %s: %w", imagePath, err)
	}
	return c.generate(ctx, generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		System: opts.System,
		Images: []string{base64.StdEncoding.EncodeToString(data)},
	})
}

// ScoreImportance rates a memory on a 1-10 scale, recovering locally from
// malformed model output.
func (c *OllamaClient) ScoreImportance(ctx context.Context, memoryText string) (int, error) {
	prompt := prompts.PoignancyInput{MemoryText: memoryText}.Render()

	raw, err := c.GenerateText(ctx, prompt, Options{})
	if err != nil {
		return 0, err
	}
	score, ok := parseScore(raw)
	if !ok {
		// One retry for models that ignored the format, then the
		// documented neutral fallback.
		raw, err = c.GenerateText(ctx, prompt, Options{})
		if err != nil {
			return 0, err
		}
		score, ok = parseScore(raw)
		if !ok {
			c.logger.Warn("unparseable importance score, using neutral value",
				zap.String("response", truncate(raw, 120)),
				zap.Int("fallback", neutralScore))
			score = neutralScore
		}
	}
	return clampScore(score), nil
}

// EnsureModel verifies the configured generation model is present.
func (c *OllamaClient) EnsureModel(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("inference: create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference: connect %s: %w", c.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("inference: model list returned status %d: %s", resp.StatusCode, string(body))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("inference: decode model list: %w", err)
	}
	for _, m := range tags.Models {
		if m.Model == c.cfg.Model {
			return nil
		}
	}
	return fmt.Errorf("inference: model %q is not available, pull it with: ollama pull %s", c.cfg.Model, c.cfg.Model)
}

// Close releases client resources.
func (c *OllamaClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// generate runs one request with retry, backoff, and the shared concurrency
// bound. After MaxAttempts the last error is wrapped in
// ErrInferenceUnavailable.
func (c *OllamaClient) generate(ctx context.Context, reqBody generateRequest) (string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("inference: marshal request: %w", err)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("inference: acquire slot: %w", err)
	}
	defer c.sem.Release(1)

	var lastErr error
	backoff := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		text, err := c.doGenerate(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.logger.Warn("generation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(err))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("inference: %w: %v", ErrInferenceUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", fmt.Errorf("inference: %w: %v", ErrInferenceUnavailable, lastErr)
}

func (c *OllamaClient) doGenerate(ctx context.Context, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(result.Response), nil
}

// parseScore extracts an integer score from model output: JSON with a
// "score" key first, then a bare digit scan.
func parseScore(raw string) (int, bool) {
	cleaned := strings.TrimSpace(raw)

	var payload struct {
		Score *int `json:"score"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err == nil && payload.Score != nil {
		return *payload.Score, true
	}

	var digits strings.Builder
	for _, r := range cleaned {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0, false
	}
	return n, true
}

func clampScore(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
