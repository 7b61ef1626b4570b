package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
)

// HTTPConfig configures an OpenAI-compatible endpoint.
type HTTPConfig struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPGenerator implements Generator for the chat completions API.
type HTTPGenerator struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *Monitor
}

// NewHTTPGenerator creates a generator. The request deadline normally comes
// from the caller's context; cfg.Timeout is a hard upper bound.
func NewHTTPGenerator(cfg HTTPConfig) *HTTPGenerator {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return &HTTPGenerator{
		name:     cfg.Name,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
		Monitor: NewMonitor(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Generate sends one chat completion request.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*domain.Generation, error) {
	start := time.Now()

	model := opts.Model
	if model == "" {
		model = g.model
	}
	reqBody := chatRequest{Model: model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}
	if opts.System != "" {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "system", Content: opts.System})
	}
	reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "user", Content: prompt})

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, domain.NewError(domain.CategoryValidation, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, domain.NewError(domain.CategoryValidation, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.recordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.NewError(domain.CategoryTimeout, g.name+" request timed out", err)
		}
		return nil, domain.NewError(domain.CategoryNetwork, g.name+" request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		g.recordFailure()
		return nil, domain.NewError(domain.CategoryNetwork, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		g.recordFailure()
		return nil, g.statusError(resp, body)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		g.recordFailure()
		return nil, domain.NewError(domain.CategoryAIService, "malformed response from "+g.name, err).WithStatus(resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		g.recordFailure()
		return nil, domain.NewError(domain.CategoryAIService, g.name+" returned no choices", nil).WithStatus(resp.StatusCode)
	}

	latency := time.Since(start)
	g.Monitor.RecordRequest(latency)
	g.recordSuccess(latency)

	if out.Model == "" {
		out.Model = model
	}
	return &domain.Generation{
		Content: out.Choices[0].Message.Content,
		Model:   out.Model,
		Usage: domain.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func (g *HTTPGenerator) statusError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	code := ""
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error != nil {
		msg = ae.Error.Message
		if s, ok := ae.Error.Code.(string); ok {
			code = s
		} else {
			code = ae.Error.Type
		}
	}
	msg = fmt.Sprintf("%s http %d: %s", g.name, resp.StatusCode, msg)

	var category domain.Category
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || g.Monitor.DetectThrottlePattern(msg):
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		g.Monitor.RecordThrottle(retryAfter)
		e := domain.NewError(domain.CategoryRateLimit, msg, nil).WithStatus(resp.StatusCode).WithCode(code)
		e.RetryAfter = retryAfter
		return e
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		category = domain.CategoryAuthentication
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		category = domain.CategoryValidation
	default:
		category = domain.CategoryAIService
	}
	return domain.NewError(category, msg, nil).WithStatus(resp.StatusCode).WithCode(code)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

// Name returns the provider's name.
func (g *HTTPGenerator) Name() string {
	return g.name
}

// Health returns the provider's health status.
func (g *HTTPGenerator) Health() HealthStatus {
	g.mu.RLock()
	h := g.health
	g.mu.RUnlock()

	stats := g.Monitor.Stats()
	h.MonitorStats = &stats
	return h
}

// Close cleans up resources.
func (g *HTTPGenerator) Close() error {
	g.httpClient.CloseIdleConnections()
	return nil
}

func (g *HTTPGenerator) recordSuccess(latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.successCount++
	g.requestCount++
	g.totalLatency += latency
	g.health.LastSuccessAt = time.Now()
	g.health.Available = true
	g.health.ErrorRate = float64(g.failureCount) / float64(g.requestCount)
	g.health.Latency = g.totalLatency / time.Duration(g.successCount)
}

func (g *HTTPGenerator) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failureCount++
	g.requestCount++
	g.health.LastFailureAt = time.Now()
	g.health.ErrorRate = float64(g.failureCount) / float64(g.requestCount)

	if g.health.ErrorRate > 0.5 {
		g.health.Available = false
	}
}
