package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lumigen-ai/lumigen/internal/apperr"
	"github.com/lumigen-ai/lumigen/internal/config"
)

// Task states reported by the kie.ai jobs API.
const (
	StateWaiting    = "waiting"
	StateQueued     = "queued"
	StateQueueing   = "queueing"
	StateGenerating = "generating"
	StateProcessing = "processing"
	StateSuccess    = "success"
	StateFail       = "fail"
)

// Running reports whether the provider considers the task still in flight.
func Running(state string) bool {
	switch state {
	case StateWaiting, StateQueued, StateQueueing, StateGenerating, StateProcessing:
		return true
	}
	return false
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

type GenerateOptions struct {
	Prompt       string
	AspectRatio  string
	Resolution   string
	OutputFormat string

	// IdempotencyKey is constant across retries of one logical submission so
	// the provider can de-duplicate ambiguous timeouts.
	IdempotencyKey string
}

// TaskStatus is the provider's view of one task.
type TaskStatus struct {
	TaskID         string
	State          string
	ResultURLs     []string
	FailCode       string
	FailMsg        string
	ConsumeCredits int64
	CostTimeMs     int64
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	trimmedBase := strings.TrimRight(cfg.KIEBaseURL, "/")
	return &Client{
		apiKey:  cfg.KIEAPIKey,
		baseURL: trimmedBase,
		model:   "nano-banana-pro",
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// CreateTask submits a generation job and returns the provider-assigned task
// id. Completion is delivered later through the callback webhook or fetched
// via GetTaskStatus.
func (c *Client) CreateTask(ctx context.Context, opts GenerateOptions) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	input := map[string]any{
		"prompt": opts.Prompt,
		"output_format": func() string {
			if opts.OutputFormat != "" {
				return strings.ToLower(opts.OutputFormat)
			}
			return "png"
		}(),
	}
	if opts.AspectRatio != "" {
		input["aspect_ratio"] = opts.AspectRatio
	}
	if opts.Resolution != "" {
		input["resolution"] = opts.Resolution
	}

	payload := map[string]any{
		"model": c.model,
		"input": input,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := c.do(req, &createResp); err != nil {
		return "", err
	}

	if createResp.Code != 200 {
		return "", apperr.TerminalProvider(
			fmt.Sprintf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg), nil)
	}
	if createResp.Data.TaskID == "" {
		return "", apperr.TerminalProvider("empty taskId in create response", nil)
	}

	c.log.Info("kie task created", "task_id", createResp.Data.TaskID)
	return createResp.Data.TaskID, nil
}

// GetTaskStatus fetches the current provider-side state of a task. It makes
// exactly one request; callers decide whether and when to ask again.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	params := url.Values{}
	params.Set("taskId", taskID)
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	var statusResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID         string `json:"taskId"`
			State          string `json:"state"`
			ResultJSON     string `json:"resultJson"`
			FailCode       string `json:"failCode"`
			FailMsg        string `json:"failMsg"`
			ConsumeCredits int64  `json:"consumeCredits"`
			CostTime       int64  `json:"costTime"`
		} `json:"data"`
	}
	if err := c.do(req, &statusResp); err != nil {
		return nil, err
	}

	if statusResp.Code != 200 {
		return nil, apperr.TerminalProvider(
			fmt.Sprintf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg), nil)
	}

	status := &TaskStatus{
		TaskID:         statusResp.Data.TaskID,
		State:          statusResp.Data.State,
		FailCode:       statusResp.Data.FailCode,
		FailMsg:        statusResp.Data.FailMsg,
		ConsumeCredits: statusResp.Data.ConsumeCredits,
		CostTimeMs:     statusResp.Data.CostTime,
	}
	if statusResp.Data.ResultJSON != "" {
		if urls, ok := ParseResultURLs([]byte(statusResp.Data.ResultJSON)); ok {
			status.ResultURLs = urls
		}
	}
	return status, nil
}

// do executes the request, classifies transport/status failures, and decodes
// the JSON envelope into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.RetryableProvider("kie request failed", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.RetryableProvider("read kie response", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error("kie request rejected",
			"status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		msg := fmt.Sprintf("kie error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apperr.RetryableProvider(msg, nil)
		}
		return apperr.TerminalProvider(msg, nil)
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return apperr.TerminalProvider(
			fmt.Sprintf("decode kie response: %v (body=%s)", err, truncateBody(rawBody)), nil)
	}
	return nil
}

func (c *Client) endpoint(path string, params url.Values) (string, error) {
	baseURL, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if params != nil {
		endpoint.RawQuery = params.Encode()
	}
	return baseURL.ResolveReference(endpoint).String(), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
