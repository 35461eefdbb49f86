package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
)

const maxErrorBody = 512

// AIMLClient is a Provider for the AIML-style generation API.
type AIMLClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewAIMLClient(baseURL, apiKey string, log *zap.Logger) *AIMLClient {
	return &AIMLClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logger.OrGlobal(log),
	}
}

var _ Provider = (*AIMLClient)(nil)

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

type videoResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  any    `json:"error"`
	Video  *struct {
		URL string `json:"url"`
	} `json:"video"`
	Output *struct {
		VideoURL string `json:"video_url"`
	} `json:"output"`
	ResultURL string `json:"result_url"`
}

func (v *videoResponse) url() string {
	switch {
	case v.Video != nil && v.Video.URL != "":
		return v.Video.URL
	case v.Output != nil && v.Output.VideoURL != "":
		return v.Output.VideoURL
	}
	return v.ResultURL
}

func (v *videoResponse) errorText() string {
	switch e := v.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}

func normalizeStatus(s string) Status {
	switch strings.ToLower(s) {
	case "completed", "succeeded", "success":
		return StatusCompleted
	case "failed", "error", "cancelled":
		return StatusFailed
	}
	return StatusPending
}

// payload merges the validated params into the request body.
func payload(req Request) ([]byte, error) {
	body := map[string]any{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &body); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	body["model"] = req.Model
	body["prompt"] = req.Prompt
	if req.NegativePrompt != "" {
		body["negative_prompt"] = req.NegativePrompt
	}
	return json.Marshal(body)
}

func (c *AIMLClient) Submit(ctx context.Context, req Request) (*Submission, error) {
	body, err := payload(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidParams, err)
	}
	if req.Type == "video" {
		var resp videoResponse
		if err := c.do(ctx, http.MethodPost, "/videos/generations", body, &resp); err != nil {
			return nil, err
		}
		handle := resp.ID
		if handle == "" {
			handle = resp.TaskID
		}
		if handle == "" {
			return nil, apperrors.ErrModelUnavailable.WithMessage("provider returned no task id")
		}
		return &Submission{Handle: handle, Status: StatusPending}, nil
	}

	var resp imageResponse
	if err := c.do(ctx, http.MethodPost, "/images/generations", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return &Submission{Status: StatusFailed}, nil
	}
	return &Submission{Status: StatusCompleted, ResultURL: resp.Data[0].URL}, nil
}

func (c *AIMLClient) Poll(ctx context.Context, handle string) (*PollResult, error) {
	var resp videoResponse
	if err := c.do(ctx, http.MethodGet, "/videos/generations/"+url.PathEscape(handle), nil, &resp); err != nil {
		return nil, err
	}
	res := &PollResult{Status: normalizeStatus(resp.Status), ResultURL: resp.url()}
	if res.Status == StatusFailed {
		res.Error = resp.errorText()
		if res.Error == "" {
			res.Error = "provider reported failure"
		}
	}
	c.log.Debug("video status", zap.String("handle", handle), zap.String("status", resp.Status))
	return res, nil
}

// do sends one request. Transport errors and non-2xx answers come back as
// MODEL_UNAVAILABLE.
func (c *AIMLClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrModelUnavailable, err)
	}
	defer func(b io.ReadCloser) {
		if err := b.Close(); err != nil {
			c.log.Error("failed to close provider response body", zap.Error(err))
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warn("provider rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return apperrors.ErrModelUnavailable.WithMessage("provider answered %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrModelUnavailable, fmt.Errorf("decode provider response: %w", err))
	}
	return nil
}
