package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/migraflow/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
}

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string", "default": "GET"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "integer", "description": "milliseconds", "default": 30000}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status": {"type": "integer"},
    "statusText": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "data": {},
    "durationMs": {"type": "integer"}
  }
}`

// HTTPRequestAction implements "http_request" (and "custom_api_call" by alias).
type HTTPRequestAction struct {
	config HTTPConfig
}

// NewHTTPRequestAction creates a new http_request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequestAction{config: cfg}
}

func (a *HTTPRequestAction) Name() string { return schema.ActionHTTPRequest }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Call an HTTP endpoint and capture status, headers and parsed body.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPRequestAction) Validate(data *schema.ActionData) error {
	if data.URL == "" {
		return invalidf("http request requires a url")
	}
	if strings.Contains(data.URL, "{{") {
		return nil
	}
	u, err := url.ParseRequestURI(data.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return invalidf("invalid url %q", data.URL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	data := input.Data
	if err := a.Validate(data); err != nil {
		return nil, err
	}

	method := strings.ToUpper(data.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeoutMs := data.Timeout
	if timeoutMs <= 0 {
		timeoutMs = schema.DefaultHTTPTimeoutMs
	}

	var bodyReader io.Reader
	var contentType string
	if data.Body != nil && method != http.MethodGet && method != http.MethodHead {
		switch b := data.Body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
			if json.Valid([]byte(b)) {
				contentType = "application/json"
			} else {
				contentType = "text/plain"
			}
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, failf("marshal request body: %v", err).WithCause(err)
			}
			bodyReader = bytes.NewReader(raw)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, data.URL, bodyReader)
	if err != nil {
		return nil, failf("build request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range data.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.config.Client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	// The deadline covers the body read as well as the round trip.
	timedOut := func() bool {
		return errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}
	if err != nil {
		if timedOut() {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request timed out after %d ms", timeoutMs).WithCause(err)
		}
		return nil, failf("request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		if timedOut() {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request timed out after %d ms", timeoutMs).WithCause(err)
		}
		return nil, failf("read response body: %v", err).WithCause(err)
	}

	var parsed any
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
			parsed = string(bodyBytes)
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    respHeaders,
		"data":       parsed,
		"durationMs": durationMs,
	}

	if resp.StatusCode >= 400 {
		return nil, failf("request failed with status %d", resp.StatusCode).WithDetails(result)
	}
	return &ActionOutput{Data: result}, nil
}

var _ Action = (*HTTPRequestAction)(nil)

