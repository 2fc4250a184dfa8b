package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/runbookd/runbook/pkg/schema"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 10 * 1024 * 1024 // 10MB
)

// HTTPConfig configures the http.request tool.
type HTTPConfig struct {
	Client         *http.Client
	DefaultTimeout time.Duration
	MaxBodyBytes   int64
}

// NewHTTPTool returns the http.request tool.
func NewHTTPTool(cfg HTTPConfig) Tool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &httpRequestTool{cfg: cfg}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string"},
    "method": {"type": "string", "default": "GET"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status": {"type": "integer"},
    "body": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "body_raw": {"type": "string"},
    "headers": {"type": "object"},
    "success": {"type": "boolean", "description": "true when status is 2xx"}
  }
}`

type httpRequestTool struct {
	cfg HTTPConfig
}

func (t *httpRequestTool) Name() string { return "http.request" }

func (t *httpRequestTool) Schema() ToolSchema {
	return ToolSchema{
		Description:  "Perform an HTTP request, auto-parsing JSON response bodies.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (t *httpRequestTool) Validate(params map[string]any) error {
	if stringParam(params, "url", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	return nil
}

func (t *httpRequestTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	if err := t.Validate(params); err != nil {
		return nil, err
	}

	url := stringParam(params, "url", "")
	method := strings.ToUpper(stringParam(params, "method", "GET"))
	headers := stringMapParam(params, "headers")

	timeout := t.cfg.DefaultTimeout
	if s := stringParam(params, "timeout", ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	contentType := ""
	if body, ok := params["body"]; ok && body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: unencodable body: %v", err).WithCause(err)
			}
			bodyReader = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: %v", err).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: read body: %v", err).WithCause(err)
	}

	var parsedBody any = string(raw)
	if len(raw) > 0 && json.Valid(raw) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			parsedBody = parsed
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status":   resp.StatusCode,
		"body":     parsedBody,
		"body_raw": string(raw),
		"headers":  respHeaders,
		"success":  resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}
