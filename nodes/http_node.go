package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	nodeflow "nodeflow"
)

// HTTPRequestConfig controls outbound requests made by HTTP_REQUEST nodes.
type HTTPRequestConfig struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
	// MaxBodyBytes caps how much of a response is read.
	MaxBodyBytes int64
}

func DefaultHTTPRequestConfig() HTTPRequestConfig {
	return HTTPRequestConfig{
		Timeout:      30 * time.Second,
		UserAgent:    "nodeflow/1",
		MaxBodyBytes: 10 << 20,
	}
}

// HTTPStatusError reports a non-2xx response. It is retriable.
type HTTPStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

type httpRequestData struct {
	VariableName string `json:"variableName"`
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	Body         string `json:"body"`
}

// HTTPResponse is what an HTTP_REQUEST node stores under its variable, as
// {httpResponse: {...}}.
type HTTPResponse struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Data       any    `json:"data"`
}

// HTTPRequestExecutor performs one HTTP call per node.
type HTTPRequestExecutor struct {
	cfg    HTTPRequestConfig
	client *http.Client
}

func NewHTTPRequestExecutor(cfg HTTPRequestConfig) *HTTPRequestExecutor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultHTTPRequestConfig().MaxBodyBytes
	}
	return &HTTPRequestExecutor{cfg: cfg, client: client}
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func hasBody(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, in Input) (nodeflow.Context, error) {
	return track(ctx, in, func() (nodeflow.Context, error) {
		var data httpRequestData
		if err := decodeData(in, &data); err != nil {
			return nil, err
		}
		if data.Endpoint == "" {
			return nil, nodeflow.NonRetriablef("HTTP request node %s: no endpoint configured", in.NodeID)
		}
		if err := requireVariable("HTTP request", in, data.VariableName); err != nil {
			return nil, err
		}
		method := strings.ToUpper(strings.TrimSpace(data.Method))
		if method == "" {
			method = http.MethodGet
		}
		if !allowedMethods[method] {
			return nil, nodeflow.NonRetriablef("HTTP request node %s: unsupported method %q", in.NodeID, data.Method)
		}

		endpoint, err := in.renderRaw(data.Endpoint)
		if err != nil {
			return nil, err
		}
		var body string
		if hasBody(method) {
			src := data.Body
			if strings.TrimSpace(src) == "" {
				src = "{}"
			}
			if body, err = in.renderRaw(src); err != nil {
				return nil, err
			}
			if !json.Valid([]byte(body)) {
				return nil, nodeflow.NonRetriablef("HTTP request node %s: body is not valid JSON after rendering", in.NodeID)
			}
		}

		var resp HTTPResponse
		err = in.steps().Run(ctx, "http-request", func(ctx context.Context) (any, error) {
			return e.do(ctx, method, endpoint, body)
		}, &resp)
		if err != nil {
			return nil, err
		}
		return in.Context.With(data.VariableName, map[string]any{
			"httpResponse": map[string]any{
				"status":     resp.Status,
				"statusText": resp.StatusText,
				"data":       resp.Data,
			},
		}), nil
	})
}

func (e *HTTPRequestExecutor) do(ctx context.Context, method, endpoint, body string) (*HTTPResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nodeflow.NonRetriable(fmt.Errorf("build request: %w", err))
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(&HTTPStatusError{Method: method, URL: endpoint, StatusCode: resp.StatusCode, Status: resp.Status})
	}

	out := &HTTPResponse{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode), Data: string(payload)}
	if isJSON(resp.Header.Get("Content-Type")) && len(bytes.TrimSpace(payload)) > 0 {
		var parsed any
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, fmt.Errorf("decode JSON response: %w", err)
		}
		out.Data = parsed
	}
	return out, nil
}

// permanentStatus reports response codes a retry would get again.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func classifyStatus(err *HTTPStatusError) error {
	if permanentStatus(err.StatusCode) {
		return nodeflow.NonRetriable(err)
	}
	return err
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func init() {
	Describe(Definition{
		Type:        nodeflow.NodeTypeHTTPRequest,
		Description: "Calls an HTTP endpoint and stores {httpResponse: {status, statusText, data}} under variableName.",
	})
}
