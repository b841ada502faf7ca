package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/manash/fluxgen/internal/provider"
)

const (
	defaultBaseURL = "https://api.replicate.com/v1"
	defaultTimeout = 120 * time.Second
)

// Prediction statuses reported by the API. Anything else (starting,
// processing, queued) is non-terminal.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminal reports whether a status will never change again.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

// Prediction is the normalized view of a prediction payload. The wire
// format is loose: output may be a bare URL or an array of URLs, error
// may be a string or a structured object. Normalization happens here,
// once, at the client boundary.
type Prediction struct {
	ID          string
	Status      string
	Model       string
	Version     string
	OutputURL   string
	Error       string
	Logs        string
	PredictTime float64
}

type predictionPayload struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Model   string          `json:"model"`
	Version string          `json:"version"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
	Metrics *struct {
		PredictTime float64 `json:"predict_time"`
	} `json:"metrics,omitempty"`
}

func (p *predictionPayload) normalize() *Prediction {
	pred := &Prediction{
		ID:      p.ID,
		Status:  p.Status,
		Model:   p.Model,
		Version: p.Version,
		Logs:    p.Logs,
	}
	if p.Metrics != nil {
		pred.PredictTime = p.Metrics.PredictTime
	}
	pred.OutputURL = normalizeOutput(p.Output)
	pred.Error = normalizeError(p.Error)
	return pred
}

// normalizeOutput collapses the output field to a single URL. Providers
// that batch outputs return the primary result first, so the first
// element is the deliberate tie-break.
func normalizeOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

func normalizeError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return msg
	}
	var obj struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Detail != "" {
			return obj.Detail
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return strings.Trim(string(raw), `"`)
}

// Client talks to a Replicate-style prediction API: submit a job, read
// its status, upload inputs, download finished artifacts. Submitting
// creates a billable remote job; status checks are free and idempotent.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	verbose    bool
}

func New(cfg *provider.Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, provider.ErrAPIKeyRequired
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		verbose: cfg.Verbose,
	}, nil
}

// Submit creates a prediction. With a version pin the generic endpoint is
// used; otherwise modelRef is expected to be "owner/name" and the
// model-scoped endpoint resolves the latest version.
func (c *Client) Submit(ctx context.Context, modelRef string, input map[string]any, version string) (*Prediction, error) {
	url := c.baseURL + "/models/" + modelRef + "/predictions"
	payload := map[string]any{"input": input}
	if version != "" {
		url = c.baseURL + "/predictions"
		payload["version"] = version
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logRequest(http.MethodPost, url, httpReq.Header, jsonData)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logResponse(resp.StatusCode, resp.Header, body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payloadResp predictionPayload
	if err := json.Unmarshal(body, &payloadResp); err != nil {
		return nil, fmt.Errorf("failed to parse prediction response: %w", err)
	}

	return payloadResp.normalize(), nil
}

// GetStatus fetches the current state of a prediction. Safe to call any
// number of times; a terminal prediction reports the same outcome on
// every read.
func (c *Client) GetStatus(ctx context.Context, id string) (*Prediction, error) {
	url := c.baseURL + "/predictions/" + id
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logResponse(resp.StatusCode, resp.Header, body)

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payloadResp predictionPayload
	if err := json.Unmarshal(body, &payloadResp); err != nil {
		return nil, fmt.Errorf("failed to parse prediction response: %w", err)
	}

	return payloadResp.normalize(), nil
}

// Upload stores input bytes with the provider and returns the URL that
// predictions can reference.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("content", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	url := c.baseURL + "/files"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &provider.APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var fileResp struct {
		URLs struct {
			Get string `json:"get"`
		} `json:"urls"`
	}
	if err := json.Unmarshal(respBody, &fileResp); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if fileResp.URLs.Get == "" {
		return "", fmt.Errorf("upload response missing file URL")
	}

	return fileResp.URLs.Get, nil
}

// Download fetches a finished artifact. Failures are DownloadErrors, not
// generation failures: the artifact may still be retrievable later.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &provider.DownloadError{URL: url, Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.DownloadError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &provider.DownloadError{URL: url, Err: err}
	}

	return data, nil
}

func (c *Client) logRequest(method, url string, headers http.Header, body []byte) {
	if !c.verbose {
		return
	}

	fmt.Fprintln(os.Stderr, "--- REQUEST ---")
	fmt.Fprintf(os.Stderr, "%s %s\n", method, url)
	fmt.Fprintln(os.Stderr, "Headers:")
	for key, values := range headers {
		for _, value := range values {
			if strings.ToLower(key) == "authorization" {
				value = "[REDACTED]"
			}
			fmt.Fprintf(os.Stderr, "  %s: %s\n", key, value)
		}
	}
	if len(body) > 0 {
		fmt.Fprintln(os.Stderr, "Body:")
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, body, "  ", "  "); err == nil {
			fmt.Fprintf(os.Stderr, "  %s\n", prettyJSON.String())
		} else {
			fmt.Fprintf(os.Stderr, "  %s\n", string(body))
		}
	}
	fmt.Fprintln(os.Stderr, "---------------")
}

func (c *Client) logResponse(statusCode int, headers http.Header, body []byte) {
	if !c.verbose {
		return
	}

	fmt.Fprintln(os.Stderr, "--- RESPONSE ---")
	fmt.Fprintf(os.Stderr, "Status: %d\n", statusCode)
	if len(body) > 0 {
		fmt.Fprintln(os.Stderr, "Body:")
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, body, "  ", "  "); err == nil {
			fmt.Fprintf(os.Stderr, "  %s\n", prettyJSON.String())
		} else {
			fmt.Fprintf(os.Stderr, "  %s\n", string(body))
		}
	}
	fmt.Fprintln(os.Stderr, "----------------")
}
