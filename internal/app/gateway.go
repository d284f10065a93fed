package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// CallKind selects the model/effort pairing for a gateway call. The mapping
// is a plain lookup table; callers never pick models directly.
type CallKind string

const (
	KindFast       CallKind = "fast"
	KindDeep       CallKind = "deep"
	KindSummarize  CallKind = "summarize"
	KindCategorize CallKind = "categorize"
	KindFind       CallKind = "find"
	KindTask       CallKind = "task"
)

// CompletionRequest is the gateway contract consumed by the chain controller,
// branches, and the merge engine.
type CompletionRequest struct {
	InputText string
	// ContinuationToken chains this call onto a previous response. Empty
	// means a fresh, unchained call.
	ContinuationToken string
	Kind              CallKind
	Instructions      string
}

// CompletionResponse carries the generated text and the token that later
// calls use to continue from this response.
type CompletionResponse struct {
	ContinuationToken string
	OutputText        string
}

// Gateway is the narrow interface the core depends on. The production
// implementation is Client; tests substitute stubs.
type Gateway interface {
	Respond(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// FailKind is the failure taxonomy surfaced to callers. Only
// FailContinuationNotFound triggers the controller's reset+retry path.
type FailKind string

const (
	FailContinuationNotFound FailKind = "continuation_not_found"
	FailRateLimited          FailKind = "rate_limited"
	FailUnauthorized         FailKind = "unauthorized"
	FailMalformed            FailKind = "malformed"
	FailTimeout              FailKind = "timeout"
	FailUnknown              FailKind = "unknown"
)

// APIError is a typed gateway failure.
type APIError struct {
	Kind    FailKind
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gateway: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
}

// continuationMarkers are the message fragments that identify a
// "continuation token not found" class failure even when the server did not
// set a dedicated error code.
var continuationMarkers = []string{
	"continuation token not found",
	"previous response not found",
	"previous response with id",
	"unknown continuation",
	"response not found",
}

// IsContinuationBroken reports whether err is the specific failure class that
// makes the server-side chain state unusable and warrants reset+retry.
func IsContinuationBroken(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == FailContinuationNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range continuationMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type modelSpec struct {
	Model  string
	Effort string
}

// defaultModelTable maps call kinds to model/effort. Deep and summarize runs
// get higher effort; the cheap kinds stay on low.
func defaultModelTable(model string) map[CallKind]modelSpec {
	return map[CallKind]modelSpec{
		KindFast:       {Model: model, Effort: "low"},
		KindDeep:       {Model: model, Effort: "high"},
		KindSummarize:  {Model: model, Effort: "medium"},
		KindCategorize: {Model: model, Effort: "low"},
		KindFind:       {Model: model, Effort: "low"},
		KindTask:       {Model: model, Effort: "medium"},
	}
}

// Client talks to the hosted stateful completion API. A BaseURL of "mock://"
// routes every call through the in-process mock gateway instead, the same way
// the CLI runs without an API key.
type Client struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client

	models map[CallKind]modelSpec
	mock   *mockGateway
}

const (
	defaultBaseURL = "https://api.sidellm.dev/v1/responses"
	defaultModel   = "sidellm-2"
)

func NewClient(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = defaultModel
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: baseURL,
		// No client-side timeout on the primary chained call: a hung call
		// holds the ingestion queue head (see DESIGN.md). Per-call deadlines
		// come from the caller's context where one is wanted.
		HTTP:   &http.Client{},
		models: defaultModelTable(model),
	}
	if c.MockMode() {
		c.mock = newMockGateway()
	}
	return c
}

// MockMode reports whether this client answers from the in-process mock.
func (c *Client) MockMode() bool {
	return c.BaseURL == "mock://" || c.APIKey == "mock"
}

type wireRequest struct {
	Model              string         `json:"model"`
	Input              string         `json:"input"`
	Instructions       string         `json:"instructions,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
	Reasoning          *wireReasoning `json:"reasoning,omitempty"`
}

type wireReasoning struct {
	Effort string `json:"effort"`
}

type wireResponse struct {
	ID         string `json:"id"`
	OutputText string `json:"output_text"`
	Output     []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"output,omitempty"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

func (c *Client) Respond(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if c.MockMode() {
		if c.mock == nil {
			c.mock = newMockGateway()
		}
		return c.mock.Respond(ctx, req)
	}
	if c.APIKey == "" {
		return CompletionResponse{}, &APIError{Kind: FailUnauthorized, Message: "api key is required"}
	}

	spec, ok := c.models[req.Kind]
	if !ok {
		spec = c.models[KindFast]
	}
	body := wireRequest{
		Model:              spec.Model,
		Input:              req.InputText,
		Instructions:       req.Instructions,
		PreviousResponseID: req.ContinuationToken,
	}
	if spec.Effort != "" {
		body.Reasoning = &wireReasoning{Effort: spec.Effort}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CompletionResponse{}, &APIError{Kind: FailMalformed, Message: err.Error()}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, &APIError{Kind: FailMalformed, Message: err.Error()}
	}
	request.Header.Set("Authorization", "Bearer "+c.APIKey)
	request.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(request)
	if err != nil {
		return CompletionResponse{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResponse{}, &APIError{Kind: FailUnknown, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 300 {
		return CompletionResponse{}, classifyHTTPFailure(resp.StatusCode, raw)
	}

	var parsed wireResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return CompletionResponse{}, &APIError{Kind: FailUnknown, Message: fmt.Sprintf("invalid response body: %s", truncateEllipsis(string(raw), 200))}
	}
	if parsed.Error != nil {
		return CompletionResponse{}, classifyErrorBody(resp.StatusCode, parsed.Error)
	}

	text := parsed.OutputText
	if text == "" {
		for _, item := range parsed.Output {
			if item.Type == "text" && item.Text != "" {
				text = item.Text
				break
			}
		}
	}
	if parsed.ID == "" {
		return CompletionResponse{}, &APIError{Kind: FailUnknown, Message: "response missing id"}
	}
	return CompletionResponse{ContinuationToken: parsed.ID, OutputText: text}, nil
}

func classifyTransportError(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: FailTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: FailTimeout, Message: err.Error()}
	}
	return &APIError{Kind: FailUnknown, Message: fmt.Sprintf("request failed: %v", err)}
}

func classifyHTTPFailure(status int, raw []byte) *APIError {
	var body struct {
		Error *wireError `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Error != nil {
		return classifyErrorBody(status, body.Error)
	}
	return &APIError{Kind: kindForStatus(status, ""), Status: status, Message: truncateEllipsis(string(raw), 300)}
}

func classifyErrorBody(status int, we *wireError) *APIError {
	kind := kindForStatus(status, we.Code)
	if kind != FailContinuationNotFound {
		lower := strings.ToLower(we.Message)
		for _, marker := range continuationMarkers {
			if strings.Contains(lower, marker) {
				kind = FailContinuationNotFound
				break
			}
		}
	}
	return &APIError{Kind: kind, Status: status, Message: we.Message}
}

func kindForStatus(status int, code string) FailKind {
	if code == "previous_response_not_found" || code == "continuation_not_found" {
		return FailContinuationNotFound
	}
	switch status {
	case 401, 403:
		return FailUnauthorized
	case 400, 422:
		return FailMalformed
	case 404:
		// A 404 on the responses endpoint is how the service reports an
		// expired previous_response_id.
		return FailContinuationNotFound
	case 429:
		return FailRateLimited
	case 408, 504:
		return FailTimeout
	}
	return FailUnknown
}
