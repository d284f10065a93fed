package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsContinuationBroken(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed kind", &APIError{Kind: FailContinuationNotFound}, true},
		{"wrapped typed kind", fmt.Errorf("send: %w", &APIError{Kind: FailContinuationNotFound}), true},
		{"other kind", &APIError{Kind: FailRateLimited, Message: "too many requests"}, false},
		{"marker in message", errors.New("server said: Previous response not found"), true},
		{"marker continuation token", errors.New("continuation token not found on shard"), true},
		{"marker response id", errors.New("no previous response with id resp_123"), true},
		{"unrelated", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsContinuationBroken(tc.err); got != tc.want {
				t.Fatalf("IsContinuationBroken(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   FailKind
	}{
		{401, "", FailUnauthorized},
		{403, "", FailUnauthorized},
		{400, "", FailMalformed},
		{422, "", FailMalformed},
		{404, "", FailContinuationNotFound},
		{429, "", FailRateLimited},
		{408, "", FailTimeout},
		{504, "", FailTimeout},
		{500, "", FailUnknown},
		// The dedicated error code wins regardless of status.
		{400, "previous_response_not_found", FailContinuationNotFound},
		{500, "continuation_not_found", FailContinuationNotFound},
	}
	for _, tc := range cases {
		if got := kindForStatus(tc.status, tc.code); got != tc.want {
			t.Errorf("kindForStatus(%d, %q) = %s, want %s", tc.status, tc.code, got, tc.want)
		}
	}
}

func TestClientRespondParsesWireFormat(t *testing.T) {
	var seen wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "resp_42",
			"output_text": "hi there",
		})
	}))
	defer srv.Close()

	c := NewClient("key123", "", srv.URL)
	resp, err := c.Respond(context.Background(), CompletionRequest{
		InputText:         "hello",
		ContinuationToken: "resp_41",
		Kind:              KindDeep,
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.ContinuationToken != "resp_42" || resp.OutputText != "hi there" {
		t.Errorf("resp = %+v", resp)
	}
	if seen.PreviousResponseID != "resp_41" {
		t.Errorf("previous_response_id = %q", seen.PreviousResponseID)
	}
	if seen.Reasoning == nil || seen.Reasoning.Effort != "high" {
		t.Errorf("reasoning = %+v, want high effort for deep calls", seen.Reasoning)
	}
}

func TestClientRespondClassifiesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    "previous_response_not_found",
				"message": "previous response not found: resp_9",
			},
		})
	}))
	defer srv.Close()

	c := NewClient("key123", "", srv.URL)
	_, err := c.Respond(context.Background(), CompletionRequest{InputText: "x", ContinuationToken: "resp_9"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Kind != FailContinuationNotFound || apiErr.Status != 404 {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !IsContinuationBroken(err) {
		t.Error("classified error not recognized as broken continuation")
	}
}

func TestClientRespondRequiresKeyOutsideMockMode(t *testing.T) {
	c := NewClient("", "", "https://example.invalid")
	_, err := c.Respond(context.Background(), CompletionRequest{InputText: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != FailUnauthorized {
		t.Fatalf("err = %v, want unauthorized APIError", err)
	}
}

func TestMockGatewayRejectsUnknownToken(t *testing.T) {
	c := NewClient("mock", "", "mock://")
	if !c.MockMode() {
		t.Fatal("client not in mock mode")
	}

	ctx := context.Background()
	first, err := c.Respond(ctx, CompletionRequest{InputText: "hello"})
	if err != nil {
		t.Fatalf("fresh call: %v", err)
	}
	if first.ContinuationToken == "" {
		t.Fatal("mock issued no token")
	}

	// A token the mock issued chains fine.
	if _, err := c.Respond(ctx, CompletionRequest{InputText: "again", ContinuationToken: first.ContinuationToken}); err != nil {
		t.Fatalf("chained call: %v", err)
	}

	// A stale token (for example loaded from disk) breaks the chain.
	_, err = c.Respond(ctx, CompletionRequest{InputText: "again", ContinuationToken: "resp_stale"})
	if !IsContinuationBroken(err) {
		t.Fatalf("err = %v, want broken-continuation failure", err)
	}
}

func TestMockGatewayDrivesResetRetry(t *testing.T) {
	c := NewClient("mock", "", "mock://")
	chain := newTestChain(c)
	defer chain.Close()

	ctx := context.Background()
	if _, err := chain.Send(ctx, "hello", KindFast); err != nil {
		t.Fatal(err)
	}

	// Simulate a stale persisted token.
	chain.setToken("resp_stale")
	result, err := chain.Send(ctx, "are you there", KindFast)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.ChainReset {
		t.Error("ChainReset = false, want true after stale token")
	}
}
