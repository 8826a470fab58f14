package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/zoobzio/quill"
)

func userRequest(text string) *quill.Request {
	return &quill.Request{Contents: []quill.Content{quill.UserText(text)}}
}

func TestProviderCall(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key-1234" {
			t.Errorf("Expected credential header, got %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Query().Get("key") != "" {
			t.Error("Credential must not be sent in the query string")
		}
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-pro:generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}

		var req generateContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
			t.Fatalf("Unexpected contents: %+v", req.Contents)
		}
		if req.Contents[0].Parts[0].Text != "test prompt" {
			t.Errorf("Expected text 'test prompt', got %s", req.Contents[0].Parts[0].Text)
		}
		if req.GenerationConfig.Temperature != 0.4 {
			t.Errorf("Expected temperature 0.4, got %v", req.GenerationConfig.Temperature)
		}

		resp := generateContentResponse{
			Candidates: []candidate{{
				Content: content{
					Role:  "model",
					Parts: []part{{Text: "thinking", Thought: true}, {Text: "Hello "}, {Text: "world"}},
				},
				FinishReason: "STOP",
				GroundingMetadata: &groundingMetadata{
					GroundingChunks: []groundingChunk{
						{Web: &webChunk{URI: "https://example.com/a", Title: "A"}},
						{},
					},
				},
			}},
			UsageMetadata: usageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := New(Config{BaseURL: server.URL})
	req := userRequest("test prompt")
	req.Model = "gemini-2.5-pro"
	req.Config.Temperature = 0.4

	response, err := provider.Call(ctx, quill.Credential("test-key-1234"), req)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if response.Text != "Hello world" {
		t.Errorf("Expected joined text without thoughts, got %q", response.Text)
	}
	if response.FinishReason != "STOP" {
		t.Errorf("Expected finish reason STOP, got %q", response.FinishReason)
	}
	if len(response.Sources) != 1 || response.Sources[0].URL != "https://example.com/a" {
		t.Errorf("Unexpected sources: %+v", response.Sources)
	}
	if response.Usage.Total != 15 {
		t.Errorf("Expected 15 total tokens, got %d", response.Usage.Total)
	}
}

func TestGeminiIntegration(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("GEMINI_API_KEY not set, skipping integration test")
	}

	provider := New(Config{})
	response, err := provider.Call(context.Background(), quill.Credential(apiKey), userRequest("Reply with the single word: ok"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if response.Text == "" {
		t.Error("Expected non-empty response")
	}
	t.Logf("Response: %s", response.Text)
}

func TestProviderErrorHandling(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		header       string
		responseBody string
		class        quill.ErrorClass
		retryAfter   time.Duration
		message      string
	}{
		{
			name:       "Rate limit with RetryInfo",
			statusCode: http.StatusTooManyRequests,
			responseBody: `{"error": {"code": 429, "message": "Quota exceeded", "status": "RESOURCE_EXHAUSTED",
				"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "17s"}]}}`,
			class:      quill.ClassRateLimited,
			retryAfter: 17 * time.Second,
			message:    "Quota exceeded",
		},
		{
			name:         "Rate limit with Retry-After header",
			statusCode:   http.StatusTooManyRequests,
			header:       "4",
			responseBody: `{"error": {"code": 429, "message": "slow down"}}`,
			class:        quill.ClassRateLimited,
			retryAfter:   4 * time.Second,
			message:      "slow down",
		},
		{
			name:         "API key error",
			statusCode:   http.StatusBadRequest,
			responseBody: `{"error": {"code": 400, "message": "API key not valid", "status": "INVALID_ARGUMENT"}}`,
			class:        quill.ClassServerError,
			message:      "API key not valid",
		},
		{
			name:         "Generic error",
			statusCode:   http.StatusInternalServerError,
			responseBody: `not json`,
			class:        quill.ClassServerError,
			message:      "gemini error: status 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.responseBody))
			}))
			defer server.Close()

			provider := New(Config{BaseURL: server.URL})
			_, err := provider.Call(context.Background(), quill.Credential("k"), userRequest("test"))

			var perr *quill.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *quill.ProviderError, got %v", err)
			}
			if perr.Class != tt.class {
				t.Errorf("Expected class %s, got %s", tt.class, perr.Class)
			}
			if perr.StatusCode != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, perr.StatusCode)
			}
			if perr.RetryAfter != tt.retryAfter {
				t.Errorf("Expected retry after %v, got %v", tt.retryAfter, perr.RetryAfter)
			}
			if !strings.Contains(perr.Message, tt.message) {
				t.Errorf("Expected message containing %q, got %q", tt.message, perr.Message)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"candidates": [`))
	}))
	defer server.Close()

	_, err := New(Config{BaseURL: server.URL}).Call(context.Background(), "k", userRequest("test"))
	var perr *quill.ProviderError
	if !errors.As(err, &perr) || perr.Class != quill.ClassMalformedResponse {
		t.Fatalf("Expected malformed_response, got %v", err)
	}
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(Config{BaseURL: url}).Call(context.Background(), "k", userRequest("test"))
	var perr *quill.ProviderError
	if !errors.As(err, &perr) || perr.Class != quill.ClassNetworkError {
		t.Fatalf("Expected network_error, got %v", err)
	}
}

func TestCancelledContextIsNotNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Config{BaseURL: server.URL}).Call(ctx, "k", userRequest("test"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if quill.Classify(ctx, err) != quill.ClassUserCancelled {
		t.Errorf("Expected user_cancelled classification, got %s", quill.Classify(ctx, err))
	}
}

func TestEmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"candidates": [], "usageMetadata": {"promptTokenCount": 3}}`))
	}))
	defer server.Close()

	resp, err := New(Config{BaseURL: server.URL}).Call(context.Background(), "k", userRequest("test"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Text != "" {
		t.Errorf("Expected empty text, got %q", resp.Text)
	}
}

func TestProviderName(t *testing.T) {
	if name := New(Config{}).Name(); name != "gemini" {
		t.Errorf("Expected 'gemini', got '%s'", name)
	}
}

func TestProviderDefaults(t *testing.T) {
	provider := New(Config{})

	if provider.model != "gemini-2.5-flash" {
		t.Errorf("Expected default model gemini-2.5-flash, got %s", provider.model)
	}
	if provider.baseURL != "https://generativelanguage.googleapis.com/v1beta" {
		t.Errorf("Expected default baseURL, got %s", provider.baseURL)
	}
}

func TestRequestMapping(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateContentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}

		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "Be brief." {
			t.Errorf("Expected system instruction, got %+v", req.SystemInstruction)
		}
		if len(req.Contents) != 2 {
			t.Fatalf("Expected 2 contents, got %d", len(req.Contents))
		}
		if req.Contents[1].Role != "model" {
			t.Errorf("Expected second role 'model' (converted from assistant), got '%s'", req.Contents[1].Role)
		}
		attachment := req.Contents[0].Parts[1].FileData
		if attachment == nil || attachment.FileURI != "gs://bucket/doc.pdf" {
			t.Errorf("Expected fileData part, got %+v", req.Contents[0].Parts[1])
		}
		if req.GenerationConfig.ResponseMIMEType != "application/json" {
			t.Errorf("Expected JSON mime type, got %q", req.GenerationConfig.ResponseMIMEType)
		}
		if req.GenerationConfig.ResponseSchema["type"] != "object" {
			t.Errorf("Expected response schema, got %v", req.GenerationConfig.ResponseSchema)
		}
		if len(req.Tools) != 1 || req.Tools[0].GoogleSearch == nil {
			t.Errorf("Expected googleSearch tool, got %+v", req.Tools)
		}

		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`))
	}))
	defer server.Close()

	req := &quill.Request{
		System: "Be brief.",
		Contents: []quill.Content{
			{Role: quill.RoleUser, Parts: []quill.Part{
				{Text: "summarize"},
				{Attachment: &quill.Attachment{MIMEType: "application/pdf", URI: "gs://bucket/doc.pdf"}},
			}},
			{Role: quill.RoleAssistant, Parts: []quill.Part{{Text: "sure"}}},
		},
		Config: quill.GenerationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   map[string]any{"type": "object"},
		},
		Tools: []quill.Tool{{GoogleSearch: true}},
	}

	if _, err := New(Config{BaseURL: server.URL}).Call(ctx, "k", req); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
}
