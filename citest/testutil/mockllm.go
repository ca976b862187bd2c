package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMockReply is returned for user turns without a configured reply.
const DefaultMockReply = "Olá! Como posso ajudar?"

// MockLLMServer provides an HTTP server that mimics the OpenAI chat
// completions API for testing.
type MockLLMServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []MockRequest
	replies  map[string]string
	failures map[string]int

	seq atomic.Int64
}

// MockRequest records an incoming completion request.
type MockRequest struct {
	Timestamp time.Time
	Path      string
	Model     string
	Prompt    string
	UserTurn  string
}

// NewMockLLMServer creates a new mock LLM server.
func NewMockLLMServer() *MockLLMServer {
	m := &MockLLMServer{
		replies:  make(map[string]string),
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("/chat/completions", m.handleChatCompletions)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the base URL to configure an OpenAI-compatible provider with.
func (m *MockLLMServer) URL() string {
	return m.server.URL + "/v1"
}

// Close shuts down the mock server.
func (m *MockLLMServer) Close() {
	m.server.Close()
}

// Reply configures the completion returned when the user turn equals turn.
// An empty reply makes the model answer with blank content.
func (m *MockLLMServer) Reply(turn, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[turn] = reply
}

// Fail makes the endpoint answer the user turn with a server error,
// times < 0 failing forever.
func (m *MockLLMServer) Fail(turn string, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[turn] = times
}

// Requests returns all recorded requests.
func (m *MockLLMServer) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsFor counts the recorded requests for one user turn.
func (m *MockLLMServer) RequestsFor(turn string) int {
	n := 0
	for _, r := range m.Requests() {
		if r.UserTurn == turn {
			n++
		}
	}
	return n
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (m *MockLLMServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}
	turn := UserTurn(prompt)

	m.mu.Lock()
	m.requests = append(m.requests, MockRequest{
		Timestamp: time.Now(),
		Path:      r.URL.Path,
		Model:     req.Model,
		Prompt:    prompt,
		UserTurn:  turn,
	})
	fail := false
	if n, ok := m.failures[turn]; ok && n != 0 {
		fail = true
		if n > 0 {
			m.failures[turn] = n - 1
		}
	}
	reply, ok := m.replies[turn]
	if !ok {
		reply = DefaultMockReply
	}
	m.mu.Unlock()

	if fail {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"mock failure","type":"server_error"}}`))
		return
	}

	m.writeResponse(w, req.Model, reply)
}

func (m *MockLLMServer) writeResponse(w http.ResponseWriter, model, content string) {
	response := map[string]interface{}{
		"id":      fmt.Sprintf("chatcmpl-mockllm-%d", m.seq.Add(1)),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     100,
			"completion_tokens": 20,
			"total_tokens":      120,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// UserTurn extracts the latest user turn from a rendered prompt.
func UserTurn(prompt string) string {
	const marker = "\n\nUsuário: "
	i := strings.LastIndex(prompt, marker)
	if i < 0 {
		return strings.TrimSpace(prompt)
	}
	rest := prompt[i+len(marker):]
	if j := strings.Index(rest, "\n"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}
