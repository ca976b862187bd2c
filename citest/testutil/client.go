package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencode-ai/chatbridge/internal/server"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	Owner      string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client. A non-empty owner is sent
// with every request.
func NewTestClient(baseURL, owner string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		Owner:   owner,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorCode returns the error code of an error response.
func (r *Response) ErrorCode() string {
	var e server.ErrorResponse
	if err := r.JSON(&e); err != nil {
		return ""
	}
	return e.Error.Code
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *TestClient) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Owner != "" {
		req.Header.Set(server.OwnerHeader, c.Owner)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

func decode[T any](resp *Response, err error) (T, error) {
	var v T
	if err != nil {
		return v, err
	}
	if !resp.IsSuccess() {
		return v, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, resp.String())
	}
	if err := resp.JSON(&v); err != nil {
		return v, fmt.Errorf("failed to decode response: %w", err)
	}
	return v, nil
}

// ---- Session Helpers ----

// CreateSession creates a session for the client's owner.
func (c *TestClient) CreateSession(ctx context.Context) (*types.Session, error) {
	return decode[*types.Session](c.Post(ctx, "/sessions", nil))
}

// GetSession fetches one session.
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return decode[*types.Session](c.Get(ctx, "/sessions/"+sessionID))
}

// ListSessions lists the owner's sessions.
func (c *TestClient) ListSessions(ctx context.Context) ([]types.Session, error) {
	return decode[[]types.Session](c.Get(ctx, "/sessions"))
}

// DeleteSession disconnects a session, wiping it when wipe is set.
func (c *TestClient) DeleteSession(ctx context.Context, sessionID string, wipe bool) error {
	path := "/sessions/" + sessionID
	if wipe {
		path += "?wipe=true"
	}
	_, err := decode[map[string]any](c.Delete(ctx, path))
	return err
}

// ---- Conversation Helpers ----

// SendResult is the body of a successful message send.
type SendResult struct {
	Conversation types.Conversation `json:"conversation"`
	Inbound      types.Message      `json:"inbound"`
	Reply        types.Message      `json:"reply"`
	Messages     []types.Message    `json:"messages"`
}

// CreateConversation creates an assistant conversation.
func (c *TestClient) CreateConversation(ctx context.Context, sessionID, name string) (*types.Conversation, error) {
	return decode[*types.Conversation](c.Post(ctx, "/sessions/"+sessionID+"/conversations", map[string]string{"name": name}))
}

// ListConversations lists a session's conversations.
func (c *TestClient) ListConversations(ctx context.Context, sessionID string) ([]types.Conversation, error) {
	return decode[[]types.Conversation](c.Get(ctx, "/sessions/"+sessionID+"/conversations"))
}

// SendMessage simulates an inbound message and returns the exchange.
func (c *TestClient) SendMessage(ctx context.Context, sessionID, conversationID, text string) (*SendResult, error) {
	return decode[*SendResult](c.Post(ctx, conversationPath(sessionID, conversationID)+"/messages", map[string]string{"text": text}))
}

// SendDirect sends an outbound message through the transport.
func (c *TestClient) SendDirect(ctx context.Context, sessionID, conversationID, text string) (*types.Message, error) {
	return decode[*types.Message](c.Post(ctx, conversationPath(sessionID, conversationID)+"/send", map[string]string{"text": text}))
}

// ListMessages returns a conversation's ordered history.
func (c *TestClient) ListMessages(ctx context.Context, sessionID, conversationID string) ([]types.Message, error) {
	return decode[[]types.Message](c.Get(ctx, conversationPath(sessionID, conversationID)+"/messages"))
}

func conversationPath(sessionID, conversationID string) string {
	return "/sessions/" + sessionID + "/conversations/" + conversationID
}
