package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/server"
)

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event decodes the frame into a session event.
func (evt *SSEEvent) Event() (event.Event, error) {
	var e event.Event
	err := json.Unmarshal(evt.Data, &e)
	return e, err
}

// SSEClient provides SSE client utilities for testing
type SSEClient struct {
	BaseURL    string
	Owner      string
	HTTPClient *http.Client

	mu       sync.Mutex
	events   []SSEEvent
	eventsCh chan SSEEvent
	errCh    chan error
	cancel   context.CancelFunc
	body     io.ReadCloser
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL, owner string) *SSEClient {
	return &SSEClient{
		BaseURL: baseURL,
		Owner:   owner,
		HTTPClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		eventsCh: make(chan SSEEvent, 100),
		errCh:    make(chan error, 1),
	}
}

// Connect opens the event stream of one session.
func (c *SSEClient) Connect(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.Owner != "" {
		req.Header.Set(server.OwnerHeader, c.Owner)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/event-stream") {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type: %s", contentType)
	}

	c.body = resp.Body

	go c.readEvents(resp.Body)

	return nil
}

func (c *SSEClient) readEvents(body io.Reader) {
	defer func() {
		close(c.eventsCh)
		close(c.errCh)
	}()

	reader := bufio.NewReader(body)
	var eventType string
	var eventData strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && err != context.Canceled {
				c.errCh <- err
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line = event complete
		if line == "" {
			if eventData.Len() > 0 {
				evt := SSEEvent{
					Type: eventType,
					Data: json.RawMessage(eventData.String()),
				}

				c.mu.Lock()
				c.events = append(c.events, evt)
				c.mu.Unlock()

				select {
				case c.eventsCh <- evt:
				default:
					// Channel full, drop event
				}
			}
			eventType = ""
			eventData.Reset()
			continue
		}

		// Comment (heartbeat)
		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			eventData.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// WaitForEvent waits for a specific event type with timeout
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	return c.WaitFor(timeout, func(evt SSEEvent) bool { return evt.Type == eventType })
}

// WaitForStatus waits for a status event carrying status.
func (c *SSEClient) WaitForStatus(status string, timeout time.Duration) (*SSEEvent, error) {
	return c.WaitFor(timeout, func(evt SSEEvent) bool {
		if evt.Type != string(event.Status) {
			return false
		}
		e, err := evt.Event()
		if err != nil {
			return false
		}
		data, ok := e.Data.(event.StatusData)
		return ok && string(data.Status) == status
	})
}

// WaitFor waits for the first event matching match.
func (c *SSEClient) WaitFor(timeout time.Duration, match func(SSEEvent) bool) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			if match(evt) {
				return &evt, nil
			}
		case err, ok := <-c.errCh:
			if ok {
				return nil, err
			}
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event")
		}
	}
}

// GetAllEvents returns all received events
func (c *SSEClient) GetAllEvents() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]SSEEvent, len(c.events))
	copy(result, c.events)
	return result
}

// CountEventType counts events of a specific type
func (c *SSEClient) CountEventType(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, evt := range c.events {
		if evt.Type == eventType {
			count++
		}
	}
	return count
}

// Close closes the SSE connection
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.body != nil {
		c.body.Close()
	}
}
