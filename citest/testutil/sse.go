package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSEEvent represents a single Server-Sent Event from the bridge. The
// bridge writes every event with the SSE name "message" and carries the
// UI event type inside the JSON payload; heartbeat comments surface
// here with Type "heartbeat" and no data.
type SSEEvent struct {
	Type string
	Data json.RawMessage
}

// DecodeProperties unmarshals the event's properties into v
func (e SSEEvent) DecodeProperties(v interface{}) error {
	if e.Data == nil {
		return fmt.Errorf("event %q has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// uiPayload mirrors the bridge's event envelope
type uiPayload struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SSEClient connects to an SSE endpoint and collects events
type SSEClient struct {
	resp   *http.Response
	cancel context.CancelFunc
	events chan SSEEvent
	errors chan error
	done   chan struct{}
	once   sync.Once
}

// NewSSEClient connects to the given SSE URL and starts reading events
func NewSSEClient(ctx context.Context, url string) (*SSEClient, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	c := &SSEClient{
		resp:   resp,
		cancel: cancel,
		events: make(chan SSEEvent, 100),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop parses the SSE stream until the connection closes
func (c *SSEClient) readLoop() {
	defer close(c.done)
	defer c.resp.Body.Close()

	scanner := bufio.NewScanner(c.resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line terminates one event
			if data.Len() > 0 {
				c.emit(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// Comment line; the bridge uses these as heartbeats
			c.push(SSEEvent{Type: "heartbeat"})
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// "event:" and other fields carry no information here; the
			// bridge names everything "message"
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case c.errors <- err:
		default:
		}
	}
}

// emit decodes one event payload and pushes it to the channel
func (c *SSEClient) emit(raw string) {
	var payload uiPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		select {
		case c.errors <- fmt.Errorf("invalid event payload: %w", err):
		default:
		}
		return
	}
	c.push(SSEEvent{Type: payload.Type, Data: payload.Properties})
}

func (c *SSEClient) push(e SSEEvent) {
	select {
	case c.events <- e:
	default:
		// Tests that stop draining lose events rather than block the reader
	}
}

// Events returns the event channel
func (c *SSEClient) Events() <-chan SSEEvent {
	return c.events
}

// WaitForEvent waits for an event of the given type, discarding others
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case e := <-c.events:
			if e.Type == eventType {
				return e, nil
			}
		case err := <-c.errors:
			return SSEEvent{}, fmt.Errorf("stream error while waiting for %q: %w", eventType, err)
		case <-c.done:
			return SSEEvent{}, fmt.Errorf("stream closed while waiting for %q", eventType)
		case <-deadline:
			return SSEEvent{}, fmt.Errorf("timeout waiting for event %q", eventType)
		}
	}
}

// CollectEvents gathers every event seen within the duration
func (c *SSEClient) CollectEvents(duration time.Duration) []SSEEvent {
	var events []SSEEvent
	deadline := time.After(duration)
	for {
		select {
		case e := <-c.events:
			events = append(events, e)
		case <-c.done:
			return events
		case <-deadline:
			return events
		}
	}
}

// Close terminates the SSE connection
func (c *SSEClient) Close() {
	c.once.Do(func() {
		c.cancel()
		<-c.done
	})
}

// HasEventType reports whether events contains at least one event of
// the given type
func HasEventType(events []SSEEvent, eventType string) bool {
	for _, e := range events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// CountEventType counts events of the given type
func CountEventType(events []SSEEvent, eventType string) int {
	count := 0
	for _, e := range events {
		if e.Type == eventType {
			count++
		}
	}
	return count
}
