package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one client frame as received by the fake backend.
type Frame map[string]any

// Type returns the frame's type tag.
func (f Frame) Type() string {
	t, _ := f["type"].(string)
	return t
}

// Str returns a string field of the frame.
func (f Frame) Str(key string) string {
	v, _ := f[key].(string)
	return v
}

// HistoryEntry is one conversation entry replayed on a handshake reply.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FakeBackend is an in-process stand-in for the backend bridge: a
// websocket server that records every client frame and answers with
// scripted frame sequences from a scenario. One client connection is
// served at a time; reconnects replace the previous connection.
type FakeBackend struct {
	server   *httptest.Server
	scenario *ScenarioConfig
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	frames    []Frame
	conns     int
	threads   map[string]bool
	runSeq    int
	threadSeq int
	runCorr   map[string]map[string]any
	history   map[string][]HistoryEntry

	writeMu sync.Mutex
}

// NewFakeBackend starts a fake backend with the given scenario. A nil
// scenario uses DefaultScenario.
func NewFakeBackend(scenario *ScenarioConfig) *FakeBackend {
	if scenario == nil {
		scenario = DefaultScenario()
	}
	b := &FakeBackend{
		scenario: scenario,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		threads: make(map[string]bool),
		runCorr: make(map[string]map[string]any),
		history: make(map[string][]HistoryEntry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/channel", b.handleChannel)
	b.server = httptest.NewServer(mux)
	return b
}

// URL returns the websocket endpoint clients should dial.
func (b *FakeBackend) URL() string {
	return strings.Replace(b.server.URL, "http://", "ws://", 1) + "/channel"
}

// Close drops the active connection and shuts the server down.
func (b *FakeBackend) Close() {
	b.DropConnections()
	b.server.Close()
}

// SetHistory stages a conversation history for a document; the next
// handshake for that path replays it on the status reply.
func (b *FakeBackend) SetHistory(notebookPath string, entries []HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[notebookPath] = entries
}

// Frames returns a copy of every recorded client frame.
func (b *FakeBackend) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// FramesOfType returns recorded frames with the given type tag.
func (b *FakeBackend) FramesOfType(frameType string) []Frame {
	var out []Frame
	for _, f := range b.Frames() {
		if f.Type() == frameType {
			out = append(out, f)
		}
	}
	return out
}

// WaitForFrame waits until a frame of the given type has been received,
// skipping the first `skip` matches, and returns it.
func (b *FakeBackend) WaitForFrame(frameType string, skip int, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		matches := b.FramesOfType(frameType)
		if len(matches) > skip {
			return matches[skip], nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("timeout waiting for %q frame", frameType)
}

// ConnectionCount returns how many websocket connections were accepted.
func (b *FakeBackend) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns
}

// DropConnections closes the active connection, forcing the client
// through its reconnect path.
func (b *FakeBackend) DropConnections() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Push sends an arbitrary backend frame to the connected client. The
// map is marshaled as-is; callers include type and protocolVersion.
func (b *FakeBackend) Push(frame map[string]any) error {
	return b.write(frame)
}

func (b *FakeBackend) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.conns++
	b.mu.Unlock()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		b.mu.Lock()
		b.frames = append(b.frames, frame)
		b.mu.Unlock()

		b.react(frame)
	}
}

// react produces the scripted reply for one client frame. Scenario
// playback runs on its own goroutine so slow scripts never block the
// read loop.
func (b *FakeBackend) react(frame Frame) {
	switch frame.Type() {
	case "start_session":
		b.ackStartSession(frame)
	case "send":
		corr := b.beginRun(frame)
		steps := b.scenario.Resolve(frame.Str("content"))
		go b.play(steps, corr)
	case "cancel":
		b.ackCancel(frame)
	case "delete_all_sessions":
		b.ackDeleteAll()
	case "refresh_rate_limits":
		b.pushRateLimits()
	}
}

// ackStartSession answers a handshake with a ready status carrying the
// resolved thread id, pairing metadata, and any staged history.
func (b *FakeBackend) ackStartSession(frame Frame) {
	thread := frame.Str("sessionId")
	force, _ := frame["forceNewThread"].(bool)

	b.mu.Lock()
	if thread == "" || force {
		b.threadSeq++
		thread = fmt.Sprintf("thr-%d", b.threadSeq)
	}
	b.threads[thread] = true
	history := b.history[frame.Str("notebookPath")]
	delete(b.history, frame.Str("notebookPath"))
	b.mu.Unlock()

	reply := map[string]any{
		"type":              "status",
		"protocolVersion":   "1.0.0",
		"state":             "ready",
		"sessionId":         thread,
		"sessionContextKey": frame.Str("sessionContextKey"),
		"notebookPath":      frame.Str("notebookPath"),
		"pairedOk":          true,
		"notebookMode":      "jupytext_py",
		"runMode":           "resume",
	}
	if len(history) > 0 {
		reply["history"] = history
	}
	b.write(reply)
}

// beginRun mints a run id for a prompt and remembers its correlation
// for the scripted frames and a later cancel.
func (b *FakeBackend) beginRun(frame Frame) map[string]any {
	b.mu.Lock()
	b.runSeq++
	runID := fmt.Sprintf("run-%d", b.runSeq)
	corr := map[string]any{
		"runId":             runID,
		"sessionId":         frame.Str("sessionId"),
		"sessionContextKey": frame.Str("sessionContextKey"),
		"notebookPath":      frame.Str("notebookPath"),
	}
	b.runCorr[runID] = corr
	b.mu.Unlock()
	return corr
}

// play writes one scripted frame per step, stamped with the run's
// correlation.
func (b *FakeBackend) play(steps []Step, corr map[string]any) {
	delay := time.Duration(b.scenario.Settings.StepDelayMS) * time.Millisecond
	for _, step := range steps {
		if step.DelayMS > 0 {
			time.Sleep(time.Duration(step.DelayMS) * time.Millisecond)
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		frame := map[string]any{
			"type":            step.Frame,
			"protocolVersion": "1.0.0",
		}
		for k, v := range corr {
			frame[k] = v
		}

		switch step.Frame {
		case "status":
			frame["state"] = step.State
		case "output":
			frame["text"] = step.Text
			if step.Role != "" {
				frame["role"] = step.Role
			}
		case "event":
			frame["payload"] = step.Payload
		case "error":
			frame["message"] = step.Message
		case "done":
			frame["exitCode"] = step.ExitCode
			if step.Cancelled {
				frame["cancelled"] = true
			}
			if step.FileChanged {
				frame["fileChanged"] = true
			}
		}
		b.write(frame)
	}
}

// ackCancel retires the named run with a cancelled done frame.
func (b *FakeBackend) ackCancel(frame Frame) {
	runID := frame.Str("runId")
	b.mu.Lock()
	corr := b.runCorr[runID]
	delete(b.runCorr, runID)
	b.mu.Unlock()

	reply := map[string]any{
		"type":            "done",
		"protocolVersion": "1.0.0",
		"runId":           runID,
		"exitCode":        nil,
		"cancelled":       true,
	}
	for k, v := range corr {
		reply[k] = v
	}
	b.write(reply)
}

func (b *FakeBackend) ackDeleteAll() {
	b.mu.Lock()
	deleted := len(b.threads)
	b.threads = make(map[string]bool)
	b.mu.Unlock()

	b.write(map[string]any{
		"type":            "delete_all_sessions",
		"protocolVersion": "1.0.0",
		"ok":              true,
		"deletedCount":    deleted,
		"failedCount":     0,
	})
}

func (b *FakeBackend) pushRateLimits() {
	b.write(map[string]any{
		"type":            "rate_limits",
		"protocolVersion": "1.0.0",
		"snapshot": map[string]any{
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
			"primary":   map[string]any{"usedPercent": 37.5, "windowMinutes": 300},
			"contextWindow": map[string]any{
				"windowTokens": 272000,
				"usedTokens":   12000,
				"leftTokens":   260000,
				"usedPercent":  4.4,
			},
		},
	})
}

func (b *FakeBackend) write(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
