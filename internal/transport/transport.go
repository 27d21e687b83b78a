// Package transport maintains the websocket channel to the backend
// bridge. The client dials, hands every inbound frame to the intake
// queue, and re-dials with exponential backoff when the connection
// drops. Outbound sends are fire-and-forget: a send either reaches the
// socket buffer or fails immediately, it is never retried here.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/nbcodex-ai/nbcodex/internal/event"
	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
)

// State is the connection state of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	// DialTimeout bounds one connection attempt.
	DialTimeout = 10 * time.Second
	// WriteTimeout bounds one frame write.
	WriteTimeout = 10 * time.Second
	// ReconnectInitialInterval is the first retry delay after a drop.
	ReconnectInitialInterval = time.Second
	// ReconnectMaxInterval caps the retry delay.
	ReconnectMaxInterval = 30 * time.Second
)

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("transport: not connected")

// Config holds the collaborators and endpoint for a Client.
type Config struct {
	// URL is the websocket endpoint of the backend bridge.
	URL string
	// OnFrame receives every inbound frame, on the reader goroutine.
	// Implementations must not block; the intake queue's Push is the
	// intended handler.
	OnFrame func(frame []byte)
	// OnConnect runs after every successful dial, before the read loop
	// starts. The engine re-issues its session handshakes here.
	OnConnect func()
	// Bus receives transport.state events. Nil uses the process bus.
	Bus *event.Bus
}

// newReconnectBackoff builds the retry schedule for re-dialing the
// bridge: exponential with jitter, capped, and never giving up. The
// backend owns its own lifetime; the client's job is to be attached
// whenever the backend is reachable.
func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectInitialInterval
	b.MaxInterval = ReconnectMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return b
}

// Client is one attachment to the backend bridge.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	attempt int

	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewClient builds a client. Call Start to begin connecting.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:   cfg,
		state: StateDisconnected,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the connect loop. Safe to call once.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.run()
	})
}

// Stop closes the connection and halts reconnection. It waits for the
// connect loop to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.closeConn()
	})
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one frame to the bridge. It implements the engine's
// Sender: delivery is not awaited and there is no retry; callers that
// need the frame to arrive re-issue it from their OnConnect handshake.
func (c *Client) Send(msg protocol.Outbound) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// run owns the dial/read/re-dial cycle until Stop.
func (c *Client) run() {
	defer close(c.done)
	retry := newReconnectBackoff()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.setState(StateDisconnected)
			wait := retry.NextBackOff()
			logging.Debug().Err(err).Str("url", c.cfg.URL).Dur("retryIn", wait).
				Msg("Backend bridge unreachable")
			select {
			case <-c.stop:
				return
			case <-time.After(wait):
			}
			continue
		}

		select {
		case <-c.stop:
			conn.Close()
			c.setState(StateDisconnected)
			return
		default:
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		retry.Reset()
		logging.Info().Str("url", c.cfg.URL).Msg("Connected to backend bridge")

		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}

		c.readLoop(conn)

		c.closeConn()
		c.setState(StateDisconnected)
		select {
		case <-c.stop:
			return
		default:
			logging.Warn().Str("url", c.cfg.URL).Msg("Backend bridge connection lost")
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DialTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	return conn, err
}

// readLoop delivers inbound frames until the connection errors out.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(data)
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	if next == StateConnecting {
		c.attempt++
	}
	if next == StateConnected {
		c.attempt = 0
	}
	attempt := c.attempt
	c.mu.Unlock()

	c.publish(event.Event{
		Type: event.TransportState,
		Data: event.TransportStateData{Connected: next == StateConnected, Attempt: attempt},
	})
}

func (c *Client) publish(ev event.Event) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(ev)
		return
	}
	event.Publish(ev)
}
