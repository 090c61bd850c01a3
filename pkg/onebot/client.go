// Package onebot implements the platform A connection manager: a persistent
// duplex WebSocket carrying JSON action frames correlated by echo ids, plus
// the adapter translating wire frames into the neutral event algebra.
package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

var (
	// ErrDisconnected means the transport is not available; send callers fail
	// fast and may re-enqueue through the retry queue.
	ErrDisconnected = errors.New("onebot: transport disconnected")
	// ErrTimeout means the peer did not answer a correlated action in time.
	ErrTimeout = errors.New("onebot: action response timeout")
	// ErrActionFailed means the peer answered with a non-ok status.
	ErrActionFailed = errors.New("onebot: action failed")
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config is the per-connection configuration for platform A.
type Config struct {
	URL            string
	AccessToken    string
	ReconnectDelay time.Duration
	RPCTimeout     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 5 * time.Second
	}
	if out.RPCTimeout <= 0 {
		out.RPCTimeout = 30 * time.Second
	}
	return out
}

// ActionResponse is a correlated reply to an outbound action frame.
type ActionResponse struct {
	Status  string
	Retcode int
	Data    gjson.Result
}

// Ok reports whether the peer accepted the action.
func (r *ActionResponse) Ok() bool {
	return r.Status == "ok" || r.Status == "async"
}

type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   uint64 `json:"echo"`
}

// Client is the Variant W connection manager. All writes are serialized
// through a single writer goroutine; incoming frames with an echo field are
// routed to the waiting caller, everything else is parsed as an event.
type Client struct {
	log        zerolog.Logger
	cfg        Config
	httpClient *http.Client
	handler    func(message.Event)

	echo  atomic.Uint64
	state atomic.Int32

	mu      sync.Mutex
	waiters map[uint64]chan *ActionResponse
	conn    *websocket.Conn
	writeCh chan []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient builds a disconnected client. httpClient carries the optional
// proxy/TLS settings and is used for the WebSocket dial.
func NewClient(log zerolog.Logger, cfg Config, httpClient *http.Client) *Client {
	return &Client{
		log: log.With().
			Str("component", "onebot").
			Str("conn_id", xid.New().String()).
			Logger(),
		cfg:        cfg.withDefaults(),
		httpClient: httpClient,
		waiters:    make(map[uint64]chan *ActionResponse),
	}
}

// SetEventHandler installs the parsed-event callback. Must be called before
// Connect.
func (c *Client) SetEventHandler(f func(message.Event)) {
	c.handler = f
}

// IsConnected reports whether the transport is currently up.
func (c *Client) IsConnected() bool {
	return State(c.state.Load()) == StateConnected
}

// Connect spawns the transport task. Idempotent while running.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
}

// Disconnect terminally stops the transport, failing all in-flight callers.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.state.Store(int32(StateDisconnected))
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.failAllWaiters()
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			c.state.Store(int32(StateReconnecting))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.ReconnectDelay):
			}
		}
		first = false

		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("url", c.cfg.URL).Msg("WebSocket dial failed")
			continue
		}
		c.state.Store(int32(StateConnected))
		c.log.Info().Str("url", c.cfg.URL).Msg("WebSocket connected")

		c.serve(ctx, conn)
		// serve only returns on transport error or cancellation.
		c.failAllWaiters()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Msg("WebSocket connection lost, scheduling reconnect")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.cfg.AccessToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.AccessToken}}
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(16 * 1024 * 1024)
	return conn, nil
}

// serve owns one established connection: a writer goroutine drains writeCh
// while this goroutine reads frames until the transport dies.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeCh := make(chan []byte, 64)
	c.mu.Lock()
	c.conn = conn
	c.writeCh = writeCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.writeCh = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case frame := <-writeCh:
				if err := conn.Write(connCtx, websocket.MessageText, frame); err != nil {
					c.log.Warn().Err(err).Msg("WebSocket write failed")
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame classifies one inbound frame: echoed frames go to their waiter,
// everything else is parsed as an event. Parse failures are logged and
// dropped, never fatal.
func (c *Client) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		c.log.Warn().Str("frame", truncate(string(data), 256)).Msg("Dropping non-JSON frame")
		return
	}
	echo := gjson.GetBytes(data, "echo")
	if echo.Exists() {
		resp := &ActionResponse{
			Status:  gjson.GetBytes(data, "status").String(),
			Retcode: int(gjson.GetBytes(data, "retcode").Int()),
			Data:    gjson.GetBytes(data, "data"),
		}
		c.deliverResponse(echo.Uint(), resp)
		return
	}
	evt := ParseEvent(data)
	if evt == nil {
		return
	}
	if unknown, ok := evt.(*message.UnknownEvent); ok {
		c.log.Debug().Str("frame", truncate(unknown.Raw, 256)).Msg("Unclassified frame")
	}
	if c.handler != nil {
		c.handler(evt)
	}
}

func (c *Client) deliverResponse(echo uint64, resp *ActionResponse) {
	c.mu.Lock()
	waiter, ok := c.waiters[echo]
	if ok {
		delete(c.waiters, echo)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Uint64("echo", echo).Msg("Response for unknown echo id")
		return
	}
	waiter <- resp
}

func (c *Client) failAllWaiters() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[uint64]chan *ActionResponse)
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// SendAction writes an action frame and suspends until the matched response
// arrives, the RPC timeout fires, or the transport drops. The waiter is
// registered before the frame is queued so a sub-millisecond response can
// never race past it.
func (c *Client) SendAction(ctx context.Context, action string, params any) (*ActionResponse, error) {
	c.mu.Lock()
	writeCh := c.writeCh
	if writeCh == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	echo := c.echo.Add(1)
	waiter := make(chan *ActionResponse, 1)
	c.waiters[echo] = waiter
	c.mu.Unlock()

	frame, err := json.Marshal(actionRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		c.dropWaiter(echo)
		return nil, err
	}

	select {
	case writeCh <- frame:
	case <-ctx.Done():
		c.dropWaiter(echo)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(c.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrDisconnected
		}
		if !resp.Ok() {
			return resp, fmt.Errorf("%w: %s (retcode %d)", ErrActionFailed, action, resp.Retcode)
		}
		return resp, nil
	case <-timer.C:
		c.dropWaiter(echo)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, action)
	case <-ctx.Done():
		c.dropWaiter(echo)
		return nil, ctx.Err()
	}
}

func (c *Client) dropWaiter(echo uint64) {
	c.mu.Lock()
	delete(c.waiters, echo)
	c.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
