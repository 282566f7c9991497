package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/johan/tokenfeed/internal/loop"
	"github.com/johan/tokenfeed/internal/metrics"
	"github.com/johan/tokenfeed/internal/types"
)

const (
	// DefaultWSURL is the default WebSocket URL for the token trading feed.
	DefaultWSURL = "wss://pumpportal.fun/api/data"

	// Default reconnection parameters
	defaultBaseDelay    = 5 * time.Second
	defaultGrowthFactor = 1.5
	defaultMaxAttempts  = 5

	defaultHandshakeTimeout = 10 * time.Second
)

// ErrNotConnected is returned when a control frame is sent while the socket
// is not open.
var ErrNotConnected = errors.New("not connected")

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ReconnectConfig configures the reconnection behavior.
type ReconnectConfig struct {
	BaseDelay    time.Duration
	GrowthFactor float64
	MaxAttempts  int
}

// DefaultReconnectConfig returns the default reconnection configuration.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:    defaultBaseDelay,
		GrowthFactor: defaultGrowthFactor,
		MaxAttempts:  defaultMaxAttempts,
	}
}

// Delay returns the wait before reconnect attempt n (1-indexed):
// BaseDelay * GrowthFactor^(n-1).
func (c ReconnectConfig) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(c.BaseDelay) * math.Pow(c.GrowthFactor, float64(n-1)))
}

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// keepaliveConn is implemented by *websocket.Conn.
type keepaliveConn interface {
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// NewDialer returns a DialFunc backed by gorilla/websocket.
func NewDialer(handshakeTimeout time.Duration) DialFunc {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Handler receives every successfully decoded event. It runs on the loop.
type Handler func(event types.Event)

// Client owns the single feed connection. All of its mutable state is
// touched only from loop tasks; State, Attempts and Exhausted are mirrored
// atomically for readers on other goroutines.
type Client struct {
	url          string
	runner       loop.Runner
	handler      Handler
	dial         DialFunc
	reconnect    ReconnectConfig
	log          zerolog.Logger
	pingInterval time.Duration
	readTimeout  time.Duration
	onOpen       func()
	onClose      func(err error)

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	status   State
	conn     Conn
	stopPing chan struct{}
	gen      uint64
	attempts int
	manual   bool
	retry    loop.Timer

	state     atomic.Int32
	attemptsN atomic.Int32
	exhausted atomic.Bool
}

// NewClient creates a new feed client that runs on runner.
func NewClient(runner loop.Runner, handler Handler) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:       DefaultWSURL,
		runner:    runner,
		handler:   handler,
		dial:      NewDialer(defaultHandshakeTimeout),
		reconnect: DefaultReconnectConfig(),
		log:       zerolog.Nop(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithURL sets a custom WebSocket URL.
func (c *Client) WithURL(url string) *Client {
	c.url = url
	return c
}

// WithReconnectConfig sets the reconnection configuration.
func (c *Client) WithReconnectConfig(config ReconnectConfig) *Client {
	c.reconnect = config
	return c
}

// WithDialer replaces the network dialer.
func (c *Client) WithDialer(dial DialFunc) *Client {
	if dial != nil {
		c.dial = dial
	}
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(log zerolog.Logger) *Client {
	c.log = log.With().Str("component", "stream").Logger()
	return c
}

// WithKeepalive enables pings every interval and drops the connection when
// nothing is read for readTimeout. Zero disables either.
func (c *Client) WithKeepalive(interval, readTimeout time.Duration) *Client {
	c.pingInterval = interval
	c.readTimeout = readTimeout
	return c
}

// OnOpen registers a hook run on the loop after every successful open.
func (c *Client) OnOpen(f func()) *Client {
	c.onOpen = f
	return c
}

// OnClose registers a hook run on the loop after every close or failed dial.
func (c *Client) OnClose(f func(err error)) *Client {
	c.onClose = f
	return c
}

// Connect starts connecting. It is a no-op while connecting or connected.
func (c *Client) Connect() {
	c.runner.Post(c.connect)
}

// Disconnect closes the socket without scheduling a reconnect.
func (c *Client) Disconnect() {
	c.runner.Post(c.disconnect)
}

// Close disconnects and aborts any dial in progress. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	c.runner.Post(c.disconnect)
	c.cancel()
	return nil
}

// Shutdown is Close for callers already running on the loop.
func (c *Client) Shutdown() {
	c.disconnect()
	c.cancel()
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Attempts returns the consecutive failed connection count.
func (c *Client) Attempts() int { return int(c.attemptsN.Load()) }

// Exhausted reports whether automatic reconnection has given up.
func (c *Client) Exhausted() bool { return c.exhausted.Load() }

// SubscribeNewToken asks for new-token announcements. Loop only.
func (c *Client) SubscribeNewToken() error {
	return c.send(ControlMessage{Method: MethodSubscribeNewToken})
}

// SubscribeTokenTrade asks for trades of the given tokens. Loop only.
func (c *Client) SubscribeTokenTrade(tokenIDs []string) error {
	return c.send(ControlMessage{Method: MethodSubscribeTokenTrade, Keys: tokenIDs})
}

// GetTokenMetrics asks for metrics of the given tokens. Loop only.
func (c *Client) GetTokenMetrics(tokenIDs []string) error {
	return c.send(ControlMessage{Method: MethodGetTokenMetrics, Keys: tokenIDs})
}

func (c *Client) send(msg ControlMessage) error {
	if c.status != StateConnected || c.conn == nil {
		metrics.RecordControlFrame(msg.Method, false)
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", msg.Method, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		metrics.RecordControlFrame(msg.Method, false)
		return fmt.Errorf("writing %s message: %w", msg.Method, err)
	}

	metrics.RecordControlFrame(msg.Method, true)
	c.log.Debug().Str("method", msg.Method).Int("keys", len(msg.Keys)).Msg("control frame sent")
	return nil
}

func (c *Client) setState(s State) {
	c.status = s
	c.state.Store(int32(s))
	metrics.SetStreamState(int(s))
}

func (c *Client) connect() {
	if c.status != StateDisconnected {
		return
	}
	c.manual = false
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.dialNow()
}

func (c *Client) dialNow() {
	if c.ctx.Err() != nil {
		return
	}
	c.setState(StateConnecting)
	c.gen++
	gen := c.gen
	ctx := c.ctx
	url := c.url

	c.log.Info().Str("url", url).Int("attempt", c.attempts).Msg("ws connecting")
	go func() {
		conn, err := c.dial(ctx, url)
		if !c.runner.Post(func() { c.dialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) dialed(gen uint64, conn Conn, err error) {
	if gen != c.gen || c.status != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("ws dial failed")
		c.lost(err)
		return
	}

	c.conn = conn
	c.attempts = 0
	c.attemptsN.Store(0)
	c.exhausted.Store(false)
	metrics.SetStreamExhausted(false)
	c.setState(StateConnected)
	c.log.Info().Str("url", c.url).Msg("ws connected")

	c.stopPing = make(chan struct{})
	c.startKeepalive(conn, c.stopPing)
	go c.readLoop(gen, conn)

	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	ka, _ := conn.(keepaliveConn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.runner.Post(func() { c.closed(gen, err) })
			return
		}
		if ka != nil && c.readTimeout > 0 {
			_ = ka.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		if !c.runner.Post(func() { c.frame(gen, data) }) {
			return
		}
	}
}

func (c *Client) startKeepalive(conn Conn, stop <-chan struct{}) {
	ka, ok := conn.(keepaliveConn)
	if !ok {
		return
	}
	if c.readTimeout > 0 {
		_ = ka.SetReadDeadline(time.Now().Add(c.readTimeout))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
	}
	if c.pingInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := ka.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Client) frame(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	event, err := Decode(data, c.runner.Now())
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			metrics.RecordFrame("malformed")
			c.log.Warn().Err(err).Msg("dropping frame")
		} else {
			metrics.RecordFrame("unrecognized")
			c.log.Debug().Err(err).Msg("dropping frame")
		}
		return
	}
	metrics.RecordFrame("decoded")
	if c.handler != nil {
		c.handler(event)
	}
}

func (c *Client) closed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.dropConn()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info().Msg("ws closed by server")
	} else {
		c.log.Warn().Err(err).Msg("ws read failed")
	}
	c.lost(err)
}

func (c *Client) dropConn() {
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// lost handles a close or failed dial: the attempt counter is preserved and
// a reconnect is scheduled unless the ceiling has been reached.
func (c *Client) lost(err error) {
	c.setState(StateDisconnected)
	if c.onClose != nil {
		c.onClose(err)
	}
	if c.manual || c.ctx.Err() != nil {
		return
	}

	c.attempts++
	c.attemptsN.Store(int32(c.attempts))
	if c.attempts >= c.reconnect.MaxAttempts {
		c.exhausted.Store(true)
		metrics.SetStreamExhausted(true)
		c.log.Error().Int("attempts", c.attempts).Msg("reconnect attempts exhausted, staying disconnected")
		return
	}

	delay := c.reconnect.Delay(c.attempts)
	metrics.RecordReconnect()
	c.log.Warn().Int("attempt", c.attempts).Dur("delay", delay).Msg("ws disconnected, reconnecting")
	c.retry = c.runner.AfterFunc(delay, func() {
		c.retry = nil
		if c.status == StateDisconnected && !c.manual {
			c.dialNow()
		}
	})
}

func (c *Client) disconnect() {
	c.manual = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.gen++
	wasOpen := c.conn != nil
	c.dropConn()
	if c.status != StateDisconnected {
		c.setState(StateDisconnected)
	}
	if wasOpen {
		c.log.Info().Msg("ws disconnected")
	}
}
