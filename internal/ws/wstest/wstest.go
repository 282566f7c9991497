// Package wstest provides an in-memory feed socket for tests.
package wstest

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrDialRefused is returned by a Dialer told to fail.
var ErrDialRefused = errors.New("wstest: dial refused")

// Conn is a fake socket. Frames pushed with Push are returned by
// ReadMessage; frames written by the client are recorded.
type Conn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []string
}

// NewConn returns an open connection.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// ReadMessage blocks until a frame is pushed or the connection is closed.
func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "closed"}
	}
}

// WriteMessage records data.
func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, string(data))
	c.mu.Unlock()
	return nil
}

// Close closes the connection. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Push queues an inbound frame. It reports false once closed.
func (c *Conn) Push(frame string) bool {
	select {
	case <-c.closed:
		return false
	case c.inbound <- []byte(frame):
		return true
	}
}

// Writes returns every frame the client wrote, in order.
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out Conns and can be told to refuse.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	refuse  bool
	urls    []string
	release chan struct{}
}

// NewDialer returns a dialer that accepts every dial.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial opens a new Conn unless the dialer refuses.
func (d *Dialer) Dial(ctx context.Context, url string) (*Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	refuse := d.refuse
	release := d.release
	d.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if refuse {
		return nil, ErrDialRefused
	}
	c := NewConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Refuse makes later dials fail (true) or succeed (false).
func (d *Dialer) Refuse(refuse bool) {
	d.mu.Lock()
	d.refuse = refuse
	d.mu.Unlock()
}

// Hold makes later dials wait until the returned func is called.
func (d *Dialer) Hold() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.release = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.release = nil
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conns returns every successful connection, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}
