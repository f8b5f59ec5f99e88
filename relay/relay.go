// Package relay is the client side of the network relay: one WebSocket
// channel to a proxy, multiplexing many logical connections identified by
// a small integer id, framed as JSON with base64 payloads. No example repo
// in the pack has a network layer of its own; this is built in the
// teacher's idiom — small hand-rolled structs guarded by a mutex, no
// generic job-queue or connection-pool library — over the wire shape
// spec.md §6 names and the open/poll/close semantics confirmed by the
// guest's own lwnet driver in original_source/linux-wasm.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"nhooyr.io/websocket"

	"github.com/linuxwasm/hostrt/bridge"
)

// frameType is the `t` field of every wire frame, per spec.md §6.
type frameType string

const (
	frameOpen   frameType = "open"
	frameOpened frameType = "opened"
	frameWrite  frameType = "write"
	frameData   frameType = "data"
	frameClose  frameType = "close"
	frameClosed frameType = "closed"
	frameError  frameType = "error"
)

// frame is the JSON shape carried over the single WebSocket channel.
type frame struct {
	Type frameType `json:"t"`
	ID   int32     `json:"id"`
	Host string    `json:"host,omitempty"`
	Port int32     `json:"port,omitempty"`
	B64  string    `json:"b64,omitempty"`
	Msg  string    `json:"msg,omitempty"`
}

type connState int

const (
	statePendingOpen connState = iota
	stateOpen
	stateClosed
	stateErrored
)

type connection struct {
	mu    sync.Mutex
	state connState
	rxBuf []byte
	err   error

	opened chan struct{}
	data   chan struct{}
}

func newConnection() *connection {
	return &connection{
		state:  statePendingOpen,
		opened: make(chan struct{}),
		data:   make(chan struct{}, 1),
	}
}

func (c *connection) notifyData() {
	select {
	case c.data <- struct{}{}:
	default:
	}
}

// Config controls Client behavior.
type Config struct {
	URL string
	// MaxConnections caps concurrently open connections; zero means no
	// cap (spec.md §9 leaves the policy undecided, so this defaults to
	// not guessing the proxy's limit for it).
	MaxConnections int
	// OpenTimeout bounds how long Open waits for an "opened" frame.
	OpenTimeout time.Duration
	// AuthToken, if set, is injected into the channel URL as a "token"
	// query parameter before dialing, per spec.md §4.4.
	AuthToken string
	L         hclog.Logger
}

// Client is one relay connection to the proxy, multiplexing many logical
// connections over it. It implements bridge.NetworkBackend.
type Client struct {
	cfg Config
	l   hclog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	conns    map[int32]*connection
	nextID   int32
	connecting sync.Mutex // single-flight guard around (re)connect

	dialCtx context.Context
	dialURL string
}

var _ bridge.NetworkBackend = (*Client)(nil)

// NewClient creates a client that dials lazily on first use.
func NewClient(ctx context.Context, cfg Config) *Client {
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.L == nil {
		cfg.L = hclog.NewNullLogger()
	}

	return &Client{
		cfg:     cfg,
		l:       cfg.L,
		conns:   make(map[int32]*connection),
		dialCtx: ctx,
		dialURL: withAuthToken(cfg.URL, cfg.AuthToken),
	}
}

// withAuthToken splices token into raw's query string as "token", leaving
// raw untouched if token is empty or raw doesn't parse as a URL.
func withAuthToken(raw, token string) string {
	if token == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String()
}

// ensureConnected dials the relay if no connection is currently live. Only
// one goroutine dials at a time; the rest wait for it.
func (c *Client) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	c.connecting.Lock()
	defer c.connecting.Unlock()

	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.dialURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial relay")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	return conn, nil
}

// readLoop owns the single receive side of the socket for its lifetime;
// on any read error every pending and open connection is fanned out a
// closed/errored transition, since a channel loss affects all of them.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.l.Warn("relay channel lost", "error", err)
			c.onChannelLost(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.l.Warn("relay frame decode failed", "error", err)
			continue
		}

		c.dispatch(f)
	}
}

func (c *Client) onChannelLost(err error) {
	c.mu.Lock()
	c.conn = nil
	conns := c.conns
	c.conns = make(map[int32]*connection)
	c.mu.Unlock()

	for _, cn := range conns {
		cn.mu.Lock()
		cn.state = stateErrored
		cn.err = err
		cn.mu.Unlock()

		select {
		case <-cn.opened:
		default:
			close(cn.opened)
		}
		cn.notifyData()
	}
}

func (c *Client) dispatch(f frame) {
	c.mu.Lock()
	cn := c.conns[f.ID]
	c.mu.Unlock()

	if cn == nil {
		return
	}

	switch f.Type {
	case frameOpened:
		cn.mu.Lock()
		cn.state = stateOpen
		cn.mu.Unlock()
		close(cn.opened)

	case frameData:
		payload, err := base64.StdEncoding.DecodeString(f.B64)
		if err != nil {
			return
		}
		cn.mu.Lock()
		cn.rxBuf = append(cn.rxBuf, payload...)
		cn.mu.Unlock()
		cn.notifyData()

	case frameClosed:
		cn.mu.Lock()
		cn.state = stateClosed
		cn.mu.Unlock()
		cn.notifyData()

	case frameError:
		cn.mu.Lock()
		cn.state = stateErrored
		cn.err = errors.New(f.Msg)
		cn.mu.Unlock()
		select {
		case <-cn.opened:
		default:
			close(cn.opened)
		}
		cn.notifyData()
	}
}

func (c *Client) send(ctx context.Context, f frame) error {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode relay frame")
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// Open implements bridge.NetworkBackend.
func (c *Client) Open(ctx context.Context, host string, port int32) (int32, error) {
	c.mu.Lock()
	if c.cfg.MaxConnections > 0 && len(c.conns) >= c.cfg.MaxConnections {
		c.mu.Unlock()
		return 0, errors.New("relay: connection limit reached")
	}
	id := c.nextID
	c.nextID++
	cn := newConnection()
	c.conns[id] = cn
	c.mu.Unlock()

	if err := c.send(ctx, frame{Type: frameOpen, ID: id, Host: host, Port: port}); err != nil {
		c.mu.Lock()
		delete(c.conns, id)
		c.mu.Unlock()
		return 0, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	select {
	case <-cn.opened:
	case <-timeoutCtx.Done():
		c.mu.Lock()
		delete(c.conns, id)
		c.mu.Unlock()
		return 0, errors.New("relay: open timed out")
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.state == stateErrored {
		return 0, cn.err
	}

	return id, nil
}

func (c *Client) lookup(id int32) *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

// Write implements bridge.NetworkBackend.
func (c *Client) Write(ctx context.Context, id int32, p []byte) (int, error) {
	cn := c.lookup(id)
	if cn == nil {
		return 0, errors.New("relay: unknown connection")
	}

	err := c.send(ctx, frame{Type: frameWrite, ID: id, B64: base64.StdEncoding.EncodeToString(p)})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Read implements bridge.NetworkBackend: returns whatever data has arrived
// so far, blocking until there is some or the connection closes/errors.
func (c *Client) Read(ctx context.Context, id int32, p []byte) (int, error) {
	cn := c.lookup(id)
	if cn == nil {
		return 0, errors.New("relay: unknown connection")
	}

	for {
		cn.mu.Lock()
		if len(cn.rxBuf) > 0 {
			n := copy(p, cn.rxBuf)
			cn.rxBuf = cn.rxBuf[n:]
			cn.mu.Unlock()
			return n, nil
		}
		state := cn.state
		err := cn.err
		cn.mu.Unlock()

		if state == stateClosed {
			return 0, nil
		}
		if state == stateErrored {
			return 0, err
		}

		select {
		case <-cn.data:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Poll implements bridge.NetworkBackend.
func (c *Client) Poll(ctx context.Context, id int32) bridge.PollState {
	cn := c.lookup(id)
	if cn == nil {
		return bridge.PollError
	}

	cn.mu.Lock()
	defer cn.mu.Unlock()

	switch {
	case cn.state == stateErrored:
		return bridge.PollError
	case cn.state == stateClosed:
		return bridge.PollClosed
	case len(cn.rxBuf) > 0:
		return bridge.PollHasData
	default:
		return bridge.PollNoData
	}
}

// Close implements bridge.NetworkBackend.
func (c *Client) Close(ctx context.Context, id int32) error {
	cn := c.lookup(id)
	if cn == nil {
		return nil
	}

	err := c.send(ctx, frame{Type: frameClose, ID: id})

	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()

	return err
}

// Shutdown closes the underlying WebSocket connection.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close(websocket.StatusNormalClosure, "shutdown")
}
