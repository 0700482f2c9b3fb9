package tvclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/credentials"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

const (
	DefaultOrigin       = "https://www.tradingview.com"
	DefaultLoginTimeout = 10 * time.Second
	unauthorizedToken   = "unauthorized_user_token"
)

// Transport is the framed message channel a Conn runs on.
type Transport interface {
	Send(tvproto.Request) error
	Receive() <-chan tvproto.Message
	Close() error
}

// DialFunc opens a Transport.
type DialFunc func(ctx context.Context, opts tvproto.DialOptions) (Transport, error)

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, opts tvproto.DialOptions) (Transport, error) {
	return tvproto.Dial(ctx, opts)
}

// Options configures a Client.
type Options struct {
	// Server forces the server variant; empty means plan-based selection.
	Server string
	// Endpoint overrides the full websocket URL.
	Endpoint     string
	Origin       string
	Language     string
	Country      string
	LoginTimeout time.Duration
	Dial         DialFunc
	Tracer       tvproto.Tracer
	// Plan is shared with the caller; nil builds one from the auth token.
	Plan *plan.Detector
}

// Client owns at most one live Conn and replaces it transparently when the
// previous one is no longer open.
type Client struct {
	opts  Options
	creds credentials.Credentials
	plan  *plan.Detector

	mu   sync.Mutex
	conn *Conn
}

// New validates credentials and builds a client. No network activity happens
// until Connect.
func New(opts Options, creds credentials.Credentials) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.Country == "" {
		opts.Country = "US"
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}
	if opts.Dial == nil {
		opts.Dial = DialWebsocket
	}
	det := opts.Plan
	if det == nil {
		token := creds.AuthToken
		det = plan.NewDetector(func() string { return token })
	}
	return &Client{opts: opts, creds: creds, plan: det}, nil
}

// Plan returns the client's plan detector.
func (c *Client) Plan() *plan.Detector { return c.plan }

// Server returns the server variant the client connects to.
func (c *Client) Server() string {
	if c.opts.Server != "" {
		return c.opts.Server
	}
	return c.plan.Server()
}

// URL returns the websocket endpoint.
func (c *Client) URL() string {
	if c.opts.Endpoint != "" {
		return c.opts.Endpoint
	}
	return fmt.Sprintf("wss://%s.tradingview.com/socket.io/websocket?type=chart", c.Server())
}

// Connect returns a logged-in Conn, reusing the current one when it is open.
// Login failures close the Conn; there is no retry.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.awaitLogin(ctx, c.opts.LoginTimeout); err != nil {
		if ctx.Err() == nil {
			conn.Close()
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) current(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.IsOpen() {
		return c.conn, nil
	}

	url := c.URL()
	header := http.Header{}
	header.Set("Cookie", c.creds.CookieHeader())
	t, err := c.opts.Dial(ctx, tvproto.DialOptions{
		URL:     url,
		Origin:  c.opts.Origin,
		Header:  header,
		Timeout: c.opts.LoginTimeout,
		Tracer:  c.opts.Tracer,
	})
	if err != nil {
		return nil, apperr.New(apperr.CodeConnection, "dial "+url, err)
	}

	conn := newConn(t)
	token := c.creds.AuthToken
	if token == "" {
		token = unauthorizedToken
	}
	if err := conn.Send("set_auth_token", token); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Send("set_locale", c.opts.Language, c.opts.Country); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("tv connection opened", "url", url)
	c.conn = conn
	return conn, nil
}

// Close closes the current Conn, invalidating its sessions.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// session receives the messages addressed to one session id.
type session interface {
	handle(tvproto.Message)
}

// methodConnClosed is the synthetic message pushed to sessions when their
// Conn ends.
const methodConnClosed = "$connection_closed"

// Conn multiplexes sessions over one Transport.
type Conn struct {
	transport Transport
	loggedIn  *Future[struct{}]

	open      atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.RWMutex
	sessions map[string]*mailbox
}

func newConn(t Transport) *Conn {
	c := &Conn{
		transport: t,
		loggedIn:  NewFuture[struct{}](),
		closed:    make(chan struct{}),
		sessions:  make(map[string]*mailbox),
	}
	c.open.Store(true)
	go c.readLoop()
	return c
}

// IsOpen reports whether the transport is still usable.
func (c *Conn) IsOpen() bool { return c.open.Load() }

// IsLoggedIn reports whether the server confirmed the login.
func (c *Conn) IsLoggedIn() bool {
	if !c.loggedIn.Settled() {
		return false
	}
	_, err := c.loggedIn.Result()
	return err == nil
}

// Send writes one request.
func (c *Conn) Send(method string, params ...any) error {
	if !c.IsOpen() {
		return apperr.New(apperr.CodeConnection, "connection closed", nil).With("method", method)
	}
	if err := c.transport.Send(tvproto.NewRequest(method, params...)); err != nil {
		return apperr.New(apperr.CodeConnection, "send "+method, err)
	}
	return nil
}

// Close tears down the transport. Registered sessions are told the
// connection is gone.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.closed)
		err = c.transport.Close()
	})
	return err
}

func (c *Conn) awaitLogin(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.loggedIn.Done():
		_, err := c.loggedIn.Result()
		return err
	case <-timer.C:
		timeoutErr := apperr.Newf(apperr.CodeLoginTimeout, "no login confirmation within %s", timeout)
		if c.loggedIn.Reject(timeoutErr) {
			return timeoutErr
		}
		_, err := c.loggedIn.Result()
		return err
	case <-ctx.Done():
		return apperr.New(apperr.CodeConnection, "login wait cancelled", ctx.Err())
	}
}

func (c *Conn) register(id string, s session) {
	mb := newMailbox(s.handle)
	c.mu.Lock()
	c.sessions[id] = mb
	c.mu.Unlock()
	if !c.IsOpen() {
		mb.push(tvproto.Message{Method: methodConnClosed})
	}
}

// unregister drops id from the dispatch table; later messages for it are
// discarded.
func (c *Conn) unregister(id string) {
	c.mu.Lock()
	mb, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if ok {
		mb.close()
	}
}

func (c *Conn) readLoop() {
	defer c.teardown()
	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.transport.Receive():
			if !ok {
				return
			}
			c.dispatch(msg)
		}
	}
}

func (c *Conn) dispatch(msg tvproto.Message) {
	if !c.loggedIn.Settled() {
		switch msg.Method {
		case "":
			c.loggedIn.Resolve(struct{}{})
			slog.Debug("tv login confirmed")
			return
		case "protocol_error", "critical_error":
			c.loggedIn.Reject(apperr.New(apperr.CodeAuth, "server rejected login", errors.New(describe(msg))))
			return
		}
	}

	if sid := msg.SessionID(); sid != "" {
		c.mu.RLock()
		mb, ok := c.sessions[sid]
		c.mu.RUnlock()
		if ok {
			mb.push(msg)
			return
		}
	}

	switch msg.Method {
	case "protocol_error", "critical_error":
		slog.Warn("tv connection error", "method", msg.Method, "detail", describe(msg))
		c.broadcast(msg)
	case "":
	default:
		slog.Debug("tv message for unknown session dropped", "method", msg.Method, "session", msg.SessionID())
	}
}

func (c *Conn) broadcast(msg tvproto.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, mb := range c.sessions {
		mb.push(msg)
	}
}

func (c *Conn) teardown() {
	c.Close()
	c.loggedIn.Reject(apperr.New(apperr.CodeConnection, "connection closed before login", nil))
	c.broadcast(tvproto.Message{Method: methodConnClosed})
	slog.Info("tv connection closed")
}

func describe(msg tvproto.Message) string {
	parts := make([]string, 0, len(msg.Params))
	for _, p := range msg.Params {
		parts = append(parts, string(p))
	}
	return fmt.Sprintf("%s %v", msg.Method, parts)
}
