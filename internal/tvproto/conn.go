package tvproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const receiveBufSize = 256

// Direction labels a traced frame.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Tracer observes every raw frame written to or read from the socket.
type Tracer interface {
	Trace(direction string, data []byte)
}

// MultiTracer fans each frame out to every non-nil tracer in order.
type MultiTracer []Tracer

func (m MultiTracer) Trace(direction string, data []byte) {
	for _, t := range m {
		if t != nil {
			t.Trace(direction, data)
		}
	}
}

// DialOptions configures Dial.
type DialOptions struct {
	URL     string
	Origin  string
	Header  http.Header
	Timeout time.Duration
	Tracer  Tracer
}

// Conn is a framed websocket connection. Inbound messages are delivered on
// Receive in server order; heartbeats are echoed by the read loop and never
// surface to the caller.
type Conn struct {
	conn   net.Conn
	reader io.Reader
	tracer Tracer

	writeMu sync.Mutex

	recv      chan Message
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the websocket and starts the read loop.
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	header := http.Header{}
	for k, v := range opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(header),
		Timeout: opts.Timeout,
	}

	slog.Debug("tvproto dialing", "url", opts.URL)
	conn, br, _, err := dialer.Dial(ctx, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("tvproto: dial %s: %w", opts.URL, err)
	}

	c := &Conn{
		conn:    conn,
		reader:  conn,
		tracer:  opts.Tracer,
		recv:    make(chan Message, receiveBufSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if br != nil {
		// The handshake reader may already hold the first frames.
		c.reader = io.MultiReader(br, conn)
	}
	go c.readLoop()
	return c, nil
}

// Receive returns the inbound message channel. It is closed when the
// connection ends.
func (c *Conn) Receive() <-chan Message { return c.recv }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the read loop stopped, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send frames and writes one request.
func (c *Conn) Send(r Request) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	select {
	case <-c.closing:
		return errors.New("tvproto: connection closed")
	default:
	}

	c.writeMu.Lock()
	err := wsutil.WriteClientText(c.conn, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("tvproto: send: %w", err)
	}
	if c.tracer != nil {
		c.tracer.Trace(DirOut, data)
	}
	return nil
}

// Close shuts the socket; the read loop then closes Receive.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer func() {
		c.Close()
		close(c.done)
		close(c.recv)
	}()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, c.conn}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			slog.Debug("tvproto read loop exit", "error", err)
			c.setErr(err)
			return
		}
		if c.tracer != nil {
			c.tracer.Trace(DirIn, data)
		}

		packets, err := Decode(data)
		if err != nil {
			slog.Warn("tvproto decode failed", "error", err)
		}
		for _, p := range packets {
			if p.Heartbeat != "" {
				if err := c.write(EncodeHeartbeat(p.Heartbeat)); err != nil {
					slog.Debug("tvproto heartbeat echo failed", "error", err)
				}
				continue
			}
			select {
			case c.recv <- *p.Message:
			case <-c.closing:
				return
			}
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
