package tvclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/credentials"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

var testCreds = credentials.Credentials{SessionID: "sid", Signature: "sig"}

// fakeTransport is an in-memory Transport. Tests push server messages with
// push and inspect what the client sent with waitSent.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []tvproto.Request
	onSend func(tvproto.Request)

	recv      chan tvproto.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recv: make(chan tvproto.Message, 64),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(r tvproto.Request) error {
	select {
	case <-f.done:
		return errors.New("fake: closed")
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, r)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return nil
}

func (f *fakeTransport) Receive() <-chan tvproto.Message { return f.recv }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

// hangUp simulates the server closing the socket.
func (f *fakeTransport) hangUp() {
	f.Close()
	close(f.recv)
}

func (f *fakeTransport) push(method string, params ...any) {
	f.recv <- serverMsg(method, params...)
}

func (f *fakeTransport) hello() {
	f.recv <- tvproto.Message{Raw: json.RawMessage(`{"session_id":"x"}`)}
}

func (f *fakeTransport) requests(method string) []tvproto.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tvproto.Request
	for _, r := range f.sent {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) waitSent(t *testing.T, method string) tvproto.Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rs := f.requests(method); len(rs) > 0 {
			return rs[len(rs)-1]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s was never sent", method)
	return tvproto.Request{}
}

func serverMsg(method string, params ...any) tvproto.Message {
	msg := tvproto.Message{Method: method}
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		msg.Params = append(msg.Params, raw)
	}
	return msg
}

// dialer hands out fresh fake transports and records dial options.
type dialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	opts       []tvproto.DialOptions
	autoHello  bool
}

func (d *dialer) dial(_ context.Context, opts tvproto.DialOptions) (Transport, error) {
	ft := newFakeTransport()
	if d.autoHello {
		ft.hello()
	}
	d.mu.Lock()
	d.transports = append(d.transports, ft)
	d.opts = append(d.opts, opts)
	d.mu.Unlock()
	return ft, nil
}

func (d *dialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func newTestClient(t *testing.T, d *dialer, mut ...func(*Options)) *Client {
	t.Helper()
	opts := Options{Dial: d.dial, LoginTimeout: time.Second}
	for _, m := range mut {
		m(&opts)
	}
	c, err := New(opts, testCreds)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func tokenWithPlan(plan string) string {
	payload, _ := json.Marshal(map[string]string{"plan": plan})
	return "e30." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}
