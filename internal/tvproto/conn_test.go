package tvproto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type recordingTracer struct {
	mu     sync.Mutex
	frames []string
}

func (r *recordingTracer) Trace(direction string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, direction+" "+string(data))
}

func (r *recordingTracer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func TestConnEchoesHeartbeatAndDeliversMessages(t *testing.T) {
	gotOrigin := make(chan string, 1)
	echoed := make(chan string, 1)
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin <- r.Header.Get("Origin")
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		hello := Frame([]byte(`{"session_id":"<0.1.2>","timestamp":1700000000}`))
		if err := wsutil.WriteServerText(conn, hello); err != nil {
			return
		}
		if err := wsutil.WriteServerText(conn, EncodeHeartbeat("~h~1")); err != nil {
			return
		}
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		echoed <- string(data)

		data, err = wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		received <- string(data)
		wsutil.WriteServerText(conn, Frame([]byte(`{"m":"qsd","p":["qs_1",{"n":"X","s":"ok","v":{}}]}`)))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tracer := &recordingTracer{}
	conn, err := Dial(ctx, DialOptions{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Origin: "https://www.tradingview.com",
		Tracer: tracer,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if got := <-gotOrigin; got != "https://www.tradingview.com" {
		t.Fatalf("Origin header = %q", got)
	}

	first := <-conn.Receive()
	if first.Method != "" || !strings.Contains(string(first.Raw), "session_id") {
		t.Fatalf("first message = %+v; want hello", first)
	}

	select {
	case got := <-echoed:
		if got != "~m~4~m~~h~1" {
			t.Fatalf("heartbeat echo = %q", got)
		}
	case <-ctx.Done():
		t.Fatal("heartbeat was not echoed")
	}

	if err := conn.Send(NewRequest("quote_create_session", "qs_1")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := <-received; !strings.Contains(got, `"quote_create_session"`) {
		t.Fatalf("server received %q", got)
	}

	msg := <-conn.Receive()
	if msg.Method != "qsd" || msg.SessionID() != "qs_1" {
		t.Fatalf("message = %+v; want qsd for qs_1", msg)
	}

	select {
	case _, ok := <-conn.Receive():
		if ok {
			t.Fatal("unexpected extra message")
		}
	case <-ctx.Done():
		t.Fatal("Receive was not closed after server hung up")
	}
	<-conn.Done()
	if err := conn.Send(NewRequest("noop")); err == nil {
		t.Fatal("Send() after close = nil error; want error")
	}

	frames := tracer.snapshot()
	if len(frames) < 4 {
		t.Fatalf("tracer saw %d frames; want at least 4", len(frames))
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), DialOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err == nil {
		t.Fatal("Dial() = nil error; want handshake failure")
	}
}

func TestMultiTracerSkipsNil(t *testing.T) {
	a, b := &recordingTracer{}, &recordingTracer{}
	MultiTracer{a, nil, b}.Trace(DirOut, []byte("~m~2~m~{}"))
	if len(a.snapshot()) != 1 || len(b.snapshot()) != 1 {
		t.Fatalf("frames = %v / %v; want one each", a.snapshot(), b.snapshot())
	}
}
