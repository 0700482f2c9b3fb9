package tvproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	frameMarker     = "~m~"
	heartbeatPrefix = "~h~"
)

var frameHeader = regexp.MustCompile(`~m~[0-9]+~m~`)

// Request is an outbound protocol message.
type Request struct {
	Method string `json:"m"`
	Params []any  `json:"p"`
}

// NewRequest builds a Request.
func NewRequest(method string, params ...any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{Method: method, Params: params}
}

// Message is an inbound protocol packet. Packets without a method (the
// server hello) keep their body in Raw.
type Message struct {
	Method string            `json:"m"`
	Params []json.RawMessage `json:"p"`
	Raw    json.RawMessage   `json:"-"`
}

// SessionID returns the first param when it is a string; pushes scoped to a
// logical session always lead with its id.
func (m Message) SessionID() string {
	if len(m.Params) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(m.Params[0], &id); err != nil {
		return ""
	}
	return id
}

// Param unmarshals param i into out.
func (m Message) Param(i int, out any) error {
	if i < 0 || i >= len(m.Params) {
		return fmt.Errorf("tvproto: %s has no param %d", m.Method, i)
	}
	if err := json.Unmarshal(m.Params[i], out); err != nil {
		return fmt.Errorf("tvproto: %s param %d: %w", m.Method, i, err)
	}
	return nil
}

// StringParam returns param i as a string, or "" when absent or not a string.
func (m Message) StringParam(i int) string {
	var s string
	if err := m.Param(i, &s); err != nil {
		return ""
	}
	return s
}

// Packet is one decoded frame: either a heartbeat or a JSON message.
type Packet struct {
	Heartbeat string
	Message   *Message
}

// Frame wraps payload in the length-prefixed envelope.
func Frame(payload []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(payload) + 16)
	b.WriteString(frameMarker)
	b.WriteString(strconv.Itoa(len(payload)))
	b.WriteString(frameMarker)
	b.Write(payload)
	return b.Bytes()
}

// Encode marshals and frames a request.
func Encode(r Request) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("tvproto: marshal %s: %w", r.Method, err)
	}
	return Frame(payload), nil
}

// EncodeHeartbeat frames a heartbeat echo.
func EncodeHeartbeat(token string) []byte {
	return Frame([]byte(token))
}

// Decode splits one websocket text message into packets. A message may
// carry several concatenated frames.
func Decode(data []byte) ([]Packet, error) {
	var out []Packet
	s := string(data)
	for len(s) > 0 {
		if !strings.HasPrefix(s, frameMarker) {
			return out, fmt.Errorf("tvproto: missing frame marker at %q", truncate(s, 32))
		}
		s = s[len(frameMarker):]
		end := strings.Index(s, frameMarker)
		if end < 0 {
			return out, fmt.Errorf("tvproto: unterminated frame length")
		}
		n, err := strconv.Atoi(s[:end])
		if err != nil || n < 0 {
			return out, fmt.Errorf("tvproto: invalid frame length %q", s[:end])
		}
		s = s[end+len(frameMarker):]
		if n > len(s) || (n < len(s) && !strings.HasPrefix(s[n:], frameMarker)) {
			// The server counts UTF-16 units, not bytes; resync on the next header.
			n = len(s)
			if loc := frameHeader.FindStringIndex(s); loc != nil {
				n = loc[0]
			}
		}
		body := s[:n]
		s = s[n:]

		if strings.HasPrefix(body, heartbeatPrefix) {
			out = append(out, Packet{Heartbeat: body})
			continue
		}
		msg, err := decodeMessage([]byte(body))
		if err != nil {
			return out, err
		}
		out = append(out, Packet{Message: msg})
	}
	return out, nil
}

func decodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("tvproto: decode packet: %w", err)
	}
	if msg.Method == "" {
		msg.Raw = append(json.RawMessage(nil), body...)
	}
	return &msg, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
