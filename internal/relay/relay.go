package relay

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

// Event is one relayed protocol message.
type Event struct {
	Feed      string          `json:"feed"`
	Direction string          `json:"direction"`
	Method    string          `json:"method"`
	Session   string          `json:"session,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type feedMatcher struct {
	name      string
	direction string
	msgFilter map[string]bool // nil means accept all
	sessions  []string
}

func (m feedMatcher) match(direction, method, session string) bool {
	if m.direction != "" && m.direction != direction {
		return false
	}
	if m.msgFilter != nil && !m.msgFilter[method] {
		return false
	}
	if len(m.sessions) == 0 {
		return true
	}
	for _, p := range m.sessions {
		if strings.HasPrefix(session, p) {
			return true
		}
	}
	return false
}

// FrameRelay decodes traced socket frames and publishes the messages that
// match a configured feed to a Broker. It implements tvproto.Tracer.
type FrameRelay struct {
	feeds  []feedMatcher
	broker *Broker[Event]
}

// NewFrameRelay creates a relay for cfg.
func NewFrameRelay(cfg *RelayConfig, broker *Broker[Event]) *FrameRelay {
	r := &FrameRelay{broker: broker}
	for _, feed := range cfg.Feeds {
		m := feedMatcher{name: feed.Name, direction: feed.Direction, sessions: feed.Sessions}
		if len(feed.MessageTypes) > 0 {
			m.msgFilter = make(map[string]bool, len(feed.MessageTypes))
			for _, mt := range feed.MessageTypes {
				m.msgFilter[mt] = true
			}
		}
		r.feeds = append(r.feeds, m)
	}
	slog.Info("relay configured", "feeds", len(r.feeds))
	return r
}

// Broker returns the broker events are published to.
func (r *FrameRelay) Broker() *Broker[Event] { return r.broker }

// Trace publishes every message in data that a feed accepts. Heartbeats
// and undecodable frames are skipped.
func (r *FrameRelay) Trace(direction string, data []byte) {
	if len(r.feeds) == 0 || r.broker.ClientCount() == 0 {
		return
	}
	packets, err := tvproto.Decode(data)
	if err != nil {
		slog.Debug("relay: frame decode failed", "direction", direction, "error", err)
	}
	for _, p := range packets {
		if p.Message == nil || p.Message.Method == "" {
			continue
		}
		method, session := p.Message.Method, p.Message.SessionID()
		var params json.RawMessage
		for _, feed := range r.feeds {
			if !feed.match(direction, method, session) {
				continue
			}
			if params == nil {
				params = rawParams(p.Message.Params)
			}
			r.broker.Publish(Event{
				Feed:      feed.name,
				Direction: direction,
				Method:    method,
				Session:   session,
				Params:    params,
			})
		}
	}
}

func rawParams(params []json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return b
}
