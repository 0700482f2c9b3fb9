package tvclient

import (
	"sync"

	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

// mailbox queues messages for one session and hands them to fn in arrival
// order on its own goroutine, so the connection read loop never waits on a
// session.
type mailbox struct {
	fn func(tvproto.Message)

	mu    sync.Mutex
	queue []tvproto.Message

	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newMailbox(fn func(tvproto.Message)) *mailbox {
	m := &mailbox{
		fn:     fn,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(msg tvproto.Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// close stops delivery. Queued messages are discarded.
func (m *mailbox) close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			msg := m.queue[0]
			m.queue[0] = tvproto.Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case <-m.stop:
				return
			default:
			}
			m.fn(msg)
		}
	}
}
