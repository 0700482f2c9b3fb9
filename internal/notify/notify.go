package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Message is one push to an ntfy-style topic.
type Message struct {
	Title    string
	Body     string
	Tags     []string
	Priority int // 1..5; 0 leaves the server default
}

// Notifier posts run summaries to a topic URL.
type Notifier struct {
	Endpoint string
	Title    string
	Tags     []string
	Client   *http.Client
}

// New returns a Notifier, or nil when endpoint is empty. A nil client gets
// a 10 s timeout.
func New(endpoint, title string, client *http.Client) *Notifier {
	if strings.TrimSpace(endpoint) == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Notifier{Endpoint: endpoint, Title: title, Tags: []string{"chart_with_upwards_trend"}, Client: client}
}

// Notify posts message with the notifier's title and tags. A nil Notifier
// is a no-op.
func (n *Notifier) Notify(ctx context.Context, message string) error {
	if n == nil {
		return nil
	}
	return n.Post(ctx, Message{Title: n.Title, Body: message, Tags: n.Tags})
}

// Post sends m. Non-2xx replies are errors carrying the start of the body.
func (n *Notifier) Post(ctx context.Context, m Message) error {
	if n == nil || n.Endpoint == "" {
		return fmt.Errorf("notify: endpoint is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, strings.NewReader(m.Body))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if m.Title != "" {
		req.Header.Set("Title", m.Title)
	}
	if len(m.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.Tags, ","))
	}
	if m.Priority > 0 {
		req.Header.Set("Priority", strconv.Itoa(m.Priority))
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
