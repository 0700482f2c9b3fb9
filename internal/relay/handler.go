package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams relay events as SSE.
// Clients may filter feeds via ?feeds=name1,name2 query parameter.
func SSEHandler(broker *Broker[Event]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var feedFilter map[string]bool
		if q := r.URL.Query().Get("feeds"); q != "" {
			feedFilter = make(map[string]bool)
			for _, f := range strings.Split(q, ",") {
				if f = strings.TrimSpace(f); f != "" {
					feedFilter[f] = true
				}
			}
		}

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		Stream(w, r, ch, func(evt Event) (string, bool) {
			if feedFilter != nil && !feedFilter[evt.Feed] {
				return "", false
			}
			return evt.Feed, true
		})
	}
}

// Stream writes each value from ch as a JSON SSE event until ch closes or
// the client goes away. name returns the event name and whether to send.
func Stream[T any](w http.ResponseWriter, r *http.Request, ch <-chan T, name func(T) (string, bool)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			event, send := name(v)
			if !send {
				continue
			}
			data, err := json.Marshal(v)
			if err != nil {
				slog.Warn("sse encode failed", "event", event, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		}
	}
}
