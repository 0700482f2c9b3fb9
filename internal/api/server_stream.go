package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/backtest"
	"github.com/dgnsrekt/tvbacktest/internal/relay"
)

// registerStreamHandlers mounts the SSE endpoints directly on the router.
func registerStreamHandlers(router chi.Router, svc Service, frames *relay.Broker[relay.Event]) {
	router.Get("/api/v1/quotes/stream", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		updates, err := svc.StreamQuotes(r.Context(), splitList(q.Get("symbols")), splitList(q.Get("fields"))...)
		if err != nil {
			code := apperr.CodeOf(err)
			http.Error(w, err.Error(), statusFor(code))
			return
		}
		relay.Stream(w, r, updates, func(u backtest.QuoteUpdate) (string, bool) {
			if u.Error != "" {
				return "quote_error", true
			}
			return "quote", true
		})
	})

	if frames != nil {
		router.Get("/api/v1/relay/events", relay.SSEHandler(frames))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
