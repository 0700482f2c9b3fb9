package backtest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/tvclient"
)

// QuoteUpdate is one streamed change of a symbol's merged quote state.
type QuoteUpdate struct {
	Symbol string         `json:"symbol"`
	Status string         `json:"status"`
	Values map[string]any `json:"values,omitempty"`
	Error  string         `json:"error,omitempty"`
	Code   string         `json:"code,omitempty"`
}

// StreamQuotes opens a quote session for symbols and forwards every update
// until ctx ends. The session is deleted when the stream stops.
func (s *Service) StreamQuotes(ctx context.Context, symbols []string, fields ...string) (<-chan QuoteUpdate, error) {
	clean := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if sym = strings.TrimSpace(sym); sym != "" {
			clean = append(clean, sym)
		}
	}
	if len(clean) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "at least one symbol is required", nil)
	}

	q, err := s.chart.NewQuoteSession(ctx, fields...)
	if err != nil {
		return nil, err
	}
	id, events := q.Subscribe()
	if err := q.AddSymbols(clean...); err != nil {
		q.Unsubscribe(id)
		q.Delete()
		return nil, err
	}
	slog.Info("quote stream opened", "session", q.ID(), "symbols", clean)

	out := make(chan QuoteUpdate, 64)
	go func() {
		defer close(out)
		defer q.Delete()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("quote stream closed", "session", q.ID())
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				select {
				case out <- toUpdate(evt):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func toUpdate(evt tvclient.QuoteEvent) QuoteUpdate {
	u := QuoteUpdate{Symbol: evt.Quote.Symbol, Status: evt.Quote.Status, Values: evt.Quote.Values}
	if evt.Err != nil {
		u.Error = evt.Err.Error()
		u.Code = apperr.CodeOf(evt.Err)
		if u.Symbol == "" {
			u.Symbol = apperr.FieldsOf(evt.Err)["symbol"]
		}
	}
	return u
}
