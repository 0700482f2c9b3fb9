package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/backtest"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/rangeroute"
	"github.com/dgnsrekt/tvbacktest/internal/relay"
	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
)

// Service is the backtest surface exposed over HTTP.
type Service interface {
	Plan() backtest.PlanInfo
	RouteRange(spec any, timeframe string) (rangeroute.Decision, error)
	Parameters(ctx context.Context, scriptID, version string) ([]params.Input, error)
	FetchBars(ctx context.Context, req backtest.BarsRequest) (backtest.Result, error)
	RunBacktest(ctx context.Context, req backtest.BacktestRequest) (backtest.Result, error)
	RunIndicator(ctx context.Context, req backtest.IndicatorRequest) (backtest.Result, error)
	ListReports() ([]reportstore.Meta, error)
	GetReport(id string) (reportstore.Meta, json.RawMessage, error)
	DeleteReport(id string) error
	StreamQuotes(ctx context.Context, symbols []string, fields ...string) (<-chan backtest.QuoteUpdate, error)
}

// resultOutput carries a service Result. Failed results keep their body and
// get the status their code maps to.
type resultOutput struct {
	Status int
	Body   backtest.Result
}

func resultResponse(res backtest.Result, err error) (*resultOutput, error) {
	if err != nil {
		return nil, mapErr(err)
	}
	out := &resultOutput{Status: http.StatusOK, Body: res}
	if !res.Success {
		out.Status = statusFor(res.Code)
	}
	return out, nil
}

// NewServer builds the HTTP handler. frames may be nil when frame relaying
// is disabled.
func NewServer(svc Service, frames *relay.Broker[relay.Event]) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("TV Backtest API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/relay", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(relayDocsHTML)); err != nil {
			slog.Debug("relay docs response write failed", "error", err)
		}
	})

	registerAccountHandlers(api, svc)
	registerBacktestHandlers(api, svc)
	registerReportHandlers(api, svc)
	registerStreamHandlers(router, svc, frames)

	return router
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeInvalidRange, apperr.CodeUnknownParameter, apperr.CodeTypeCoercion:
		return http.StatusBadRequest
	case apperr.CodePlanRestricted:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeTimeout, apperr.CodeLoginTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeConnection, apperr.CodeSession, apperr.CodeStudy, apperr.CodeAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *apperr.CodedError
	if errors.As(err, &coded) {
		switch statusFor(coded.Code) {
		case http.StatusBadRequest:
			return huma.Error400BadRequest(coded.Message)
		case http.StatusForbidden:
			return huma.Error403Forbidden(coded.Message)
		case http.StatusNotFound:
			return huma.Error404NotFound(coded.Message)
		case http.StatusGatewayTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case http.StatusBadGateway:
			return huma.Error502BadGateway(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
