package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tvbacktest/internal/backtest"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/rangeroute"
)

func registerAccountHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
			Tier   string `json:"tier"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Tier = svc.Plan().Tier
			return out, nil
		})

	type planOutput struct {
		Body backtest.PlanInfo
	}
	huma.Register(api, huma.Operation{OperationID: "get-plan", Method: http.MethodGet, Path: "/api/v1/plan", Summary: "Detected account plan and limits", Tags: []string{"Account"}},
		func(ctx context.Context, input *struct{}) (*planOutput, error) {
			return &planOutput{Body: svc.Plan()}, nil
		})

	type routeInput struct {
		Range     string `query:"range" doc:"chart, max, <N>d, or a bar count. Ignored when from is set." example:"30d"`
		From      string `query:"from" doc:"Start date YYYY-MM-DD" example:"2020-01-01"`
		To        string `query:"to" doc:"End date YYYY-MM-DD; defaults to now"`
		Timeframe string `query:"timeframe" default:"D" example:"60"`
	}
	type routeOutput struct {
		Body rangeroute.Decision
	}
	huma.Register(api, huma.Operation{OperationID: "route-range", Method: http.MethodGet, Path: "/api/v1/route", Summary: "Preview how a range would be fetched", Description: "Routes the range for the account's tier without checking plan restrictions.", Tags: []string{"Account"}},
		func(ctx context.Context, input *routeInput) (*routeOutput, error) {
			d, err := svc.RouteRange(rangeFromQuery(input.Range, input.From, input.To), input.Timeframe)
			if err != nil {
				return nil, mapErr(err)
			}
			return &routeOutput{Body: d}, nil
		})

	type paramsInput struct {
		ScriptID string `path:"script_id" doc:"Script id such as STD;RSI or USER;abc123"`
		Version  string `query:"version" doc:"Script version; latest when empty"`
	}
	type paramsOutput struct {
		Body struct {
			ScriptID string         `json:"script_id"`
			Inputs   []params.Input `json:"inputs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "script-parameters", Method: http.MethodGet, Path: "/api/v1/scripts/{script_id}/parameters", Summary: "List a script's visible inputs", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *paramsInput) (*paramsOutput, error) {
			inputs, err := svc.Parameters(ctx, input.ScriptID, input.Version)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &paramsOutput{}
			out.Body.ScriptID = input.ScriptID
			out.Body.Inputs = inputs
			if out.Body.Inputs == nil {
				out.Body.Inputs = []params.Input{}
			}
			return out, nil
		})
}

// rangeFromQuery turns query parameters into a range value: a date object
// when from is set, a bar count for numeric ranges, the preset otherwise.
func rangeFromQuery(rng, from, to string) any {
	if from = strings.TrimSpace(from); from != "" {
		m := map[string]any{"from": from}
		if to = strings.TrimSpace(to); to != "" {
			m["to"] = to
		}
		return m
	}
	rng = strings.TrimSpace(rng)
	if n, err := strconv.Atoi(rng); err == nil {
		return n
	}
	if rng == "" {
		return "chart"
	}
	return rng
}
