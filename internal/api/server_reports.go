package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
)

func registerReportHandlers(api huma.API, svc Service) {
	type listReportsOutput struct {
		Body struct {
			Reports []reportstore.Meta `json:"reports"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-reports", Method: http.MethodGet, Path: "/api/v1/reports", Summary: "List stored reports", Tags: []string{"Reports"}},
		func(ctx context.Context, input *struct{}) (*listReportsOutput, error) {
			metas, err := svc.ListReports()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listReportsOutput{}
			out.Body.Reports = metas
			if out.Body.Reports == nil {
				out.Body.Reports = []reportstore.Meta{}
			}
			return out, nil
		})

	type reportIDInput struct {
		ReportID string `path:"report_id"`
	}
	type getReportOutput struct {
		Body struct {
			Meta   reportstore.Meta `json:"meta"`
			Report json.RawMessage  `json:"report"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-report", Method: http.MethodGet, Path: "/api/v1/reports/{report_id}", Summary: "Get a stored report", Tags: []string{"Reports"}},
		func(ctx context.Context, input *reportIDInput) (*getReportOutput, error) {
			meta, body, err := svc.GetReport(input.ReportID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &getReportOutput{}
			out.Body.Meta = meta
			out.Body.Report = body
			return out, nil
		})

	type deleteReportOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-report", Method: http.MethodDelete, Path: "/api/v1/reports/{report_id}", Summary: "Delete a stored report", Tags: []string{"Reports"}},
		func(ctx context.Context, input *reportIDInput) (*deleteReportOutput, error) {
			if err := svc.DeleteReport(input.ReportID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteReportOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}
