package backtest

import (
	"encoding/json"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
)

func (s *Service) store() (ReportStore, error) {
	if s.reports == nil {
		return nil, apperr.New(apperr.CodeConfig, "report store is not configured", nil)
	}
	return s.reports, nil
}

// ListReports returns stored report metadata, newest first.
func (s *Service) ListReports() ([]reportstore.Meta, error) {
	st, err := s.store()
	if err != nil {
		return nil, err
	}
	return st.List()
}

// GetReport returns the metadata and body of a stored report.
func (s *Service) GetReport(id string) (reportstore.Meta, json.RawMessage, error) {
	st, err := s.store()
	if err != nil {
		return reportstore.Meta{}, nil, err
	}
	meta, err := st.Get(id)
	if err != nil {
		return reportstore.Meta{}, nil, err
	}
	body, err := st.ReadReport(id)
	if err != nil {
		return reportstore.Meta{}, nil, err
	}
	return meta, body, nil
}

// DeleteReport removes a stored report.
func (s *Service) DeleteReport(id string) error {
	st, err := s.store()
	if err != nil {
		return err
	}
	return st.Delete(id)
}
