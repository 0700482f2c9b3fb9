package tvclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/params"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

const (
	prefixStudy        = "st_"
	indicatorStudyType = "Script@tv-scripting-101!"
	strategyStudyType  = "StrategyScript@tv-scripting-101!"
)

// StudyState tags a study outcome.
type StudyState int

const (
	StudyPending StudyState = iota
	StudyReady
	StudyErrored
	StudyTimedOut
)

func (s StudyState) String() string {
	switch s {
	case StudyPending:
		return "pending"
	case StudyReady:
		return "ready"
	case StudyErrored:
		return "errored"
	case StudyTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// PlotPoint holds the computed plot values for one bar.
type PlotPoint struct {
	Time   int64     `json:"time"`
	Values []float64 `json:"values"`
}

// Outcome is the settled state of a study. Report is set for ready
// strategies, Reason for errors and timeouts.
type Outcome struct {
	State  StudyState
	Report *StrategyReport
	Plots  []PlotPoint
	Reason string
}

// Study is a script attached to a chart session.
type Study struct {
	chart    *ChartSession
	id       string
	script   *params.Script
	resolver *params.Resolver

	mu      sync.Mutex
	values  map[string]any
	plots   map[int64]PlotPoint
	report  *StrategyReport
	outcome *Future[Outcome]
	removed bool
}

// AttachStudy resolves values against script and sends create_study. A
// session holds at most one study.
func (s *ChartSession) AttachStudy(script *params.Script, values map[string]any) (*Study, error) {
	if script == nil || script.PineID == "" {
		return nil, apperr.New(apperr.CodeValidation, "script is required", nil)
	}
	resolver := params.NewResolver(script)
	resolved, err := resolver.ResolveValues(values)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == ChartDeleted {
		s.mu.Unlock()
		return nil, s.sessionErr("session deleted", nil)
	}
	if s.state == ChartErrored {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if s.study != nil {
		s.mu.Unlock()
		return nil, s.sessionErr("session already has a study", nil).With("script", script.PineID)
	}
	st := &Study{
		chart:    s,
		id:       genSessionID(prefixStudy),
		script:   script,
		resolver: resolver,
		values:   resolved,
		plots:    make(map[int64]PlotPoint),
		outcome:  NewFuture[Outcome](),
	}
	s.study = st
	s.mu.Unlock()

	studyType := indicatorStudyType
	if script.IsStrategy {
		studyType = strategyStudyType
	}
	if err := s.conn.Send("create_study", s.id, st.id, "st1", pricesSeries, studyType, StudyInputs(script, resolved)); err != nil {
		s.mu.Lock()
		s.study = nil
		s.mu.Unlock()
		return nil, err
	}
	slog.Debug("study attached", "session", s.id, "study", st.id, "script", script.PineID, "strategy", script.IsStrategy)
	return st, nil
}

// StudyInputs renders the create_study input document: the compiled source
// plus every declared input, with overrides taking precedence over defaults.
func StudyInputs(script *params.Script, values map[string]any) map[string]any {
	in := map[string]any{
		"text":        script.Template,
		"pineId":      script.PineID,
		"pineVersion": script.PineVersion,
	}
	for _, input := range script.SortedInputs() {
		v, ok := values[input.ID]
		if !ok {
			v = input.Default
		}
		if v == nil {
			continue
		}
		in[input.ID] = map[string]any{"v": v, "f": true, "t": input.Type.String()}
	}
	return in
}

// ID returns the study id.
func (st *Study) ID() string { return st.id }

// Script returns the attached script.
func (st *Study) Script() *params.Script { return st.script }

// Resolver returns the parameter table built for the script.
func (st *Study) Resolver() *params.Resolver { return st.resolver }

// State returns Pending until the current computation settles.
func (st *Study) State() StudyState {
	st.mu.Lock()
	fut := st.outcome
	st.mu.Unlock()
	if !fut.Settled() {
		return StudyPending
	}
	o, _ := fut.Result()
	return o.State
}

// Report returns the latest strategy report, which may have no trades yet.
func (st *Study) Report() *StrategyReport {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.report
}

// Periods returns the computed plot values, newest first.
func (st *Study) Periods() []PlotPoint {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sortedPlots()
}

// Await blocks until the study is ready, errors, or ctx ends; whichever
// happens first settles the outcome and later paths are ignored.
func (st *Study) Await(ctx context.Context) (Outcome, error) {
	st.mu.Lock()
	fut := st.outcome
	st.mu.Unlock()

	select {
	case <-fut.Done():
	case <-ctx.Done():
		reason := "no result before deadline"
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "wait cancelled"
		}
		fut.Resolve(Outcome{State: StudyTimedOut, Reason: reason, Report: st.Report(), Plots: st.Periods()})
	}

	o, _ := fut.Result()
	switch o.State {
	case StudyErrored:
		return o, st.codedErr(apperr.CodeStudy, o.Reason, nil)
	case StudyTimedOut:
		return o, st.codedErr(apperr.CodeTimeout, "study "+o.Reason, ctx.Err())
	}
	return o, nil
}

// SetInputs sends modify_study with new values and restarts the wait for a
// result.
func (st *Study) SetInputs(values map[string]any) error {
	resolved, err := st.resolver.ResolveValues(values)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return st.codedErr(apperr.CodeStudy, "study removed", nil)
	}
	merged := make(map[string]any, len(st.values)+len(resolved))
	for k, v := range st.values {
		merged[k] = v
	}
	for k, v := range resolved {
		merged[k] = v
	}
	st.values = merged
	st.plots = make(map[int64]PlotPoint)
	st.report = nil
	st.outcome = NewFuture[Outcome]()
	st.mu.Unlock()

	return st.chart.conn.Send("modify_study", st.chart.id, st.id, "st1", StudyInputs(st.script, merged))
}

// Remove detaches the study. Safe to call repeatedly.
func (st *Study) Remove() {
	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return
	}
	st.removed = true
	fut := st.outcome
	st.mu.Unlock()

	if st.chart.conn.IsOpen() {
		if err := st.chart.conn.Send("remove_study", st.chart.id, st.id); err != nil {
			slog.Debug("remove study send failed", "study", st.id, "error", err)
		}
	}
	st.chart.mu.Lock()
	if st.chart.study == st {
		st.chart.study = nil
	}
	st.chart.mu.Unlock()
	fut.Resolve(Outcome{State: StudyErrored, Reason: "study removed"})
}

func (st *Study) handle(msg tvproto.Message) {
	switch msg.Method {
	case "study_error":
		reason := "script error"
		if len(msg.Params) > 2 {
			parts := make([]string, 0, len(msg.Params)-2)
			for i := 2; i < len(msg.Params); i++ {
				if s := msg.StringParam(i); s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				reason = strings.Join(parts, ": ")
			}
		}
		st.fail(reason)
	case "study_completed":
		if !st.script.IsStrategy {
			st.resolveReady()
		}
	}
}

type studyUpdate struct {
	St []struct {
		I int       `json:"i"`
		V []float64 `json:"v"`
	} `json:"st"`
	Ns struct {
		D string `json:"d"`
	} `json:"ns"`
}

func (st *Study) onData(raw json.RawMessage) {
	var upd studyUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		slog.Warn("study update decode failed", "study", st.id, "error", err)
		return
	}

	var report *StrategyReport
	if upd.Ns.D != "" {
		r, err := parseStudyPayload([]byte(upd.Ns.D))
		if err != nil {
			slog.Warn("study payload decode failed", "study", st.id, "error", err)
		}
		report = r
	}

	st.mu.Lock()
	if st.removed {
		st.mu.Unlock()
		return
	}
	for _, p := range upd.St {
		if len(p.V) == 0 {
			continue
		}
		t := int64(p.V[0])
		st.plots[t] = PlotPoint{Time: t, Values: append([]float64(nil), p.V[1:]...)}
	}
	if report != nil {
		st.report = report
	}
	strategy := st.script.IsStrategy
	ready := (strategy && st.report.Ready()) || (!strategy && len(st.plots) > 0)
	st.mu.Unlock()

	if ready {
		st.resolveReady()
	}
}

func (st *Study) resolveReady() {
	st.mu.Lock()
	fut := st.outcome
	o := Outcome{State: StudyReady, Report: st.report, Plots: st.sortedPlots()}
	st.mu.Unlock()
	if fut.Resolve(o) {
		slog.Debug("study ready", "study", st.id, "plots", len(o.Plots), "trades", tradeCount(o.Report))
	}
}

func (st *Study) fail(reason string) {
	st.mu.Lock()
	fut := st.outcome
	st.mu.Unlock()
	if fut.Resolve(Outcome{State: StudyErrored, Reason: reason}) {
		slog.Warn("study error", "study", st.id, "script", st.script.PineID, "reason", reason)
	}
}

// sortedPlots returns plots newest first. Caller holds st.mu.
func (st *Study) sortedPlots() []PlotPoint {
	out := make([]PlotPoint, 0, len(st.plots))
	for _, p := range st.plots {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	return out
}

func (st *Study) codedErr(code, msg string, cause error) *apperr.CodedError {
	st.chart.mu.Lock()
	symbol, tf := st.chart.symbol, st.chart.timeframe
	st.chart.mu.Unlock()
	return apperr.New(code, msg, cause).
		With("session", st.chart.id).
		With("symbol", symbol).
		With("timeframe", tf).
		With("script", st.script.PineID)
}

func tradeCount(r *StrategyReport) int {
	if r == nil {
		return 0
	}
	return len(r.Trades)
}
