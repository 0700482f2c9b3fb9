package rangeroute

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testRouter() *Router {
	return &Router{Now: func() time.Time { return fixedNow }, LimitsFor: plan.LimitsFor}
}

func TestRouteIsDeterministic(t *testing.T) {
	r := testRouter()
	inputs := []any{
		"chart", "max", "30d", "7d", 1500,
		map[string]any{"from": "2025-01-01", "to": "2025-02-01"},
		map[string]any{"from": "2025-01-01"},
	}
	for _, in := range inputs {
		a, errA := r.RouteAny(in, "60", plan.TierPro)
		b, errB := r.RouteAny(in, "60", plan.TierPro)
		if (errA == nil) != (errB == nil) || a != b {
			t.Fatalf("RouteAny(%v) not deterministic: %+v/%v vs %+v/%v", in, a, errA, b, errB)
		}
	}
}

func TestRouteChartPreset(t *testing.T) {
	r := testRouter()
	for _, tier := range []string{"", plan.TierFree, plan.TierPro, plan.TierPremium} {
		got, err := r.RouteAny("chart", "D", tier)
		if err != nil {
			t.Fatalf("RouteAny(chart, D, %q) error = %v", tier, err)
		}
		want := Decision{Mode: ModeRegular, Bars: 20000}
		if got != want {
			t.Fatalf("RouteAny(chart, D, %q) = %+v; want %+v", tier, got, want)
		}
	}

	tests := map[string]int{
		plan.TierFree:     5000,
		plan.TierPro:      10000,
		plan.TierProTrial: 10000,
		plan.TierProPlus:  10000,
		plan.TierPremium:  20000,
	}
	for tier, want := range tests {
		got, err := r.RouteAny("chart", "15", tier)
		if err != nil {
			t.Fatalf("RouteAny(chart, 15, %q) error = %v", tier, err)
		}
		if got.Mode != ModeRegular || got.Bars != want {
			t.Errorf("RouteAny(chart, 15, %q) = %+v; want regular/%d", tier, got, want)
		}
	}
}

func TestRouteDayPresetUpgradesToDeep(t *testing.T) {
	r := testRouter()

	got, err := r.RouteAny("30d", "1", plan.TierFree)
	if err != nil {
		t.Fatalf("RouteAny(30d, 1) error = %v", err)
	}
	if got.Mode != ModeDeep {
		t.Fatalf("RouteAny(30d, 1, free) mode = %q; want deep", got.Mode)
	}
	if got.To != fixedNow.Unix() || got.From != fixedNow.AddDate(0, 0, -30).Unix() {
		t.Fatalf("RouteAny(30d, 1, free) bounds = %d..%d", got.From, got.To)
	}

	got, err = r.RouteAny("30d", "D", plan.TierFree)
	if err != nil {
		t.Fatalf("RouteAny(30d, D) error = %v", err)
	}
	if got.Mode != ModeRegular || got.Bars != 22 {
		t.Fatalf("RouteAny(30d, D, free) = %+v; want regular/22", got)
	}
}

func TestDaysToBars(t *testing.T) {
	tests := []struct {
		days int
		tf   string
		want int
	}{
		{7, "D", 5},
		{7, "1D", 5},
		{14, "W", 2},
		{30, "1", 30600},
		{7, "60", 119},
		{60, "M", 2},
	}
	for _, tt := range tests {
		got, err := DaysToBars(tt.days, tt.tf)
		if err != nil {
			t.Fatalf("DaysToBars(%d, %q) error = %v", tt.days, tt.tf, err)
		}
		if got != tt.want {
			t.Errorf("DaysToBars(%d, %q) = %d; want %d", tt.days, tt.tf, got, tt.want)
		}
	}

	if _, err := DaysToBars(0, "D"); err == nil {
		t.Fatal("DaysToBars(0) = nil error; want error")
	}
	if _, err := DaysToBars(5, "banana"); err == nil {
		t.Fatal("DaysToBars(banana) = nil error; want error")
	}
}

func TestRouteDateRange(t *testing.T) {
	r := testRouter()
	got, err := r.RouteAny(map[string]any{"from": "2025-01-01", "to": "2025-02-01"}, "D", plan.TierPremium)
	if err != nil {
		t.Fatalf("RouteAny(date range) error = %v", err)
	}
	want := Decision{Mode: ModeDeep, From: 1735689600, To: 1738454399}
	if got != want {
		t.Fatalf("RouteAny(date range) = %+v; want %+v", got, want)
	}

	got, err = r.RouteAny(map[string]any{"from": "2025-01-01"}, "D", plan.TierPremium)
	if err != nil {
		t.Fatalf("RouteAny(open range) error = %v", err)
	}
	if got.To != fixedNow.Unix() {
		t.Fatalf("open range to = %d; want now %d", got.To, fixedNow.Unix())
	}

	_, err = r.RouteAny(map[string]any{"from": "2025-03-01", "to": "2025-02-01"}, "D", plan.TierPremium)
	if !apperr.Is(err, apperr.CodeInvalidRange) {
		t.Fatalf("reversed range error = %v; want INVALID_RANGE", err)
	}
}

func TestRouteRawBarsBypassesPlan(t *testing.T) {
	r := testRouter()
	for _, in := range []any{1500, 1500.0, int64(1500), json.Number("1500")} {
		got, err := r.RouteAny(in, "D", "")
		if err != nil {
			t.Fatalf("RouteAny(%v) error = %v", in, err)
		}
		if got != (Decision{Mode: ModeRegular, Bars: 1500}) {
			t.Fatalf("RouteAny(%v) = %+v", in, got)
		}
	}
	got, err := r.RouteAny(90000, "1", plan.TierFree)
	if err != nil || got.Bars != 90000 || got.Mode != ModeRegular {
		t.Fatalf("RouteAny(90000) = %+v, %v; want uncapped regular", got, err)
	}
}

func TestRouteMax(t *testing.T) {
	got, err := testRouter().RouteAny("max", "1", plan.TierPremium)
	if err != nil {
		t.Fatalf("RouteAny(max) error = %v", err)
	}
	if got != (Decision{Mode: ModeDeep}) {
		t.Fatalf("RouteAny(max) = %+v; want bare deep", got)
	}
}

func TestRouteInvalidListsPresets(t *testing.T) {
	for _, in := range []any{"forever", "30D", -5, 0, 1.5, nil, true, map[string]any{"to": "2025-01-01"}, map[string]any{"from": "yesterday"}} {
		_, err := testRouter().RouteAny(in, "D", plan.TierFree)
		if !apperr.Is(err, apperr.CodeInvalidRange) {
			t.Fatalf("RouteAny(%v) error = %v; want INVALID_RANGE", in, err)
		}
		for _, preset := range []string{`"chart"`, `"max"`, `"<N>d"`, "from", "bar count"} {
			if !strings.Contains(err.Error(), preset) {
				t.Fatalf("RouteAny(%v) error %q does not list %s", in, err, preset)
			}
		}
	}
}

func TestAuthorize(t *testing.T) {
	deep := Decision{Mode: ModeDeep}
	if err := Authorize(deep, plan.TierPremium); err != nil {
		t.Fatalf("Authorize(premium) = %v; want nil", err)
	}
	if err := Authorize(Decision{Mode: ModeRegular, Bars: 10}, plan.TierFree); err != nil {
		t.Fatalf("Authorize(regular) = %v; want nil", err)
	}

	err := Authorize(deep, plan.TierPro)
	if !apperr.Is(err, apperr.CodePlanRestricted) {
		t.Fatalf("Authorize(pro) = %v; want PLAN_RESTRICTED", err)
	}
	for _, want := range []string{plan.TierPremium, `"chart"`, "10000"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Authorize(pro) message %q missing %q", err, want)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in       string
		intraday bool
		minutes  float64
	}{
		{"1", true, 1},
		{"240", true, 240},
		{"30S", true, 0.5},
		{"4H", true, 240},
		{"D", false, 0},
		{"1W", false, 0},
		{"3M", false, 0},
	}
	for _, tt := range tests {
		tf, err := ParseTimeframe(tt.in)
		if err != nil {
			t.Fatalf("ParseTimeframe(%q) error = %v", tt.in, err)
		}
		if tf.Intraday() != tt.intraday || tf.Minutes != tt.minutes {
			t.Errorf("ParseTimeframe(%q) = %+v", tt.in, tf)
		}
	}
	for _, bad := range []string{"", "0", "xD", "-5"} {
		if _, err := ParseTimeframe(bad); err == nil {
			t.Errorf("ParseTimeframe(%q) = nil error; want error", bad)
		}
	}
}
