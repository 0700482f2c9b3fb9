package rangeroute

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
)

// Mode selects which endpoint serves a request.
type Mode string

const (
	ModeRegular Mode = "regular"
	ModeDeep    Mode = "deep"
)

// HigherTimeframeBars is the flat window requested by "chart" on D and above.
const HigherTimeframeBars = 20000

const acceptedForms = `accepted ranges: "chart", "max", "<N>d" (e.g. "30d"), {"from": "YYYY-MM-DD", "to": "YYYY-MM-DD"}, or a positive bar count`

var daysPattern = regexp.MustCompile(`^([0-9]+)d$`)

// SpecKind tags the form a range was given in.
type SpecKind int

const (
	SpecChart SpecKind = iota + 1
	SpecMax
	SpecDays
	SpecDateRange
	SpecBars
)

// Spec is a parsed range request.
type Spec struct {
	Kind SpecKind
	Days int
	Bars int
	From string
	To   string
}

// Decision is the routing outcome. From/To are unix seconds.
type Decision struct {
	Mode Mode  `json:"mode"`
	Bars int   `json:"bars,omitempty"`
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

func invalidRange(format string, args ...any) error {
	return apperr.New(apperr.CodeInvalidRange, fmt.Sprintf(format, args...)+"; "+acceptedForms, nil)
}

// ParseSpec converts a caller-supplied value (string preset, number, or
// {from,to} object) into a Spec.
func ParseSpec(v any) (Spec, error) {
	switch x := v.(type) {
	case Spec:
		return x, nil
	case string:
		return parseStringSpec(x)
	case int:
		return barsSpec(float64(x))
	case int64:
		return barsSpec(float64(x))
	case float64:
		return barsSpec(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Spec{}, invalidRange("invalid range %q", x.String())
		}
		return barsSpec(f)
	case map[string]any:
		from, ok := x["from"]
		if !ok {
			return Spec{}, invalidRange("range object needs a \"from\" field")
		}
		spec := Spec{Kind: SpecDateRange, From: stringify(from)}
		if to, ok := x["to"]; ok && to != nil {
			spec.To = stringify(to)
		}
		if spec.From == "" {
			return Spec{}, invalidRange("range \"from\" is empty")
		}
		return spec, nil
	case nil:
		return Spec{}, invalidRange("range is required")
	default:
		return Spec{}, invalidRange("unsupported range type %T", v)
	}
}

func parseStringSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "chart":
		return Spec{Kind: SpecChart}, nil
	case "max":
		return Spec{Kind: SpecMax}, nil
	}
	if m := daysPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return Spec{}, invalidRange("invalid day count %q", s)
		}
		return Spec{Kind: SpecDays, Days: n}, nil
	}
	return Spec{}, invalidRange("unknown range %q", s)
}

func barsSpec(f float64) (Spec, error) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return Spec{}, invalidRange("bar count must be a positive integer, got %v", f)
	}
	return Spec{Kind: SpecBars, Bars: int(f)}, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// Router decides between regular and deep fetches.
type Router struct {
	Now       func() time.Time
	LimitsFor func(tier string) plan.Limits
}

// NewRouter returns a Router using the wall clock and default plan limits.
func NewRouter() *Router {
	return &Router{Now: time.Now, LimitsFor: plan.LimitsFor}
}

// Route parses v and routes it with the wall clock.
func Route(v any, timeframe, tier string) (Decision, error) {
	return NewRouter().RouteAny(v, timeframe, tier)
}

// RouteAny parses v then routes it.
func (r *Router) RouteAny(v any, timeframe, tier string) (Decision, error) {
	spec, err := ParseSpec(v)
	if err != nil {
		return Decision{}, err
	}
	return r.Route(spec, timeframe, tier)
}

// Route computes the fetch mode and bounds for spec. It never enforces plan
// restrictions; see Authorize.
func (r *Router) Route(spec Spec, timeframe, tier string) (Decision, error) {
	switch spec.Kind {
	case SpecDateRange:
		from, err := parseDate(spec.From, false)
		if err != nil {
			return Decision{}, err
		}
		to := r.now().Unix()
		if spec.To != "" {
			if to, err = parseDate(spec.To, true); err != nil {
				return Decision{}, err
			}
		}
		if from > to {
			return Decision{}, invalidRange("range from %q is after to %q", spec.From, spec.To)
		}
		return Decision{Mode: ModeDeep, From: from, To: to}, nil

	case SpecMax:
		return Decision{Mode: ModeDeep}, nil

	case SpecChart:
		tf, err := ParseTimeframe(timeframe)
		if err != nil {
			return Decision{}, apperr.New(apperr.CodeValidation, err.Error(), nil)
		}
		if !tf.Intraday() {
			return Decision{Mode: ModeRegular, Bars: HigherTimeframeBars}, nil
		}
		return Decision{Mode: ModeRegular, Bars: r.limits(tier).MaxRegularBars}, nil

	case SpecDays:
		bars, err := DaysToBars(spec.Days, timeframe)
		if err != nil {
			return Decision{}, apperr.New(apperr.CodeValidation, err.Error(), nil)
		}
		if bars <= r.limits(tier).MaxRegularBars {
			return Decision{Mode: ModeRegular, Bars: bars}, nil
		}
		now := r.now()
		return Decision{
			Mode: ModeDeep,
			From: now.AddDate(0, 0, -spec.Days).Unix(),
			To:   now.Unix(),
		}, nil

	case SpecBars:
		return Decision{Mode: ModeRegular, Bars: spec.Bars}, nil
	}
	return Decision{}, invalidRange("empty range")
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) limits(tier string) plan.Limits {
	if r.LimitsFor != nil {
		return r.LimitsFor(tier)
	}
	return plan.LimitsFor(tier)
}

// Authorize rejects deep decisions for accounts below the premium tier.
func Authorize(d Decision, tier string) error {
	if d.Mode != ModeDeep {
		return nil
	}
	tier = plan.Normalize(tier)
	if tier == plan.TierPremium {
		return nil
	}
	return apperr.Newf(apperr.CodePlanRestricted,
		"deep backtesting requires the %s plan (current plan: %s); use range \"chart\" for the largest regular window (%d bars)",
		plan.TierPremium, tier, plan.LimitsFor(tier).MaxRegularBars)
}

// parseDate accepts YYYY-MM-DD, RFC3339, or unix seconds/milliseconds.
// Date-only values used as an upper bound snap to 23:59:59 UTC.
func parseDate(s string, endOfDay bool) (int64, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t.Unix(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			n /= 1000
		}
		return n, nil
	}
	return 0, invalidRange("invalid date %q", s)
}
