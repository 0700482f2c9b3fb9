package params

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
)

// InputType is the declared type of a script input.
type InputType int

const (
	TypeText InputType = iota
	TypeInteger
	TypeFloat
	TypeBool
	TypeResolution
	TypeSource
	TypeSymbol
	TypeSession
	TypeColor
	TypeTime
)

var typeNames = map[InputType]string{
	TypeText:       "text",
	TypeInteger:    "integer",
	TypeFloat:      "float",
	TypeBool:       "bool",
	TypeResolution: "resolution",
	TypeSource:     "source",
	TypeSymbol:     "symbol",
	TypeSession:    "session",
	TypeColor:      "color",
	TypeTime:       "time",
}

func (t InputType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "text"
}

// ParseInputType maps a declared type name onto InputType. Unknown names are text.
func ParseInputType(s string) InputType {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeText
}

func (t InputType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *InputType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseInputType(s)
	return nil
}

// CanonicalPrefix is prepended to positional input ids.
const CanonicalPrefix = "in_"

// Input describes one script input.
type Input struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Inline     string    `json:"inline,omitempty"`
	InternalID string    `json:"internal_id,omitempty"`
	Type       InputType `json:"type"`
	Default    any       `json:"default,omitempty"`
	Options    []string  `json:"options,omitempty"`
	Hidden     bool      `json:"hidden,omitempty"`
}

// Script is a loaded indicator or strategy definition.
type Script struct {
	PineID      string           `json:"pine_id"`
	PineVersion string           `json:"pine_version"`
	Description string           `json:"description,omitempty"`
	Template    string           `json:"-"`
	Inputs      map[string]Input `json:"inputs"`
	IsStrategy  bool             `json:"is_strategy"`
}

// SortedInputs returns the inputs ordered by id.
func (s *Script) SortedInputs() []Input {
	out := make([]Input, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return inputLess(out[i].ID, out[j].ID) })
	return out
}

// inputLess orders in_2 before in_10.
func inputLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, CanonicalPrefix))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, CanonicalPrefix))
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

// Resolver maps caller-supplied keys onto canonical input ids.
// Lookups are case-sensitive after trimming.
type Resolver struct {
	script  *Script
	byKey   map[string]string
	ordered []Input
}

// NewResolver builds the lookup table for script. Precedence when keys
// collide: canonical id, display name, inline group, internal id.
func NewResolver(script *Script) *Resolver {
	r := &Resolver{script: script, byKey: make(map[string]string)}
	if script == nil {
		return r
	}
	r.ordered = script.SortedInputs()

	add := func(key, id string) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if _, exists := r.byKey[key]; !exists {
			r.byKey[key] = id
		}
	}
	for _, in := range r.ordered {
		add(in.ID, in.ID)
	}
	for _, in := range r.ordered {
		add(in.Name, in.ID)
	}
	for _, in := range r.ordered {
		add(in.Inline, in.ID)
	}
	for _, in := range r.ordered {
		add(in.InternalID, in.ID)
	}
	return r
}

// Resolve returns the canonical id for key.
func (r *Resolver) Resolve(key string) (string, error) {
	k := strings.TrimSpace(key)
	if k != "" {
		if _, ok := r.inputs()[k]; ok {
			return k, nil
		}
		if _, ok := r.inputs()[CanonicalPrefix+k]; ok {
			return CanonicalPrefix + k, nil
		}
		if id, ok := r.byKey[k]; ok {
			return id, nil
		}
	}
	return "", r.unknown(key)
}

func (r *Resolver) inputs() map[string]Input {
	if r.script == nil {
		return nil
	}
	return r.script.Inputs
}

func (r *Resolver) unknown(key string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "unknown parameter %q; available parameters:", key)
	n := 0
	for _, in := range r.ordered {
		if in.Hidden {
			continue
		}
		fmt.Fprintf(&b, "\n  - %s (id: %s, type: %s)", strings.TrimSpace(in.Name), in.ID, in.Type)
		n++
	}
	if n == 0 {
		b.WriteString(" none")
	}
	return apperr.New(apperr.CodeUnknownParameter, b.String(), nil)
}

// Input returns the declared input for a canonical id.
func (r *Resolver) Input(id string) (Input, bool) {
	in, ok := r.inputs()[id]
	return in, ok
}

// Visible returns the non-hidden inputs in id order.
func (r *Resolver) Visible() []Input {
	out := make([]Input, 0, len(r.ordered))
	for _, in := range r.ordered {
		if !in.Hidden {
			out = append(out, in)
		}
	}
	return out
}

// ResolveValues resolves every key and coerces each value to its declared
// type. The result is keyed by canonical id.
func (r *Resolver) ResolveValues(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		id, err := r.Resolve(key)
		if err != nil {
			return nil, err
		}
		in := r.inputs()[id]
		v, err := coerce(values[key], in.Type)
		if err != nil {
			return nil, apperr.Newf(apperr.CodeTypeCoercion,
				"parameter %q (%s): %v", strings.TrimSpace(in.Name), id, err)
		}
		out[id] = v
	}
	return out, nil
}

// Coerce converts v to the Go representation of t: int64 for integer and
// time, float64 for float, bool for bool, string otherwise. Failures carry
// CodeTypeCoercion.
func Coerce(v any, t InputType) (any, error) {
	out, err := coerce(v, t)
	if err != nil {
		return nil, apperr.New(apperr.CodeTypeCoercion, err.Error(), nil).With("type", t.String())
	}
	return out, nil
}

func coerce(v any, t InputType) (any, error) {
	switch t {
	case TypeInteger, TypeTime:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return int64(math.Floor(f)), nil
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	default:
		return toString(v)
	}
}

func toFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as a number", x.String())
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as a number", x)
		}
		f = p
	default:
		return 0, fmt.Errorf("cannot use %T as a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not finite", f)
	}
	return f, nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as a bool", x)
	case float64, float32, int, int64, int32, json.Number:
		f, err := toFloat(x)
		if err != nil {
			return false, err
		}
		return f != 0, nil
	default:
		return false, fmt.Errorf("cannot use %T as a bool", v)
	}
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", fmt.Errorf("value is null")
	default:
		return "", fmt.Errorf("cannot use %T as text", v)
	}
}
