package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	CodeConnection       = "CONNECTION_ERROR"
	CodeLoginTimeout     = "LOGIN_TIMEOUT"
	CodeAuth             = "AUTH_ERROR"
	CodeSession          = "SESSION_ERROR"
	CodeStudy            = "STUDY_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodePlanRestricted   = "PLAN_RESTRICTED"
	CodeUnknownParameter = "UNKNOWN_PARAMETER"
	CodeTypeCoercion     = "TYPE_COERCION"
	CodeInvalidRange     = "INVALID_RANGE"
	CodeValidation       = "VALIDATION"
	CodeConfig           = "CONFIG"
	CodeNotFound         = "NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
// Fields carries retry context such as symbol, timeframe and script id.
type CodedError struct {
	Code    string
	Message string
	Cause   error
	Fields  map[string]string
}

func (e *CodedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New builds a CodedError.
func New(code, msg string, cause error) *CodedError {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Newf builds a CodedError with a formatted message.
func Newf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of e carrying an extra context field.
func (e *CodedError) With(key, value string) *CodedError {
	if value == "" {
		return e
	}
	out := *e
	out.Fields = make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	out.Fields[key] = value
	return &out
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// FieldsOf returns the context fields of the first CodedError in err's chain.
func FieldsOf(err error) map[string]string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Fields
	}
	return nil
}
