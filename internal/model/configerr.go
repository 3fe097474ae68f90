package model

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // agent.server_key
	Code    string // missing_required | unknown_field | type_mismatch | conflicting_values | invalid_value ...
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reInvalid     = regexp.MustCompile(`(?i)invalid value|out of bound|does not match`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// CueErrDetails turns a configuration error into one detail per offending field.
// Errors not produced by CUE are returned as a single validation_error.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	var cueErr cueerrors.Error
	if !errors.As(err, &cueErr) {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		if _, ok := seen[path+raw]; ok {
			continue
		}
		seen[path+raw] = struct{}{}

		code, msg := classify(raw, path)
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", field)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", field)
	case reInvalid.MatchString(raw):
		return "invalid_value", fmt.Sprintf("Field %s has invalid value: %s", field, raw)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", field)
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
