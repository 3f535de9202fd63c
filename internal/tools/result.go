package tools

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/basket/warden/internal/policy"
)

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	ErrorKindPathViolation       ErrorKind = "path_violation"
	ErrorKindCommandViolation    ErrorKind = "command_violation"
	ErrorKindResourceViolation   ErrorKind = "resource_violation"
	ErrorKindToolNotFound        ErrorKind = "tool_not_found"
	ErrorKindParameterValidation ErrorKind = "parameter_validation"
	ErrorKindCommandFailed       ErrorKind = "command_failed"
	ErrorKindNotFound            ErrorKind = "not_found"
	ErrorKindIO                  ErrorKind = "io"
	ErrorKindInternal            ErrorKind = "internal"
)

// Metadata keys set on results.
const (
	MetaErrorKind     = "error_kind"
	MetaViolationKind = "violation_kind"
	MetaTruncated     = "truncated"
	MetaMatches       = "matches"
	MetaWorkDir       = "working_directory"
	MetaPath          = "path"
	MetaDiff          = "diff"
)

// Result is the outcome of one tool invocation. Constructors copy the
// metadata they are given.
type Result struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OK builds a successful result.
func OK(data any, meta map[string]any) Result {
	return Result{Success: true, Data: data, Metadata: copyMeta(meta)}
}

// Fail builds a failed result tagged with kind.
func Fail(kind ErrorKind, msg string, meta map[string]any) Result {
	m := copyMeta(meta)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[MetaErrorKind] = string(kind)
	return Result{Success: false, Error: msg, Metadata: m}
}

// FromError classifies err into a failed result.
func FromError(err error) Result {
	if v, ok := policy.AsViolation(err); ok {
		return Fail(ErrorKind(string(v.Kind)+"_violation"), v.Error(), map[string]any{
			MetaViolationKind: string(v.Kind),
		})
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Fail(ErrorKindNotFound, err.Error(), nil)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrExist):
		return Fail(ErrorKindIO, err.Error(), nil)
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return Fail(ErrorKindIO, err.Error(), nil)
	}
	return Fail(ErrorKindInternal, err.Error(), nil)
}

// ErrorKind returns the failure classification, or "" on success.
func (r Result) ErrorKind() ErrorKind {
	if r.Success {
		return ""
	}
	if k, ok := r.Metadata[MetaErrorKind].(string); ok {
		return ErrorKind(k)
	}
	return ErrorKindInternal
}

// ViolationKind returns the policy violation behind a failure, if any.
func (r Result) ViolationKind() policy.ViolationKind {
	if k, ok := r.Metadata[MetaViolationKind].(string); ok {
		return policy.ViolationKind(k)
	}
	return ""
}

// IsViolation reports whether the result failed on a policy decision.
func (r Result) IsViolation() bool { return r.ViolationKind() != "" }

// Meta returns a copy of the metadata map.
func (r Result) Meta() map[string]any { return copyMeta(r.Metadata) }

// String renders the result for conversation history.
func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("ok: %v", r.Data)
	}
	return fmt.Sprintf("error (%s): %s", r.ErrorKind(), r.Error)
}

func copyMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
