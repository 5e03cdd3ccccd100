package runstate

import (
	"errors"
	"fmt"
)

// ConfigurationError is a missing or invalid input: a path, a setting or a
// configuration file.
type ConfigurationError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	return describe("configuration error", "", e.Code, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// ToolFailureError is an external tool that failed after its retries.
type ToolFailureError struct {
	Module  string
	Code    string
	Message string
	Cause   error
}

func (e *ToolFailureError) Error() string {
	return describe("tool failure", e.Module, e.Code, e.Message)
}

func (e *ToolFailureError) Unwrap() error { return e.Cause }

// StructuralError is a malformed descriptor, a dependency cycle or an
// unexpected export result.
type StructuralError struct {
	Module  string
	Code    string
	Message string
	Cause   error
}

func (e *StructuralError) Error() string {
	return describe("structural error", e.Module, e.Code, e.Message)
}

func (e *StructuralError) Unwrap() error { return e.Cause }

// SystemFailureError is anything else: I/O failures, cancellation, panics.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	return describe("system failure", "", e.Code, e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

func describe(class, module, code, msg string) string {
	switch {
	case module != "" && code != "":
		return fmt.Sprintf("%s module=%s (%s): %s", class, module, code, msg)
	case module != "":
		return fmt.Sprintf("%s module=%s: %s", class, module, msg)
	case code != "":
		return fmt.Sprintf("%s (%s): %s", class, code, msg)
	default:
		return fmt.Sprintf("%s: %s", class, msg)
	}
}

// FailureFromError maps an error onto the failure taxonomy. Errors outside
// the taxonomy are recorded as system failures.
func FailureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var ce *ConfigurationError
	if errors.As(err, &ce) && ce != nil {
		return Failure{
			FailureClass: FailureClassConfiguration,
			ErrorCode:    nonEmptyOr(ce.Code, "ConfigurationError"),
			ErrorMessage: nonEmptyOr(ce.Message, ce.Error()),
		}, nil
	}

	var tf *ToolFailureError
	if errors.As(err, &tf) && tf != nil {
		return Failure{
			FailureClass: FailureClassTool,
			Module:       tf.Module,
			ErrorCode:    nonEmptyOr(tf.Code, "ToolFailure"),
			ErrorMessage: nonEmptyOr(tf.Message, tf.Error()),
		}, nil
	}

	var se *StructuralError
	if errors.As(err, &se) && se != nil {
		return Failure{
			FailureClass: FailureClassStructural,
			Module:       se.Module,
			ErrorCode:    nonEmptyOr(se.Code, "StructuralError"),
			ErrorMessage: nonEmptyOr(se.Message, se.Error()),
		}, nil
	}

	var sf *SystemFailureError
	if errors.As(err, &sf) && sf != nil {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    nonEmptyOr(sf.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(sf.Message, sf.Error()),
		}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
