package errs

import (
	"errors"
	"fmt"
)

// CodedError carries a wire error code through the service layer so the
// HTTP edge can map it to a status and body without string matching.
type CodedError struct {
	Code Code
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// E wraps err with a wire code. A nil err produces a bare coded error.
func E(code Code, err error) error {
	return &CodedError{Code: code, Err: err}
}

// Ef wraps a formatted message with a wire code.
func Ef(code Code, format string, args ...any) error {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeFrom extracts the wire code from err, or CodeInternal when none is
// attached.
func CodeFrom(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}
