package logging

import (
	"errors"
	"fmt"
)

// OperationError tags an error with the operation and request it failed in.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID == "" {
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError returns nil when err is nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// RequestID reports the outermost request id recorded in err's chain.
func RequestID(err error) (string, bool) {
	for err != nil {
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			return "", false
		}
		if opErr.RequestID != "" {
			return opErr.RequestID, true
		}
		err = opErr.Err
	}
	return "", false
}
