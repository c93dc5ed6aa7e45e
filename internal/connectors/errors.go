package connectors

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedTool — коннектор не знает такого инструмента
var ErrUnsupportedTool = errors.New("connector: tool not supported")

// ThrottleError — целевая система попросила подождать (Retry-After / RESOURCE_EXHAUSTED).
// ReliabilityWrapper использует RetryAfter вместо экспоненциальной задержки.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }
