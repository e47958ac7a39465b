package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by the loop and the adapters. All of them except
// ErrFatalLog and ErrPartitionsRevoked fail the current batch and cause a
// rewind.
var (
	ErrDecode          = errors.New("decode envelope")
	ErrTransport       = errors.New("catalog transport")
	ErrIngestionFailed = errors.New("ingestion task failed")
	ErrLogRead         = errors.New("log read")
	ErrFatalLog        = errors.New("fatal log error")

	// ErrPartitionsRevoked reports a commit or rewind refused because the
	// partitions were reassigned. The batch is redelivered to the new owner.
	ErrPartitionsRevoked = errors.New("partitions revoked")
)

// DecodeError describes why a message body could not be decoded.
type DecodeError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode envelope: " + e.Reason
	if e.Offset >= 0 {
		msg = fmt.Sprintf("decode envelope at offset %d: %s", e.Offset, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportError is returned when a backend answers with a non-success status.
type TransportError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("catalog transport: %s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
