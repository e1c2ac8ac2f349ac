package stream

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned when an Assembler is asked to consume a second stream.
var ErrAlreadyStarted = errors.New("assembler already started")

// TransportError reports a network or connection failure before or during streaming.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed event line or payload. Single occurrences are recovered by
// the Decoder; it only surfaces when the configured limit of consecutive malformed lines is hit.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed stream line %q", e.Line)
	}
	return fmt.Sprintf("malformed stream line %q: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ModelError is an explicit error reported by the model service inside the stream.
type ModelError struct {
	Message string
}

func (e *ModelError) Error() string {
	return "model error: " + e.Message
}

// HTTPError reports a non-2xx status received before streaming began.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// DisplayMessage converts an error that ended a generation into the text shown in place of the
// assistant message.
func DisplayMessage(err error) string {
	var (
		modelErr    *ModelError
		httpErr     *HTTPError
		protocolErr *ProtocolError
	)
	switch {
	case errors.As(err, &modelErr):
		return "Error: " + modelErr.Message
	case errors.As(err, &httpErr):
		return fmt.Sprintf("Error: unable to reach the model service (HTTP %d)", httpErr.StatusCode)
	case errors.As(err, &protocolErr):
		return "Error: malformed response stream"
	default:
		return "Error: transport failure"
	}
}
