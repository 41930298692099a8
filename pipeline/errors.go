package pipeline

import (
	"errors"
	"fmt"
)

// Error categories. The sentinel text is the category written into the
// item's note.
var (
	ErrLLM               = errors.New("llm_error")
	ErrMalformedResponse = errors.New("malformed_response")
	ErrStoreWrite        = errors.New("store_write_error")

	ErrUnknownStage = errors.New("pipeline: unknown stage")
)

// payloadError attaches the raw failing payload (usually the LLM reply)
// to an error so the runner can store it in error_payload.
type payloadError struct {
	err     error
	payload string
}

func (e *payloadError) Error() string { return e.err.Error() }
func (e *payloadError) Unwrap() error { return e.err }

func withPayload(err error, payload string) error {
	if err == nil {
		return nil
	}
	return &payloadError{err: err, payload: payload}
}

func payloadOf(err error) string {
	var pe *payloadError
	if errors.As(err, &pe) {
		return pe.payload
	}
	return ""
}

// malformed wraps a parse or validation failure of reply.
func malformed(reply string, format string, args ...any) error {
	return withPayload(fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...)), reply)
}

// failureNote renders the "<stage>: <category>: <message>" note.
func failureNote(stage string, err error) string {
	for _, cat := range []error{ErrLLM, ErrMalformedResponse, ErrStoreWrite} {
		if errors.Is(err, cat) {
			return stage + ": " + err.Error()
		}
	}
	return stage + ": error: " + err.Error()
}
