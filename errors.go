package respoke

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Failure classes of the signaling service. RPC failures carry status and
// attempt details in a *RequestError that unwraps to one of these, so
// callers can route on errors.Is.
var (
	ErrNotConnected      = errors.New("signaling channel is not connected")
	ErrDisconnected      = errors.New("request aborted: socket disconnected")
	ErrRequestTooLarge   = errors.New("request body is over the send limit")
	ErrAuth              = errors.New("authentication failed")
	ErrSuspended         = errors.New("endpoint cannot connect: the service account is suspended")
	ErrBillingSuspension = errors.New("endpoint cannot connect: the service account is suspended for billing reasons and must be updated")
	ErrRateLimited       = errors.New("request rate limited")
	ErrBadResponse       = errors.New("unparsable response body")
	ErrMalformedSignal   = errors.New("malformed signal")
)

// RequestError is a failed signaling RPC.
type RequestError struct {
	// Status is the status of the final response frame, 0 for failures
	// raised before any frame was exchanged.
	Status int
	// Tries is the number of attempts made. Greater than 1 only after
	// rate-limit retries.
	Tries   int
	Message string

	class error
}

func (e *RequestError) Error() string {
	msg := e.Message
	if msg == "" && e.class != nil {
		msg = e.class.Error()
	}
	switch {
	case e.Tries > 1:
		return fmt.Sprintf("%s (status %d after %d tries)", msg, e.Status, e.Tries)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d)", msg, e.Status)
	default:
		return msg
	}
}

func (e *RequestError) Unwrap() error { return e.class }

// errorBody is the error shape the service puts in response bodies.
type errorBody struct {
	Error   string `json:"error"`
	Details struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"details"`
}

// suspensionError classifies a 401 body. A billing suspension is reported in
// details.reason, a general suspension in details.message. Returns nil when
// the body carries neither marker.
func suspensionError(body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	if strings.Contains(eb.Details.Reason, "billing suspension") {
		return ErrBillingSuspension
	}
	if strings.Contains(eb.Details.Message, "suspended") {
		return ErrSuspended
	}
	return nil
}

// statusMessage extracts the service error message from a response body,
// falling back to a generic per-code message.
func statusMessage(status int, body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("request failed: %s", strings.ToLower(text))
	}
	return fmt.Sprintf("request failed with status %d", status)
}
