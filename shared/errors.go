package shared

import (
	"errors"
	"fmt"
)

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionAborted        = errors.New("session aborted")
	ErrMicrophoneDenied      = errors.New("microphone permission denied")
	ErrNoRealtimeConfig      = errors.New("no realtime configuration")
)

// APIError is the wire-level error shape shared by the call-setup and
// session-bootstrap boundaries. Status/Message/Code are the only fields
// that ever reach logs; raw provider bodies stay out of them.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func NewAPIError(status int, message, code string) *APIError {
	return &APIError{Status: status, Message: message, Code: code}
}

// AsAPIError unwraps err into an APIError, defaulting to a 502 upstream
// failure so provider errors without an explicit status still pass through.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &APIError{Status: 502, Message: err.Error()}
}
