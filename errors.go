package marketgate

import (
	"errors"
	"fmt"

	"github.com/layer-3/marketgate/core"
)

// ErrNotLoggedIn is returned by calls that need a session before Login succeeded
var ErrNotLoggedIn = errors.New("marketgate: not logged in")

// APIError is a failure reported by the gateway. It matches the core sentinel
// with the same code under errors.Is.
type APIError struct {
	StatusCode  int           `json:"-"`
	Category    core.Category `json:"category"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	OperationID string        `json:"operation_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%d %s): %s", e.Message, e.StatusCode, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// Is matches core errors by code
func (e *APIError) Is(target error) bool {
	t, ok := target.(*core.Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
