package icecast

import (
	"fmt"

	"github.com/pkg/errors"
)

// HTTPError is a handshake failure that maps to a status line on the wire.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

var (
	ErrMalformedHead    = &HTTPError{Code: 400, Message: "Wtf"}
	ErrInvalidMethod    = &HTTPError{Code: 405, Message: "Invalid method"}
	ErrAuthMissing      = &HTTPError{Code: 401, Message: "You need to authenticate"}
	ErrAuthDecode       = &HTTPError{Code: 403, Message: "Authorization failed"}
	ErrForbidden        = &HTTPError{Code: 403, Message: "Forbidden"}
	ErrRootMount        = &HTTPError{Code: 400, Message: "You cannot mount at root"}
	ErrHandshakeTimeout = &HTTPError{Code: 408, Message: "Request Timeout"}
	ErrMountInUse       = &HTTPError{Code: 409, Message: "Mount in use"}
	ErrShuttingDown     = &HTTPError{Code: 503, Message: "Server shutting down"}

	// ErrServerClosed is returned by Listen once Close has been called.
	ErrServerClosed = errors.New("icecast: server closed")
)

// Status lines that are not tied to a handshake failure.
const (
	statusUnknownCode     = 500
	statusUnknownMessage  = "Unknown error"
	statusSocketMessage   = "Oh no bye..."
	statusGoodbyeMessage  = "Thx bye <3"
	statusContinueMessage = "Continue"
)

// statusFor picks the status line for a failed handshake. Errors that do not
// unwrap to an *HTTPError never leak their text to the client.
func statusFor(err error) (int, string) {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.Code, herr.Message
	}
	return statusUnknownCode, statusUnknownMessage
}
