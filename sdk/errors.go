package call

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/vango-go/vai-call/pkg/core"
)

// Error is the canonical call error type.
type Error = core.Error

// Error kinds.
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrToken          = core.ErrToken
	ErrCapture        = core.ErrCapture
	ErrTransport      = core.ErrTransport
	ErrTrack          = core.ErrTrack
)

// Error constructors.
var (
	NewInvalidRequestError = core.NewInvalidRequestError
	NewTokenError          = core.NewTokenError
	NewCaptureError        = core.NewCaptureError
	NewTrackError          = core.NewTrackError
)

// IsTokenError reports whether err is a token endpoint failure.
func IsTokenError(err error) bool { return core.IsType(err, core.ErrToken) }

// IsCaptureError reports whether err is a local device failure.
func IsCaptureError(err error) bool { return core.IsType(err, core.ErrCapture) }

// IsTransportError reports whether err is a room transport failure.
func IsTransportError(err error) bool {
	if core.IsType(err, core.ErrTransport) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}

// IsTrackError reports whether err is a track publish/subscribe failure.
func IsTrackError(err error) bool { return core.IsType(err, core.ErrTrack) }

// TransportError represents wire-level failures (DNS, timeouts, connection
// reset, TLS handshake, websocket dial) while talking to the room server.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical call errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// errorKind classifies err for metrics and the failure banner. Anything not
// already canonical is treated as a transport failure.
func errorKind(err error) core.ErrorType {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return coreErr.Type
	}
	return core.ErrTransport
}
