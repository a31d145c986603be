package call

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Controller.
type Option func(*Controller)

// WithRoom sets the initial room identifier.
func WithRoom(room string) Option {
	return func(c *Controller) {
		c.room = room
	}
}

// WithIdentity sets the local participant identity.
func WithIdentity(identity string) Option {
	return func(c *Controller) {
		c.identity = identity
	}
}

// WithTokenEndpoint sets the token endpoint URL.
func WithTokenEndpoint(endpoint string) Option {
	return func(c *Controller) {
		c.tokenEndpoint = endpoint
	}
}

// WithServerURL sets the room server URL. A URL returned by the token
// endpoint takes precedence.
func WithServerURL(url string) Option {
	return func(c *Controller) {
		c.serverURL = url
	}
}

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the controller.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithDialer replaces the room dialer; tests use this to inject fake sessions.
func WithDialer(dial RoomDialer) Option {
	return func(c *Controller) {
		c.dial = dial
	}
}

// WithMediaDevices replaces the capture and playback device openers.
func WithMediaDevices(capture CaptureOpener, playback PlaybackOpener) Option {
	return func(c *Controller) {
		c.openCapture = capture
		c.openPlayback = playback
	}
}

// WithTickInterval changes the duration-counter tick. Intended for tests;
// the default is one second.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}
