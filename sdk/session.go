// Package call implements the voice-call client: a session controller that
// establishes a real-time room session, publishes the caller's microphone,
// plays the remote agent's synthesized voice, and assembles an ordered
// transcript from the room's event stream.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/protocol"
)

// ConnState is the call connection lifecycle state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent copy of the visible call state.
type Snapshot struct {
	Room           string
	Identity       string
	State          ConnState
	ElapsedSeconds int
	ErrorMessage   string
	Muted          bool
	VolumePercent  int
	Entries        []TranscriptEntry
	Partial        string
	AgentSpeaking  bool
}

// Controller owns one call session's lifecycle and coordinates the track
// manager and transcript aggregator.
//
// All state lives on the Run loop goroutine; public methods post commands
// into it, so they are safe to call from any goroutine once Run is running.
// Token fetch, room dial, device acquisition, and teardown never block the
// loop — they run in worker goroutines and post their results back.
type Controller struct {
	room          string
	identity      string
	tokenEndpoint string
	serverURL     string
	httpClient    *http.Client
	logger        *slog.Logger
	metrics       *Metrics
	dial          RoomDialer
	openCapture   CaptureOpener
	openPlayback  PlaybackOpener
	tickInterval  time.Duration

	tokens *TokenClient
	media  *TrackManager

	cmds    chan func()
	updates chan struct{}
	done    chan struct{}

	// Loop-owned state. Never touched off the Run goroutine.
	runCtx        context.Context
	ticker        *time.Ticker
	state         ConnState
	sess          RoomSession
	elapsed       int
	errMsg        string
	endRequested  bool
	connectedOnce bool
	connectSeq    int
	transcript    *Transcript
}

// NewController creates a controller. Run must be started before any other
// method is called.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		identity:     "caller",
		tickInterval: time.Second,
		logger:       slog.Default(),
		cmds:         make(chan func(), 32),
		updates:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		state:        StateIdle,
		transcript:   NewTranscript(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}
	if c.dial == nil {
		c.dial = DialRoom
	}
	c.tokens = NewTokenClient(c.tokenEndpoint, c.httpClient)
	c.media = NewTrackManager(c.logger, c.openCapture, c.openPlayback, c.metrics)
	return c
}

// Run executes the controller event loop until ctx is canceled. All
// transitions — user commands, room events, and the duration tick — happen
// here, one at a time.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	c.ticker = time.NewTicker(c.tickInterval)
	defer c.ticker.Stop()

	for {
		var events <-chan Event
		if c.sess != nil {
			events = c.sess.Events()
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case <-c.ticker.C:
			if c.state == StateConnected {
				c.elapsed++
				c.notify()
			}
		case ev, ok := <-events:
			if !ok {
				c.handleSessionClosed()
				continue
			}
			c.handleEvent(ev)
		}
	}
}

// StartCall begins connecting: token fetch, room dial, local track publish.
// No-op unless the controller is Idle or Failed, so issuing it twice never
// produces two connection attempts.
func (c *Controller) StartCall() { c.post(c.startCall) }

// EndCall tears the call down and always returns the controller to Idle,
// even when the transport reports a teardown error. Issued while Connecting
// it is recorded and honored once the in-flight attempt resolves.
func (c *Controller) EndCall() { c.post(c.endCall) }

// SetMuted toggles microphone transmission. No-op when no local track exists.
func (c *Controller) SetMuted(muted bool) {
	c.post(func() {
		c.media.SetMuted(c.sess, muted)
		c.notify()
	})
}

// SetVolume sets playback volume, clamped to [0,100].
func (c *Controller) SetVolume(percent int) {
	c.post(func() {
		c.media.SetVolume(percent)
		c.notify()
	})
}

// SetRoom changes the room identifier. Allowed only while disconnected
// (Idle or Failed); otherwise the room is immutable for the session.
func (c *Controller) SetRoom(room string) {
	c.post(func() {
		if c.state != StateIdle && c.state != StateFailed {
			c.logger.Debug("room change ignored while call active", "state", c.state.String())
			return
		}
		c.room = strings.TrimSpace(room)
		c.notify()
	})
}

// Snapshot returns a consistent copy of the visible state.
func (c *Controller) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	c.post(func() {
		reply <- Snapshot{
			Room:           c.room,
			Identity:       c.identity,
			State:          c.state,
			ElapsedSeconds: c.elapsed,
			ErrorMessage:   c.errMsg,
			Muted:          c.media.Muted(),
			VolumePercent:  c.media.VolumePercent(),
			Entries:        c.transcript.Entries(),
			Partial:        c.transcript.Partial(),
			AgentSpeaking:  c.transcript.AgentSpeaking(),
		}
	})
	select {
	case snap := <-reply:
		return snap
	case <-c.done:
		return Snapshot{}
	}
}

// Updates signals that the visible state changed; notifications coalesce.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) startCall() {
	if c.state != StateIdle && c.state != StateFailed {
		c.logger.Debug("start ignored", "state", c.state.String())
		return
	}
	if strings.TrimSpace(c.room) == "" {
		c.errMsg = "room must not be empty"
		c.state = StateFailed
		c.notify()
		return
	}

	c.state = StateConnecting
	c.errMsg = ""
	c.elapsed = 0
	c.endRequested = false
	c.connectedOnce = false
	c.transcript.Reset()
	c.connectSeq++
	c.notify()

	seq := c.connectSeq
	room, identity, serverURL := c.room, c.identity, c.serverURL
	ctx := c.runCtx
	c.logger.Info("starting call", "room", room, "identity", identity)

	// Token fetch, dial, and device acquisition can each stall for an
	// unbounded time, so all three run off the loop.
	go func() {
		token, err := c.tokens.Fetch(ctx, identity, room)
		if err != nil {
			c.post(func() { c.connectFinished(seq, nil, nil, err) })
			return
		}
		dialURL := serverURL
		if strings.TrimSpace(token.URL) != "" {
			dialURL = token.URL
		}
		sess, err := c.dial(ctx, dialURL, token.Token, JoinParams{Room: room, Identity: identity})
		if err != nil {
			c.post(func() { c.connectFinished(seq, nil, nil, err) })
			return
		}
		capture, err := c.media.OpenCapture()
		if err != nil {
			_ = sess.Close()
			c.post(func() { c.connectFinished(seq, nil, nil, err) })
			return
		}
		c.post(func() { c.connectFinished(seq, sess, capture, nil) })
	}()
}

func (c *Controller) connectFinished(seq int, sess RoomSession, capture CaptureSource, err error) {
	if seq != c.connectSeq || c.state != StateConnecting {
		// Stale attempt; never leave an unsupervised session connected.
		if sess != nil {
			go func() { _ = sess.Close() }()
		}
		if capture != nil {
			go func() { _ = capture.Close() }()
		}
		return
	}

	if err != nil {
		if c.endRequested {
			c.toIdle()
			return
		}
		c.failConnect(err)
		return
	}

	if c.endRequested {
		if capture != nil {
			go func() { _ = capture.Close() }()
		}
		c.beginTeardown(sess)
		return
	}

	if pubErr := c.media.PublishLocalAudio(sess, capture); pubErr != nil {
		go func() { _ = sess.Close() }()
		c.failConnect(pubErr)
		return
	}

	c.sess = sess
	c.state = StateConnected
	c.elapsed = 0
	c.ticker.Reset(c.tickInterval)
	c.connectedOnce = true
	c.transcript.AppendSystem("connected")
	c.metrics.entryCommitted(KindSystem)
	c.metrics.callConnected()
	c.logger.Info("call connected", "room", c.room)
	c.notify()
}

func (c *Controller) endCall() {
	switch c.state {
	case StateConnected:
		c.beginTeardown(c.sess)
	case StateConnecting:
		// No mid-flight cancellation; honored when the attempt resolves.
		c.endRequested = true
		c.logger.Info("end requested while connecting")
	default:
		c.logger.Debug("end ignored", "state", c.state.String())
	}
}

func (c *Controller) beginTeardown(sess RoomSession) {
	c.sess = sess
	c.state = StateDisconnecting
	c.notify()

	go func() {
		_ = sess.Close()
		err := sess.Err()
		c.post(func() { c.teardownDone(err) })
	}()
}

func (c *Controller) teardownDone(err error) {
	if err != nil {
		// Teardown failures never block the return to Idle.
		c.logger.Warn("teardown reported error", "error", err)
	}
	if c.connectedOnce {
		c.metrics.callEnded("completed", float64(c.elapsed))
	}
	c.toIdle()
}

func (c *Controller) toIdle() {
	c.sess = nil
	c.state = StateIdle
	c.elapsed = 0
	c.endRequested = false
	c.connectedOnce = false
	c.media.ReleaseAll()
	c.transcript.Reset()
	c.notify()
}

// failConnect handles failures before the call ever reached Connected.
func (c *Controller) failConnect(err error) {
	kind := string(errorKind(err))
	c.errMsg = err.Error()
	c.state = StateFailed
	c.endRequested = false
	c.media.ReleaseAll()
	c.metrics.callFailed(kind)
	c.logger.Warn("call failed", "kind", kind, "error", err)
	c.notify()
}

// dropCall handles a connected call ending without a user request.
func (c *Controller) dropCall(err error) {
	kind := string(errorKind(err))
	c.errMsg = err.Error()
	c.state = StateFailed
	c.connectedOnce = false
	c.media.ReleaseAll()
	c.metrics.callEnded("dropped", float64(c.elapsed))
	c.metrics.errorRecorded(kind)
	c.logger.Warn("call dropped", "kind", kind, "error", err)
	c.notify()
}

func (c *Controller) handleSessionClosed() {
	sess := c.sess
	c.sess = nil

	switch c.state {
	case StateDisconnecting:
		// teardownDone completes the transition to Idle.
	case StateConnected:
		err := sess.Err()
		if err == nil {
			err = core.NewTransportError("room session ended unexpectedly", nil)
		}
		c.dropCall(err)
	default:
		c.logger.Debug("session closed", "state", c.state.String())
	}
}

func (c *Controller) handleEvent(ev Event) {
	switch e := ev.(type) {
	case SystemNoticeEvent, UserPartialEvent, UserFinalEvent, AgentUtteranceEvent,
		AgentSpeakingStartEvent, AgentSpeakingEndEvent:
		before := c.transcript.Len()
		c.transcript.Apply(ev)
		if entries := c.transcript.Entries(); c.transcript.Len() > before {
			c.metrics.entryCommitted(entries[len(entries)-1].Kind)
		}
		c.notify()
	case TrackSubscribedEvent:
		if e.Kind != protocol.TrackKindAudio {
			return
		}
		if err := c.media.SubscribeRemoteAudio(e.TrackID); err != nil {
			sess := c.sess
			c.sess = nil
			if sess != nil {
				go func() { _ = sess.Close() }()
			}
			c.dropCall(err)
			return
		}
		c.logger.Info("remote audio subscribed", "track_id", e.TrackID, "participant", e.ParticipantIdentity)
		c.notify()
	case AgentAudioChunkEvent:
		c.media.PlayRemote(e.Data)
		c.metrics.audioBytes("inbound", len(e.Data))
	case ParticipantConnectedEvent:
		c.logger.Info("participant connected", "identity", e.Identity)
	case ParticipantDisconnectedEvent:
		c.logger.Info("participant disconnected", "identity", e.Identity, "reason", e.Reason)
	}
}

// shutdown releases everything when the Run context ends.
func (c *Controller) shutdown() {
	if c.sess != nil {
		sess := c.sess
		c.sess = nil
		go func() { _ = sess.Close() }()
	}
	if c.state == StateConnected {
		c.metrics.callEnded("completed", float64(c.elapsed))
	}
	c.media.ReleaseAll()
	c.transcript.Reset()
	c.state = StateIdle
	c.elapsed = 0
}

// FormatDuration renders elapsed seconds as MM:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
