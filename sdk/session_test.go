package call

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSession struct {
	events    chan Event
	closeOnce sync.Once

	mu        sync.Mutex
	published []string
	muteCalls []bool
	frames    int
	closed    bool
	err       error
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan Event, 16)}
}

func (s *fakeSession) Events() <-chan Event { return s.events }

func (s *fakeSession) PublishTrack(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, kind)
	return nil
}

func (s *fakeSession) SendAudioFrame(pcm []byte, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *fakeSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteCalls = append(s.muteCalls, muted)
	return nil
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) publishedTracks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.published...)
}

type fakeCapture struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{closed: make(chan struct{})}
}

func (f *fakeCapture) Read(p []byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakeCapture) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	written int
	gain    float64
	closed  bool
}

func (f *fakeSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written += len(p)
	return len(p), nil
}

func (f *fakeSink) SetVolume(gain float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gain = gain
}

func (f *fakeSink) Flush() {}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func fakeDevices() (CaptureOpener, PlaybackOpener) {
	capture := func() (CaptureSource, error) { return newFakeCapture(), nil }
	playback := func() (PlaybackSink, error) { return &fakeSink{}, nil }
	return capture, playback
}

func newTokenTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identity string `json:"identity"`
			Room     string `json:"room"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token": "tok-" + req.Identity,
			"url":   "ws://rooms.invalid",
			"room":  req.Room,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startTestController(t *testing.T, dial RoomDialer, opts ...Option) *Controller {
	t.Helper()
	capture, playback := fakeDevices()
	base := []Option{
		WithRoom("emergency-call-42"),
		WithIdentity("caller-7"),
		WithTokenEndpoint(newTokenTestServer(t).URL),
		WithDialer(dial),
		WithMediaDevices(capture, playback),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	ctrl := NewController(append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ctrl.Run(ctx) }()
	return ctrl
}

func waitForSnapshot(t *testing.T, ctrl *Controller, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last Snapshot
	for time.Now().Before(deadline) {
		last = ctrl.Snapshot()
		if cond(last) {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last snapshot %+v", desc, last)
	return last
}

func waitForState(t *testing.T, ctrl *Controller, state ConnState) Snapshot {
	t.Helper()
	return waitForSnapshot(t, ctrl, "state "+state.String(), func(s Snapshot) bool {
		return s.State == state
	})
}

func TestStartCallConnects(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	var gotURL, gotToken string
	var gotParams JoinParams
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		gotURL, gotToken, gotParams = rawURL, token, params
		return sess, nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	snap := waitForState(t, ctrl, StateConnected)

	if gotURL != "ws://rooms.invalid" {
		t.Errorf("dial url = %q, want token response url", gotURL)
	}
	if gotToken != "tok-caller-7" {
		t.Errorf("dial token = %q", gotToken)
	}
	if gotParams.Room != "emergency-call-42" || gotParams.Identity != "caller-7" {
		t.Errorf("join params = %+v", gotParams)
	}
	if tracks := sess.publishedTracks(); len(tracks) != 1 || tracks[0] != "audio" {
		t.Errorf("published tracks = %v, want one audio track", tracks)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Kind != KindSystem || snap.Entries[0].Text != "connected" {
		t.Errorf("entries after connect = %+v, want single system entry", snap.Entries)
	}
	if snap.ElapsedSeconds != 0 {
		t.Errorf("elapsed right after connect = %d, want 0", snap.ElapsedSeconds)
	}
	if snap.VolumePercent != DefaultVolumePercent {
		t.Errorf("volume = %d, want default %d", snap.VolumePercent, DefaultVolumePercent)
	}
}

func TestStartCallIsIdempotentWhileActive(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var dials atomic.Int32
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		dials.Add(1)
		<-gate
		return newFakeSession(), nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnecting)
	ctrl.StartCall()
	ctrl.StartCall()

	close(gate)
	waitForState(t, ctrl, StateConnected)

	ctrl.StartCall() // already connected
	waitForState(t, ctrl, StateConnected)

	if got := dials.Load(); got != 1 {
		t.Fatalf("dial attempts = %d, want 1", got)
	}
}

func TestStartCallEmptyRoomFails(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		dials.Add(1)
		return newFakeSession(), nil
	}
	ctrl := startTestController(t, dial, WithRoom("  "))

	ctrl.StartCall()
	snap := waitForState(t, ctrl, StateFailed)

	if snap.ErrorMessage == "" {
		t.Errorf("expected error message for empty room")
	}
	if dials.Load() != 0 {
		t.Errorf("dialed despite empty room")
	}
}

func TestTokenFailureFailsBeforeDial(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"identity not allowed"}`, http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	var dials atomic.Int32
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		dials.Add(1)
		return newFakeSession(), nil
	}
	ctrl := startTestController(t, dial, WithTokenEndpoint(srv.URL))

	ctrl.StartCall()
	snap := waitForState(t, ctrl, StateFailed)

	if snap.ErrorMessage == "" {
		t.Errorf("expected a token error message")
	}
	if dials.Load() != 0 {
		t.Errorf("dialed despite token failure")
	}
}

func TestCaptureDeniedFailsAndClosesSession(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}
	denied := func() (CaptureSource, error) {
		return nil, errors.New("microphone permission denied")
	}
	_, playback := fakeDevices()
	ctrl := startTestController(t, dial, WithMediaDevices(denied, playback))

	ctrl.StartCall()
	snap := waitForState(t, ctrl, StateFailed)

	if snap.ErrorMessage == "" {
		t.Errorf("expected a capture error message")
	}
	if len(snap.Entries) != 0 {
		t.Errorf("entries present after failed connect: %+v", snap.Entries)
	}
	if len(sess.publishedTracks()) != 0 {
		t.Errorf("track published despite capture failure")
	}
	waitForSnapshot(t, ctrl, "session closed", func(Snapshot) bool { return sess.isClosed() })
}

func TestControllerResponsiveWhileCaptureAcquisitionPending(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}

	// A capture opener stalled the way an OS permission prompt stalls it.
	gate := make(chan struct{})
	opening := make(chan struct{})
	capture := newFakeCapture()
	blocked := func() (CaptureSource, error) {
		close(opening)
		<-gate
		return capture, nil
	}
	_, playback := fakeDevices()
	ctrl := startTestController(t, dial, WithMediaDevices(blocked, playback))

	ctrl.StartCall()
	<-opening

	snapCh := make(chan Snapshot, 1)
	go func() { snapCh <- ctrl.Snapshot() }()
	select {
	case snap := <-snapCh:
		if snap.State != StateConnecting {
			t.Errorf("state = %v, want connecting", snap.State)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("Snapshot blocked while capture acquisition pending")
	}

	// EndCall must also be serviced now, and honored once the open resolves.
	ctrl.EndCall()
	close(gate)

	waitForState(t, ctrl, StateIdle)
	if !sess.isClosed() {
		t.Errorf("session not closed after deferred end")
	}
	select {
	case <-capture.closed:
	default:
		t.Errorf("capture device not released after deferred end")
	}
	if len(sess.publishedTracks()) != 0 {
		t.Errorf("track published on a call the user already ended")
	}
}

func TestEndCallReturnsIdleDespiteTeardownError(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)

	sess.setErr(errors.New("close handshake failed"))
	ctrl.EndCall()
	snap := waitForState(t, ctrl, StateIdle)

	if snap.ErrorMessage != "" {
		t.Errorf("teardown error surfaced to state: %q", snap.ErrorMessage)
	}
	if len(snap.Entries) != 0 || snap.Partial != "" {
		t.Errorf("transcript not cleared on hang up: %+v", snap)
	}
	if !sess.isClosed() {
		t.Errorf("session not closed")
	}
}

func TestEndCallWhileConnectingTearsDownOnLateSuccess(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		<-gate
		return sess, nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnecting)
	ctrl.EndCall()
	close(gate)

	snap := waitForState(t, ctrl, StateIdle)
	if !sess.isClosed() {
		t.Errorf("late session not closed after end request")
	}
	if len(sess.publishedTracks()) != 0 {
		t.Errorf("track published on a call the user already ended")
	}
	if len(snap.Entries) != 0 {
		t.Errorf("entries recorded for an ended attempt: %+v", snap.Entries)
	}
}

func TestEndCallWhileConnectingSwallowsLateFailure(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		<-gate
		return nil, errors.New("room unreachable")
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnecting)
	ctrl.EndCall()
	close(gate)

	snap := waitForState(t, ctrl, StateIdle)
	if snap.ErrorMessage != "" {
		t.Errorf("failure surfaced after user ended the attempt: %q", snap.ErrorMessage)
	}
}

func TestEndCallIgnoredWhileIdle(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return newFakeSession(), nil
	}
	ctrl := startTestController(t, dial)

	ctrl.EndCall()
	snap := waitForState(t, ctrl, StateIdle)
	if snap.ErrorMessage != "" {
		t.Fatalf("end while idle produced error: %q", snap.ErrorMessage)
	}
}

func TestUnexpectedDisconnectFailsThenRetryConnects(t *testing.T) {
	t.Parallel()

	first := newFakeSession()
	second := newFakeSession()
	var dials atomic.Int32
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)

	first.setErr(errors.New("connection reset by peer"))
	_ = first.Close()
	snap := waitForState(t, ctrl, StateFailed)
	if snap.ErrorMessage == "" {
		t.Errorf("drop produced no error message")
	}

	// Failed is a restartable state; a fresh StartCall dials again.
	ctrl.StartCall()
	snap = waitForState(t, ctrl, StateConnected)
	if dials.Load() != 2 {
		t.Errorf("dial attempts = %d, want 2", dials.Load())
	}
	if snap.ErrorMessage != "" {
		t.Errorf("stale error survived reconnect: %q", snap.ErrorMessage)
	}
}

func TestTranscriptEventsReachSnapshot(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)

	sess.events <- AgentUtteranceEvent{Text: "911, what is your emergency?"}
	sess.events <- UserPartialEvent{Text: "my neighbor"}
	sess.events <- UserPartialEvent{Text: "my neighbor collapsed"}
	sess.events <- UserFinalEvent{Text: "my neighbor collapsed in the yard"}
	sess.events <- AgentSpeakingStartEvent{}

	snap := waitForSnapshot(t, ctrl, "three committed entries", func(s Snapshot) bool {
		return len(s.Entries) == 3 && s.AgentSpeaking
	})

	wantKinds := []EntryKind{KindSystem, KindAgent, KindUser}
	for i, e := range snap.Entries {
		if e.Kind != wantKinds[i] {
			t.Errorf("entry %d kind = %v, want %v", i, e.Kind, wantKinds[i])
		}
		if e.Sequence != i+1 {
			t.Errorf("entry %d sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
	if snap.Partial != "" {
		t.Errorf("partial not cleared by final: %q", snap.Partial)
	}
}

func TestMuteForwardsToSession(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}
	ctrl := startTestController(t, dial)

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)

	ctrl.SetMuted(true)
	snap := waitForSnapshot(t, ctrl, "muted", func(s Snapshot) bool { return s.Muted })
	if !snap.Muted {
		t.Fatalf("snapshot not muted")
	}

	ctrl.SetMuted(false)
	waitForSnapshot(t, ctrl, "unmuted", func(s Snapshot) bool { return !s.Muted })

	sess.mu.Lock()
	muteCalls := append([]bool(nil), sess.muteCalls...)
	sess.mu.Unlock()
	if len(muteCalls) != 2 || !muteCalls[0] || muteCalls[1] {
		t.Errorf("mute calls forwarded = %v, want [true false]", muteCalls)
	}
}

func TestSetVolumeClampsRange(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return newFakeSession(), nil
	}
	ctrl := startTestController(t, dial)

	ctrl.SetVolume(150)
	snap := waitForSnapshot(t, ctrl, "volume 100", func(s Snapshot) bool {
		return s.VolumePercent == 100
	})
	if snap.VolumePercent != 100 {
		t.Fatalf("volume = %d, want 100", snap.VolumePercent)
	}

	ctrl.SetVolume(-20)
	waitForSnapshot(t, ctrl, "volume 0", func(s Snapshot) bool {
		return s.VolumePercent == 0
	})
}

func TestSetRoomOnlyWhileDisconnected(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return newFakeSession(), nil
	}
	ctrl := startTestController(t, dial)

	ctrl.SetRoom("dispatch-training")
	snap := waitForSnapshot(t, ctrl, "room change", func(s Snapshot) bool {
		return s.Room == "dispatch-training"
	})
	if snap.Room != "dispatch-training" {
		t.Fatalf("room = %q", snap.Room)
	}

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)
	ctrl.SetRoom("other-room")
	snap = ctrl.Snapshot()
	if snap.Room != "dispatch-training" {
		t.Errorf("room changed mid-call to %q", snap.Room)
	}
}

func TestElapsedTicksWhileConnected(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}
	ctrl := startTestController(t, dial, WithTickInterval(10*time.Millisecond))

	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)
	waitForSnapshot(t, ctrl, "elapsed >= 2", func(s Snapshot) bool {
		return s.ElapsedSeconds >= 2
	})

	ctrl.EndCall()
	snap := waitForState(t, ctrl, StateIdle)
	if snap.ElapsedSeconds != 0 {
		t.Errorf("elapsed after hang up = %d, want 0", snap.ElapsedSeconds)
	}
}

func TestTickerRealignsOnConnect(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return sess, nil
	}
	const tick = 300 * time.Millisecond
	ctrl := startTestController(t, dial, WithTickInterval(tick))

	// Sit idle long enough that the ticker is deep into its current period,
	// then connect. A stale tick right after connect would count a second
	// that never elapsed.
	time.Sleep(250 * time.Millisecond)
	ctrl.StartCall()
	waitForState(t, ctrl, StateConnected)

	deadline := time.Now().Add(tick / 2)
	for time.Now().Before(deadline) {
		if got := ctrl.Snapshot().ElapsedSeconds; got != 0 {
			t.Fatalf("elapsed = %d within half a tick of connecting, want 0", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitForSnapshot(t, ctrl, "first full tick", func(s Snapshot) bool {
		return s.ElapsedSeconds >= 1
	})
}

func TestSnapshotAfterRunExits(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
		return newFakeSession(), nil
	}
	capture, playback := fakeDevices()
	ctrl := NewController(
		WithRoom("emergency-call-42"),
		WithTokenEndpoint("http://127.0.0.1:0"),
		WithDialer(dial),
		WithMediaDevices(capture, playback),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ctrl.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		_ = ctrl.Snapshot()
		ctrl.EndCall()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("Snapshot blocked after Run exited")
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		seconds int
		want    string
	}{
		{0, "00:00"},
		{7, "00:07"},
		{65, "01:05"},
		{600, "10:00"},
		{-3, "00:00"},
		{3599, "59:59"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.seconds); got != tc.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}
}
