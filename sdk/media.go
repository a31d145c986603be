package call

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/protocol"
)

// DefaultVolumePercent is the playback volume applied to every new call.
const DefaultVolumePercent = 70

// captureFrameBytes is one 20ms microphone frame at 16kHz mono s16le.
const captureFrameBytes = micSampleRateHz * 2 * 20 / 1000

// CaptureSource is one acquired audio input stream. Read blocks until PCM is
// available and returns io.EOF after Close.
type CaptureSource interface {
	io.Reader
	Close() error
}

// PlaybackSink is one bound audio output. Volume is a gain in [0.0, 1.0].
type PlaybackSink interface {
	io.Writer
	SetVolume(gain float64)
	Flush()
	Close() error
}

// CaptureOpener acquires the capture device. Permission or device-absence
// failures surface as capture_error from the manager.
type CaptureOpener func() (CaptureSource, error)

// PlaybackOpener acquires the playback sink.
type PlaybackOpener func() (PlaybackSink, error)

// TrackManager owns the local capture device and remote playback sink for
// the duration of one call. It reports track availability and forwards
// control commands; call lifecycle decisions belong to the Controller.
type TrackManager struct {
	logger       *slog.Logger
	metrics      *Metrics
	openCapture  CaptureOpener
	openPlayback PlaybackOpener

	mu            sync.Mutex
	capture       CaptureSource
	pumpStop      chan struct{}
	pumpDone      chan struct{}
	sink          PlaybackSink
	remoteTrackID string
	muted         bool
	volumePercent int
}

// NewTrackManager creates a manager using the given device openers. Nil
// openers default to the real microphone and speaker.
func NewTrackManager(logger *slog.Logger, openCapture CaptureOpener, openPlayback PlaybackOpener, metrics *Metrics) *TrackManager {
	if logger == nil {
		logger = slog.Default()
	}
	if openCapture == nil {
		openCapture = OpenMicrophone
	}
	if openPlayback == nil {
		openPlayback = OpenSpeaker
	}
	return &TrackManager{
		logger:        logger,
		metrics:       metrics,
		openCapture:   openCapture,
		openPlayback:  openPlayback,
		volumePercent: DefaultVolumePercent,
	}
}

// OpenCapture acquires the capture device. Acquisition can stall for as long
// as an OS permission prompt stays open, so callers run it off their event
// loop and hand the source to PublishLocalAudio.
func (m *TrackManager) OpenCapture() (CaptureSource, error) {
	capture, err := m.openCapture()
	if err != nil {
		return nil, core.NewCaptureError("acquire microphone", err)
	}
	return capture, nil
}

// PublishLocalAudio publishes exactly one audio track to sess, fed from an
// already-acquired capture source. Any prior local track is released first so
// no device handle is orphaned. On error the capture source is closed.
func (m *TrackManager) PublishLocalAudio(sess RoomSession, capture CaptureSource) error {
	if sess == nil {
		return core.NewInvalidRequestError("session must not be nil")
	}
	if capture == nil {
		return core.NewInvalidRequestError("capture source must not be nil")
	}

	m.releaseLocal()

	if err := sess.PublishTrack(protocol.TrackKindAudio); err != nil {
		_ = capture.Close()
		return core.NewTrackError("publish local audio track", err)
	}

	m.mu.Lock()
	m.capture = capture
	m.pumpStop = make(chan struct{})
	m.pumpDone = make(chan struct{})
	stop, done := m.pumpStop, m.pumpDone
	m.mu.Unlock()

	go m.pump(sess, capture, stop, done)
	return nil
}

// pump reads microphone frames and forwards them to the session. Muted
// frames are dropped at the source so unmuting is instantaneous.
func (m *TrackManager) pump(sess RoomSession, capture CaptureSource, stop, done chan struct{}) {
	defer close(done)

	buf := make([]byte, captureFrameBytes)
	var seq int64
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := capture.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warn("microphone read failed", "error", err)
			}
			return
		}
		if n == 0 || m.Muted() {
			continue
		}
		if sendErr := sess.SendAudioFrame(buf[:n], seq); sendErr != nil {
			m.logger.Warn("send audio frame failed", "error", sendErr)
			return
		}
		m.metrics.audioBytes("outbound", n)
		seq++
	}
}

// SubscribeRemoteAudio binds an incoming remote audio track to the playback
// sink. Rebinding the same track is a no-op; a new track replaces the
// previous binding and releases the old sink.
func (m *TrackManager) SubscribeRemoteAudio(trackID string) error {
	m.mu.Lock()
	if trackID != "" && trackID == m.remoteTrackID {
		m.mu.Unlock()
		return nil
	}
	old := m.sink
	m.sink = nil
	m.remoteTrackID = ""
	m.mu.Unlock()

	if old != nil {
		old.Flush()
		_ = old.Close()
	}

	sink, err := m.openPlayback()
	if err != nil {
		return core.NewTrackError("bind playback sink", err)
	}

	m.mu.Lock()
	m.sink = sink
	m.remoteTrackID = trackID
	gain := float64(m.volumePercent) / 100
	m.mu.Unlock()

	sink.SetVolume(gain)
	return nil
}

// PlayRemote writes remote PCM to the bound sink; no-op when none is bound.
func (m *TrackManager) PlayRemote(pcm []byte) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	if _, err := sink.Write(pcm); err != nil {
		m.logger.Warn("playback write failed", "error", err)
	}
}

// SetMuted toggles local track transmission without unpublishing. No-op when
// no local track exists.
func (m *TrackManager) SetMuted(sess RoomSession, muted bool) {
	m.mu.Lock()
	if m.capture == nil {
		m.mu.Unlock()
		return
	}
	m.muted = muted
	m.mu.Unlock()

	if sess != nil {
		if err := sess.SetMuted(muted); err != nil {
			m.logger.Warn("report mute state failed", "error", err)
		}
	}
}

// Muted reports the local mute state.
func (m *TrackManager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// SetVolume clamps percent to [0,100] and applies it to the playback sink.
// The value is recorded even before a remote track is bound and applied once
// one arrives.
func (m *TrackManager) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	m.mu.Lock()
	m.volumePercent = percent
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.SetVolume(float64(percent) / 100)
	}
}

// VolumePercent reports the stored playback volume.
func (m *TrackManager) VolumePercent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumePercent
}

// HasLocalTrack reports whether a local audio track is published.
func (m *TrackManager) HasLocalTrack() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture != nil
}

// RemoteTrackID reports the bound remote track, empty when none.
func (m *TrackManager) RemoteTrackID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteTrackID
}

func (m *TrackManager) releaseLocal() {
	m.mu.Lock()
	capture := m.capture
	stop, done := m.pumpStop, m.pumpDone
	m.capture = nil
	m.pumpStop = nil
	m.pumpDone = nil
	m.mu.Unlock()

	if capture == nil {
		return
	}
	if stop != nil {
		close(stop)
	}
	_ = capture.Close()
	if done != nil {
		<-done
	}
}

// ReleaseAll releases both tracks and resets mute/volume to their defaults.
// Called on every disconnect.
func (m *TrackManager) ReleaseAll() {
	m.releaseLocal()

	m.mu.Lock()
	sink := m.sink
	m.sink = nil
	m.remoteTrackID = ""
	m.muted = false
	m.volumePercent = DefaultVolumePercent
	m.mu.Unlock()

	if sink != nil {
		sink.Flush()
		_ = sink.Close()
	}
}
