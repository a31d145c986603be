package call

import (
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"
)

// OpenMicrophone acquires the default capture device at 16kHz mono s16le.
// It is the default CaptureOpener.
func OpenMicrophone() (CaptureSource, error) {
	contextConfig := malgo.ContextConfig{}
	contextConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, contextConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &micSource{
		malgoCtx: malgoCtx,
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = pcmChannels
	deviceConfig.SampleRate = micSampleRateHz
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			m.mu.Lock()
			if !m.closed {
				m.buf = append(m.buf, pInputSamples...)
			}
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return m, nil
}

// micSource captures audio from the microphone into a cond-guarded buffer.
type micSource struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func (m *micSource) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, io.EOF
	}

	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

func (m *micSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.buf = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	if m.malgoCtx != nil {
		_ = m.malgoCtx.Uninit()
	}
	return nil
}

// The oto context can only be created once per process; every speaker sink
// shares it and gets its own player.
var otoShared struct {
	once sync.Once
	ctx  *oto.Context
	err  error
}

func sharedOtoContext() (*oto.Context, error) {
	otoShared.once.Do(func() {
		opts := &oto.NewContextOptions{
			SampleRate:   playbackSampleRateHz,
			ChannelCount: pcmChannels,
			Format:       oto.FormatSignedInt16LE,
			// ~100ms at 24kHz mono s16le; small enough for conversational latency.
			BufferSize: 4800,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			otoShared.err = err
			return
		}
		<-ready
		otoShared.ctx = ctx
	})
	return otoShared.ctx, otoShared.err
}

// OpenSpeaker binds the default playback device at 24kHz mono s16le. It is
// the default PlaybackOpener.
func OpenSpeaker() (PlaybackSink, error) {
	ctx, err := sharedOtoContext()
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	s := &speakerSink{otoCtx: ctx, gain: 1}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// speakerSink plays audio through the speaker. The player pulls from the
// buffered PCM via Read.
type speakerSink struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	gain    float64
	playing bool
	closed  bool
}

func (s *speakerSink) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.buf = append(s.buf, data...)

	// Start playing on first write.
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.SetVolume(s.gain)
		s.player.Play()
	}

	s.cond.Signal()
	return len(data), nil
}

// Read implements io.Reader for oto.Player.
func (s *speakerSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		// Return silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *speakerSink) SetVolume(gain float64) {
	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}
	s.mu.Lock()
	s.gain = gain
	player := s.player
	s.mu.Unlock()
	if player != nil {
		player.SetVolume(gain)
	}
}

// Flush discards pending audio and stops the current player so stale agent
// speech does not overlap the next utterance.
func (s *speakerSink) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		player.Pause()
		_ = player.Reset()
		_ = player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *speakerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
	return nil
}
