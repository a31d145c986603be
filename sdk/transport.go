package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/protocol"
)

const (
	defaultRoomConnectTimeout = 15 * time.Second

	micSampleRateHz      = 16000
	playbackSampleRateHz = 24000
	pcmChannels          = 1
)

// JoinParams identifies the room and the local participant.
type JoinParams struct {
	Room     string
	Identity string
}

// RoomSession is one established real-time media session.
//
// Events() delivers server notifications in the exact order they arrived on
// the wire; the channel closes when the session ends, after which Err()
// reports the terminal error, if any.
type RoomSession interface {
	Events() <-chan Event
	PublishTrack(kind string) error
	SendAudioFrame(pcm []byte, seq int64) error
	SetMuted(muted bool) error
	Close() error
	Err() error
}

// RoomDialer establishes a RoomSession. The default is DialRoom; tests swap
// in fakes.
type RoomDialer func(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error)

// wsRoomSession is a room session over a gorilla websocket connection.
type wsRoomSession struct {
	conn *websocket.Conn

	events chan Event
	done   chan struct{}
	stop   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// DialRoom opens a websocket room session and performs the join handshake.
func DialRoom(ctx context.Context, rawURL, token string, params JoinParams) (RoomSession, error) {
	wsURL, err := roomWebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.Room) == "" {
		return nil, core.NewInvalidRequestError("room must not be empty")
	}
	if strings.TrimSpace(params.Identity) == "" {
		return nil, core.NewInvalidRequestError("identity must not be empty")
	}

	headers := make(http.Header)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultRoomConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	join := protocol.ClientJoin{
		Type:            protocol.TypeJoin,
		ProtocolVersion: protocol.ProtocolVersion1,
		Room:            strings.TrimSpace(params.Room),
		Identity:        strings.TrimSpace(params.Identity),
		AudioIn: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: micSampleRateHz,
			Channels:     pcmChannels,
		},
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("send join", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultRoomConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("read join_ack", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, core.NewTransportError(fmt.Sprintf("unexpected first room frame type %d", messageType), nil)
	}

	typ, err := frameType(payload)
	if err != nil {
		_ = conn.Close()
		return nil, core.NewTransportError("decode join_ack", err)
	}
	switch typ {
	case protocol.TypeJoinAck:
		var ack protocol.ServerJoinAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			_ = conn.Close()
			return nil, core.NewTransportError("decode join_ack", err)
		}
		session := &wsRoomSession{
			conn:   conn,
			events: make(chan Event, 256),
			done:   make(chan struct{}),
			stop:   make(chan struct{}),
		}
		go session.readLoop()
		return session, nil
	case protocol.TypeError:
		var msg protocol.ServerError
		_ = json.Unmarshal(payload, &msg)
		_ = conn.Close()
		return nil, &core.Error{
			Type:    core.ErrTransport,
			Message: strings.TrimSpace(msg.Message),
			Code:    strings.TrimSpace(msg.Code),
		}
	default:
		_ = conn.Close()
		return nil, core.NewTransportError(fmt.Sprintf("unexpected first room frame type %q", typ), nil)
	}
}

// Events yields room events in wire arrival order.
func (s *wsRoomSession) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// PublishTrack announces a local track to the room.
func (s *wsRoomSession) PublishTrack(kind string) error {
	return s.sendJSON(protocol.ClientPublishTrack{Type: protocol.TypePublishTrack, Kind: kind})
}

// SendAudioFrame sends a base64_json audio_frame carrying local PCM.
func (s *wsRoomSession) SendAudioFrame(pcm []byte, seq int64) error {
	frame := protocol.ClientAudioFrame{
		Type:    protocol.TypeAudioFrame,
		Seq:     seq,
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	}
	return s.sendJSON(frame)
}

// SetMuted reports the local mute state so the room stops relaying the track
// without tearing it down.
func (s *wsRoomSession) SetMuted(muted bool) error {
	return s.sendJSON(protocol.ClientMute{Type: protocol.TypeMute, Muted: muted})
}

func (s *wsRoomSession) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("room session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close sends a leave frame and closes the websocket.
func (s *wsRoomSession) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(protocol.ClientLeave{Type: protocol.TypeLeave})
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error (if any).
func (s *wsRoomSession) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsRoomSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsRoomSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(core.NewTransportError("room connection lost", err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, frameErr := decodeServerFrame(data)
		if frameErr != nil {
			s.setErr(frameErr)
			return
		}
		if event == nil {
			continue
		}
		if !s.emitEvent(event) {
			return
		}
		if errEvent, ok := event.(serverErrorEvent); ok {
			s.setErr(&core.Error{
				Type:    core.ErrTransport,
				Message: errEvent.Message,
				Code:    errEvent.Code,
			})
			return
		}
	}
}

// emitEvent blocks rather than dropping: transcript ordering is load-bearing,
// so backpressure propagates to the reader instead of losing entries.
func (s *wsRoomSession) emitEvent(event Event) bool {
	select {
	case s.events <- event:
		return true
	case <-s.stop:
		return false
	}
}

// serverErrorEvent is internal to the read loop; the session surfaces server
// errors through Err() after closing the event channel.
type serverErrorEvent struct {
	Code    string
	Message string
}

func (e serverErrorEvent) eventType() string { return "error" }

func frameType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", protocol.BadFrame("decode frame envelope", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", protocol.BadFrame("frame missing type", "type")
	}
	return typ, nil
}

func decodeServerFrame(data []byte) (Event, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case protocol.TypeSystemNotice:
		var frame protocol.ServerSystemNotice
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode system_notice", "")
		}
		return SystemNoticeEvent{Text: frame.Text}, nil
	case protocol.TypeUserPartial:
		var frame protocol.ServerUserPartial
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode user_partial", "")
		}
		return UserPartialEvent{Text: frame.Text}, nil
	case protocol.TypeUserFinal:
		var frame protocol.ServerUserFinal
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode user_final", "")
		}
		return UserFinalEvent{Text: frame.Text}, nil
	case protocol.TypeAgentUtterance:
		var frame protocol.ServerAgentUtterance
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode agent_utterance", "")
		}
		return AgentUtteranceEvent{Text: frame.Text}, nil
	case protocol.TypeAgentSpeakingStart:
		return AgentSpeakingStartEvent{}, nil
	case protocol.TypeAgentSpeakingEnd:
		return AgentSpeakingEndEvent{}, nil
	case protocol.TypeParticipantConnected:
		var frame protocol.ServerParticipantConnected
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode participant_connected", "")
		}
		return ParticipantConnectedEvent{Identity: frame.Participant.Identity, Name: frame.Participant.Name}, nil
	case protocol.TypeParticipantDisconnected:
		var frame protocol.ServerParticipantDisconnected
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode participant_disconnected", "")
		}
		return ParticipantDisconnectedEvent{Identity: frame.Participant.Identity, Reason: frame.Reason}, nil
	case protocol.TypeTrackSubscribed:
		var frame protocol.ServerTrackSubscribed
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode track_subscribed", "")
		}
		return TrackSubscribedEvent{
			TrackID:             frame.TrackID,
			Kind:                frame.Kind,
			ParticipantIdentity: frame.Participant.Identity,
		}, nil
	case protocol.TypeAgentAudioChunk:
		var frame protocol.ServerAgentAudioChunk
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode agent_audio_chunk", "")
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.DataB64)
		if err != nil {
			return nil, protocol.BadFrame("decode agent audio payload", "data_b64")
		}
		return AgentAudioChunkEvent{TrackID: frame.TrackID, Seq: frame.Seq, Data: pcm}, nil
	case protocol.TypeError:
		var frame protocol.ServerError
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, protocol.BadFrame("decode error frame", "")
		}
		return serverErrorEvent{Code: strings.TrimSpace(frame.Code), Message: strings.TrimSpace(frame.Message)}, nil
	default:
		// Unknown frames are skipped so protocol additions stay compatible.
		return nil, nil
	}
}

func roomWebSocketURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", core.NewInvalidRequestError("room server URL must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", core.NewInvalidRequestError("invalid room server URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("room server URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
