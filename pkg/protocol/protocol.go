// Package protocol defines the wire frames exchanged over a room websocket.
//
// Frames are JSON objects discriminated by a "type" field. Audio payloads use
// the base64_json transport: PCM signed 16-bit little-endian, base64-encoded.
package protocol

import (
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	TrackKindAudio = "audio"
)

// Client frame types.
const (
	TypeJoin         = "join"
	TypeAudioFrame   = "audio_frame"
	TypePublishTrack = "publish_track"
	TypeMute         = "mute"
	TypeLeave        = "leave"
)

// Server frame types.
const (
	TypeJoinAck                 = "join_ack"
	TypeParticipantConnected    = "participant_connected"
	TypeParticipantDisconnected = "participant_disconnected"
	TypeTrackSubscribed         = "track_subscribed"
	TypeAgentAudioChunk         = "agent_audio_chunk"
	TypeSystemNotice            = "system_notice"
	TypeUserPartial             = "user_partial"
	TypeUserFinal               = "user_final"
	TypeAgentUtterance          = "agent_utterance"
	TypeAgentSpeakingStart      = "agent_speaking_start"
	TypeAgentSpeakingEnd        = "agent_speaking_end"
	TypeError                   = "error"
)

// DecodeError reports a malformed or unsupported frame.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// BadFrame creates a DecodeError for a malformed frame.
func BadFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// AudioFormat describes negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// Participant identifies a room member.
type Participant struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

type ClientJoin struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Room            string      `json:"room"`
	Identity        string      `json:"identity"`
	AudioIn         AudioFormat `json:"audio_in"`
}

type ClientAudioFrame struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	DataB64     string `json:"data_b64"`
}

type ClientPublishTrack struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

type ClientMute struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

type ClientLeave struct {
	Type string `json:"type"`
}

type ServerJoinAck struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Room            string        `json:"room"`
	SessionID       string        `json:"session_id"`
	Participants    []Participant `json:"participants,omitempty"`
	AudioOut        AudioFormat   `json:"audio_out"`
}

type ServerParticipantConnected struct {
	Type        string      `json:"type"`
	Participant Participant `json:"participant"`
}

type ServerParticipantDisconnected struct {
	Type        string      `json:"type"`
	Participant Participant `json:"participant"`
	Reason      string      `json:"reason,omitempty"`
}

type ServerTrackSubscribed struct {
	Type        string      `json:"type"`
	TrackID     string      `json:"track_id"`
	Kind        string      `json:"kind"`
	Participant Participant `json:"participant"`
}

type ServerAgentAudioChunk struct {
	Type    string `json:"type"`
	TrackID string `json:"track_id"`
	Seq     int64  `json:"seq"`
	DataB64 string `json:"data_b64"`
}

type ServerSystemNotice struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerUserPartial struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Text        string `json:"text"`
}

type ServerUserFinal struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Text        string `json:"text"`
}

type ServerAgentUtterance struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAgentSpeaking struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
