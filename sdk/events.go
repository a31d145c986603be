package call

// Event is an asynchronous notification emitted by a RoomSession.
type Event interface {
	eventType() string
}

// SystemNoticeEvent carries a committed system message for the transcript.
type SystemNoticeEvent struct{ Text string }

func (e SystemNoticeEvent) eventType() string { return "system_notice" }

// UserPartialEvent carries an in-progress (not yet finalized) user utterance.
// Each partial replaces the previous one.
type UserPartialEvent struct{ Text string }

func (e UserPartialEvent) eventType() string { return "user_partial" }

// UserFinalEvent marks a committed user utterance. The final text is
// authoritative even when it differs from the last partial.
type UserFinalEvent struct{ Text string }

func (e UserFinalEvent) eventType() string { return "user_final" }

// AgentUtteranceEvent carries a committed agent message for the transcript.
type AgentUtteranceEvent struct{ Text string }

func (e AgentUtteranceEvent) eventType() string { return "agent_utterance" }

// AgentSpeakingStartEvent signals the agent's synthesized audio started playing.
type AgentSpeakingStartEvent struct{}

func (e AgentSpeakingStartEvent) eventType() string { return "agent_speaking_start" }

// AgentSpeakingEndEvent signals the agent's synthesized audio stopped playing.
type AgentSpeakingEndEvent struct{}

func (e AgentSpeakingEndEvent) eventType() string { return "agent_speaking_end" }

// ParticipantConnectedEvent reports a participant joining the room.
type ParticipantConnectedEvent struct {
	Identity string
	Name     string
}

func (e ParticipantConnectedEvent) eventType() string { return "participant_connected" }

// ParticipantDisconnectedEvent reports a participant leaving the room.
type ParticipantDisconnectedEvent struct {
	Identity string
	Reason   string
}

func (e ParticipantDisconnectedEvent) eventType() string { return "participant_disconnected" }

// TrackSubscribedEvent reports a remote track becoming available.
type TrackSubscribedEvent struct {
	TrackID             string
	Kind                string
	ParticipantIdentity string
}

func (e TrackSubscribedEvent) eventType() string { return "track_subscribed" }

// AgentAudioChunkEvent carries decoded PCM audio for the remote agent track.
type AgentAudioChunkEvent struct {
	TrackID string
	Seq     int64
	Data    []byte
}

func (e AgentAudioChunkEvent) eventType() string { return "agent_audio_chunk" }
