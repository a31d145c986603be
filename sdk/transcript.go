package call

import "strings"

// EntryKind categorizes committed transcript entries.
type EntryKind int

const (
	KindSystem EntryKind = iota
	KindAgent
	KindUser
)

func (k EntryKind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindAgent:
		return "agent"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// TranscriptEntry is one committed, immutable line of the call transcript.
type TranscriptEntry struct {
	Kind     EntryKind
	Text     string
	Sequence int
}

// Transcript assembles an ordered message log from the room's transcript
// event stream, plus the live in-progress user line and the agent-speaking
// indicator.
//
// It is owned by the controller loop and is not safe for concurrent use.
type Transcript struct {
	entries       []TranscriptEntry
	nextSeq       int
	partial       string
	agentSpeaking bool
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{nextSeq: 1}
}

// Apply folds one room event into the transcript. Events that carry no
// transcript meaning are ignored, so the controller can feed it the raw
// session stream.
func (t *Transcript) Apply(ev Event) {
	switch e := ev.(type) {
	case SystemNoticeEvent:
		t.append(KindSystem, e.Text)
	case AgentUtteranceEvent:
		t.append(KindAgent, e.Text)
	case UserPartialEvent:
		t.partial = e.Text
	case UserFinalEvent:
		// The final text is authoritative; the partial is discarded even
		// when it differs.
		t.partial = ""
		t.append(KindUser, e.Text)
	case AgentSpeakingStartEvent:
		t.agentSpeaking = true
	case AgentSpeakingEndEvent:
		t.agentSpeaking = false
	}
}

// AppendSystem commits a locally generated system entry.
func (t *Transcript) AppendSystem(text string) {
	t.append(KindSystem, text)
}

// append commits an entry. Committed entries must be non-empty; blank text
// (some pipelines emit empty finals) commits nothing.
func (t *Transcript) append(kind EntryKind, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	t.entries = append(t.entries, TranscriptEntry{
		Kind:     kind,
		Text:     text,
		Sequence: t.nextSeq,
	})
	t.nextSeq++
}

// Entries returns a copy of the committed log in sequence order.
func (t *Transcript) Entries() []TranscriptEntry {
	return append([]TranscriptEntry(nil), t.entries...)
}

// Len reports the number of committed entries.
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Partial returns the in-progress user utterance, empty when none.
func (t *Transcript) Partial() string {
	return t.partial
}

// AgentSpeaking reports whether the agent's audio is actively playing.
func (t *Transcript) AgentSpeaking() bool {
	return t.agentSpeaking
}

// Reset clears the log and live buffer so nothing leaks into the next call.
func (t *Transcript) Reset() {
	t.entries = nil
	t.nextSeq = 1
	t.partial = ""
	t.agentSpeaking = false
}
