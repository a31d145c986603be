package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	call "github.com/vango-go/vai-call/sdk"
)

type consoleStyles struct {
	badge   lipgloss.Style
	system  lipgloss.Style
	agent   lipgloss.Style
	user    lipgloss.Style
	live    lipgloss.Style
	errText lipgloss.Style
}

func newConsoleStyles(colored bool) consoleStyles {
	if !colored {
		plain := lipgloss.NewStyle()
		return consoleStyles{badge: plain, system: plain, agent: plain, user: plain, live: plain, errText: plain}
	}
	return consoleStyles{
		badge:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		system:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		agent:   lipgloss.NewStyle().Foreground(lipgloss.Color("212")),
		user:    lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		live:    lipgloss.NewStyle().Faint(true).Italic(true),
		errText: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
}

// statusLine renders the connection badge: state, MM:SS elapsed, room,
// mute/volume controls state.
func statusLine(snap call.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] room=%s", snap.State, call.FormatDuration(snap.ElapsedSeconds), snap.Room)
	if snap.Muted {
		b.WriteString(" muted")
	}
	fmt.Fprintf(&b, " vol=%d%%", snap.VolumePercent)
	if snap.AgentSpeaking {
		b.WriteString(" agent-speaking")
	}
	return b.String()
}

func entryLine(entry call.TranscriptEntry) string {
	switch entry.Kind {
	case call.KindAgent:
		return fmt.Sprintf("agent> %s", entry.Text)
	case call.KindUser:
		return fmt.Sprintf("you> %s", entry.Text)
	default:
		return fmt.Sprintf("[system] %s", entry.Text)
	}
}

// renderer prints incremental console output as the call state evolves. It
// tracks what was already shown so update notifications stay cheap.
type renderer struct {
	out    io.Writer
	styles consoleStyles

	lastState    call.ConnState
	lastSeq      int
	lastPartial  string
	lastSpeaking bool
	lastError    string
}

func newRenderer(out io.Writer, styles consoleStyles) *renderer {
	return &renderer{out: out, styles: styles, lastState: call.StateIdle}
}

func (r *renderer) render(snap call.Snapshot) {
	if snap.State != r.lastState {
		fmt.Fprintln(r.out, r.styles.badge.Render(statusLine(snap)))
		r.lastState = snap.State
	}

	if snap.ErrorMessage != "" && snap.ErrorMessage != r.lastError {
		fmt.Fprintln(r.out, r.styles.errText.Render("error: "+snap.ErrorMessage))
	}
	r.lastError = snap.ErrorMessage

	for _, entry := range snap.Entries {
		if entry.Sequence <= r.lastSeq {
			continue
		}
		line := entryLine(entry)
		switch entry.Kind {
		case call.KindAgent:
			line = r.styles.agent.Render(line)
		case call.KindUser:
			line = r.styles.user.Render(line)
		default:
			line = r.styles.system.Render(line)
		}
		fmt.Fprintln(r.out, line)
		r.lastSeq = entry.Sequence
	}
	if len(snap.Entries) == 0 {
		r.lastSeq = 0
	}

	if snap.Partial != "" && snap.Partial != r.lastPartial {
		fmt.Fprintln(r.out, r.styles.live.Render("… you: "+snap.Partial))
	}
	r.lastPartial = snap.Partial

	if snap.AgentSpeaking != r.lastSpeaking {
		if snap.AgentSpeaking {
			fmt.Fprintln(r.out, r.styles.system.Render("[agent speaking]"))
		}
		r.lastSpeaking = snap.AgentSpeaking
	}
}
