package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	call "github.com/vango-go/vai-call/sdk"
)

const commandHelp = `commands:
  /start         dial the room and join the call
  /end           hang up
  /mute          stop sending microphone audio
  /unmute        resume sending microphone audio
  /volume N      set playback volume (0-100)
  /room NAME     switch the target room (while idle)
  /status        print the current call status
  /help          show this help
  /quit          exit`

// handleCommand dispatches one console line. It reports whether the
// console should exit.
func handleCommand(ctrl *call.Controller, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/start":
		ctrl.StartCall()
	case "/end":
		ctrl.EndCall()
	case "/mute":
		ctrl.SetMuted(true)
	case "/unmute":
		ctrl.SetMuted(false)
	case "/volume":
		pct, err := strconv.Atoi(arg)
		if err != nil {
			fmt.Fprintln(out, "usage: /volume N (0-100)")
			return false
		}
		ctrl.SetVolume(pct)
	case "/room":
		if arg == "" {
			fmt.Fprintln(out, "usage: /room NAME")
			return false
		}
		ctrl.SetRoom(arg)
	case "/status":
		fmt.Fprintln(out, statusLine(ctrl.Snapshot()))
	case "/help":
		fmt.Fprintln(out, commandHelp)
	case "/quit", "/exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q (try /help)\n", cmd)
	}
	return false
}
