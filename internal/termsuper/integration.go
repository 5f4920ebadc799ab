package termsuper

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// oscPrefix/oscTerminator delimit the private-use OSC sequence the
// shell-integration script emits around each command. The nonce scopes
// markers to one session so a nested or unrelated shell echoing similar
// text can't be mistaken for this session's integration.
const (
	oscPrefix     = "\x1b]9279;"
	oscTerminator = "\x07"
)

// marker kinds written by the shell-integration script, matching
// SPEC_FULL.md §4.8's four markers plus the prompt-ready marker the state
// machine needs to detect Idle -> Prompt.
const (
	markerPrompt = "PROMPT"
	markerStart  = "START"
	markerInput  = "INPUT"
	markerFinish = "FINISH"
	markerCwd    = "CWD"
)

// IntegrationState identifies where a session sits in the marker state
// machine (SPEC_FULL.md §4.8).
type IntegrationState string

const (
	StateIdle      IntegrationState = "idle"
	StatePrompt    IntegrationState = "prompt"
	StateInput     IntegrationState = "input"
	StateExecuting IntegrationState = "executing"
	StateFinished  IntegrationState = "finished"
)

type integrationState struct {
	nonce string

	mu        sync.Mutex
	state     IntegrationState
	commandID string
	exitCode  *int
	cwd       string
	buf       []byte // unmatched tail, for markers split across reads
}

func newIntegrationState(nonce string) *integrationState {
	return &integrationState{nonce: nonce, state: StateIdle}
}

// feed scans a chunk of PTY output for integration markers and advances
// the state machine. Marker bytes are left in place (they're invisible
// escape sequences); callers reading Aggregated() see them too, same as
// a real terminal emulator would.
func (is *integrationState) feed(chunk []byte) {
	is.mu.Lock()
	defer is.mu.Unlock()

	is.buf = append(is.buf, chunk...)
	prefix := []byte(oscPrefix)
	term := []byte(oscTerminator)

	for {
		start := bytes.Index(is.buf, prefix)
		if start < 0 {
			if len(is.buf) > len(prefix) {
				is.buf = is.buf[len(is.buf)-len(prefix):]
			}
			return
		}
		rest := is.buf[start+len(prefix):]
		end := bytes.Index(rest, term)
		if end < 0 {
			is.buf = is.buf[start:]
			return
		}
		payload := string(rest[:end])
		is.buf = rest[end+len(term):]
		is.applyMarker(payload)
	}
}

func (is *integrationState) applyMarker(payload string) {
	parts := bytes.SplitN([]byte(payload), []byte("|"), 3)
	if len(parts) < 2 || string(parts[0]) != is.nonce {
		return
	}
	kind := string(parts[1])
	var arg string
	if len(parts) == 3 {
		arg = string(parts[2])
	}

	switch kind {
	case markerPrompt:
		is.state = StatePrompt
	case markerStart:
		is.state = StateExecuting
		is.commandID = arg
		is.exitCode = nil
	case markerInput:
		if is.state == StatePrompt {
			is.state = StateInput
		}
	case markerFinish:
		is.state = StateFinished
		code := parseExitCode(arg)
		is.exitCode = code
	case markerCwd:
		is.cwd = arg
	}
}

func parseExitCode(s string) *int {
	var code int
	if _, err := fmt.Sscanf(s, "%d", &code); err != nil {
		return nil
	}
	return &code
}

func (is *integrationState) snapshot() (IntegrationState, string, *int) {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.state, is.commandID, is.exitCode
}

// integrationScript renders the POSIX shell-integration wrapper installed
// at session start. It redefines PROMPT_COMMAND/PS0-equivalent hooks to
// emit the four markers around every command.
func integrationScript(nonce string) string {
	return fmt.Sprintf(`
__nexus_nonce=%q
__nexus_marker() {
  printf '\033]9279;%%s|%%s|%%s\007' "$__nexus_nonce" "$1" "$2"
}
__nexus_preexec() {
  __nexus_marker START "$1"
}
__nexus_precmd() {
  local ec=$?
  __nexus_marker FINISH "$ec"
  __nexus_marker CWD "$PWD"
  __nexus_marker PROMPT ""
}
if [ -n "$BASH_VERSION" ]; then
  trap '__nexus_preexec "$BASH_COMMAND"' DEBUG
  PROMPT_COMMAND='__nexus_precmd'"${PROMPT_COMMAND:+; $PROMPT_COMMAND}"
elif [ -n "$ZSH_VERSION" ]; then
  preexec() { __nexus_preexec "$1"; }
  precmd() { __nexus_precmd; }
fi
__nexus_marker PROMPT ""
`, nonce)
}

// writeIntegrationScript persists the script to a per-session temp file
// so it can be sourced by the shell, kept up to date on every Start call.
func writeIntegrationScript(sessionID, script string) (string, error) {
	dir := filepath.Join(os.TempDir(), "nexus-termsuper")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sessionID+".sh")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
