package lspsuper

import (
	"encoding/json"

	"github.com/nexus-assist/core/internal/bus"
)

type progressParams struct {
	Token json.RawMessage `json:"token"`
	Value struct {
		Kind       string `json:"kind"`
		Title      string `json:"title"`
		Message    string `json:"message"`
		Percentage int    `json:"percentage"`
	} `json:"value"`
}

type publishDiagnosticsParams struct {
	URI string `json:"uri"`
}

// routeNotifications drains a server's notification channel and handles
// the fixed set of methods the supervisor understands (SPEC_FULL.md
// §4.7): progress aggregation, diagnostics forwarding, and minimal
// compliant replies to requests the server expects an answer to.
func (w *Workspace) routeNotifications(language string, state *ServerState, notifications <-chan Notification) {
	for n := range notifications {
		switch n.Method {
		case "$/progress":
			w.handleProgress(language, state, n.Params)
		case "textDocument/publishDiagnostics":
			w.handleDiagnostics(language, n.Params)
		case "window/workDoneProgress/create":
			w.replyOK(state, n.ID)
		case "client/registerCapability":
			w.replyOK(state, n.ID)
		case "workspace/configuration":
			w.replyConfiguration(state, n.ID)
		case "window/logMessage", "window/showMessage":
			w.logger.Debug("lsp message", "language", language, "method", n.Method)
		}
	}
}

func (w *Workspace) handleProgress(language string, state *ServerState, raw json.RawMessage) {
	var params progressParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	token := string(params.Token)

	state.progressMu.Lock()
	switch params.Value.Kind {
	case "begin":
		state.progress[token] = progressTask{title: params.Value.Title, percent: params.Value.Percentage}
	case "report":
		task := state.progress[token]
		task.percent = params.Value.Percentage
		if params.Value.Message != "" {
			task.title = params.Value.Message
		}
		state.progress[token] = task
	case "end":
		delete(state.progress, token)
	}

	total, count := 0, 0
	for _, t := range state.progress {
		total += t.percent
		count++
	}
	complete := count == 0
	percent := 0
	if count > 0 {
		percent = total / count
	}
	msg := ""
	if count > 0 {
		for _, t := range state.progress {
			msg = t.title
			break
		}
	}
	state.progressMu.Unlock()

	w.publish(bus.TopicLSPEvent, ProgressEvent{
		Workspace: w.root,
		Language:  language,
		Percent:   percent,
		Message:   msg,
		Complete:  complete,
	})
}

func (w *Workspace) handleDiagnostics(language string, raw json.RawMessage) {
	var params publishDiagnosticsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	w.publish(bus.TopicLSPEvent, DiagnosticsEvent{
		Workspace: w.root,
		Language:  language,
		URI:       params.URI,
		Raw:       raw,
	})
}

func (w *Workspace) replyOK(state *ServerState, id json.RawMessage) {
	if len(id) == 0 {
		return
	}
	state.mu.Lock()
	proc := state.Process
	state.mu.Unlock()
	if proc == nil {
		return
	}
	_ = proc.Transport.Reply(id, nil)
}

func (w *Workspace) replyConfiguration(state *ServerState, id json.RawMessage) {
	if len(id) == 0 {
		return
	}
	state.mu.Lock()
	proc := state.Process
	state.mu.Unlock()
	if proc == nil {
		return
	}
	_ = proc.Transport.Reply(id, []map[string]any{{}})
}
