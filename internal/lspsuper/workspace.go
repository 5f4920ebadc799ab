package lspsuper

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nexus-assist/core/internal/bus"
	"github.com/nexus-assist/core/internal/corerr"
)

// HealthCheckInterval is how often the workspace manager polls running
// servers for liveness.
const HealthCheckInterval = 30 * time.Second

// aliases maps a requested language to the language whose running server
// may serve it, per SPEC_FULL.md §4.7's language-aliasing rule.
var aliases = map[string]string{
	"c":  "cpp",
	"js": "ts",
}

// DocumentState tracks one open document's language and LSP version
// counter.
type DocumentState struct {
	Language string
	Version  int
}

// ServerState is a (workspace, language) server's bookkeeping entry.
type ServerState struct {
	mu      sync.Mutex
	Status  ServerStatus
	Process *Process
	Err     error

	startOnce  sync.Once
	startReady chan struct{}

	progressMu sync.Mutex
	progress   map[string]progressTask
}

type progressTask struct {
	title   string
	percent int
	done    bool
}

// ProgressEvent is published on the event bus when aggregated indexing
// progress for a language changes.
type ProgressEvent struct {
	Workspace string
	Language  string
	Percent   int
	Message   string
	Complete  bool
}

// DiagnosticsEvent is published when a server reports
// textDocument/publishDiagnostics.
type DiagnosticsEvent struct {
	Workspace string
	Language  string
	URI       string
	Raw       json.RawMessage
}

// ServerErrorEvent is published when a server process crashes
// unexpectedly.
type ServerErrorEvent struct {
	Workspace string
	Language  string
	Err       error
}

// Launcher resolves a language identifier to a LaunchSpec, supplied by
// the caller's configuration (SPEC_FULL.md §4.7 leaves discovery/config
// to the embedder).
type Launcher func(language string) (LaunchSpec, error)

// Workspace owns every language server for one project root.
type Workspace struct {
	root     string
	launcher Launcher
	bus      *bus.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	servers map[string]*ServerState
	docs    map[string]*DocumentState

	healthStop chan struct{}
}

func NewWorkspace(root string, launcher Launcher, eventBus *bus.Bus, logger *slog.Logger) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workspace{
		root:     root,
		launcher: launcher,
		bus:      eventBus,
		logger:   logger.With("component", "lspsuper.workspace", "root", root),
		servers:  map[string]*ServerState{},
		docs:     map[string]*DocumentState{},
	}
	w.startHealthCheck()
	return w
}

// resolveLanguage applies the alias table, preferring an already-running
// server under the aliased name.
func (w *Workspace) resolveLanguage(language string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.servers[language]; ok {
		return language
	}
	if alias, ok := aliases[language]; ok {
		if s, ok := w.servers[alias]; ok && s.Status == ServerRunning {
			return alias
		}
	}
	for k, v := range aliases {
		if v == language {
			if s, ok := w.servers[k]; ok && s.Status == ServerRunning {
				return k
			}
		}
	}
	return language
}

// EnsureServerRunning starts a server for language if one is not already
// running, race-free: concurrent callers for the same language await the
// same in-flight start and observe the same outcome (Scenario E).
func (w *Workspace) EnsureServerRunning(ctx context.Context, language string) error {
	resolved := w.resolveLanguage(language)

	w.mu.Lock()
	state, exists := w.servers[resolved]
	if !exists {
		state = &ServerState{Status: ServerStopped, startReady: make(chan struct{}), progress: map[string]progressTask{}}
		w.servers[resolved] = state
	}
	w.mu.Unlock()

	state.mu.Lock()
	if state.Status == ServerRunning {
		state.mu.Unlock()
		return nil
	}
	if state.Status == ServerFailed && state.Err != nil {
		err := state.Err
		state.mu.Unlock()
		return err
	}
	state.mu.Unlock()

	state.startOnce.Do(func() {
		go w.startServer(ctx, resolved, state)
	})

	select {
	case <-state.startReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.Status != ServerRunning {
		return state.Err
	}
	return nil
}

func (w *Workspace) startServer(ctx context.Context, language string, state *ServerState) {
	state.mu.Lock()
	state.Status = ServerStarting
	state.mu.Unlock()

	defer close(state.startReady)

	spec, err := w.launcher(language)
	if err != nil {
		state.mu.Lock()
		state.Status = ServerFailed
		state.Err = corerr.Wrap(corerr.Service, "resolve lsp launch spec", err)
		state.mu.Unlock()
		return
	}

	proc, err := Start(ctx, w.root, language, spec, w.logger)
	if err != nil {
		state.mu.Lock()
		state.Status = ServerFailed
		state.Err = err
		state.mu.Unlock()
		return
	}

	proc.CrashCallback = func(crashErr error) {
		state.mu.Lock()
		state.Status = ServerFailed
		state.Err = crashErr
		state.mu.Unlock()
		w.publish(bus.TopicLSPEvent, ServerErrorEvent{Workspace: w.root, Language: language, Err: crashErr})
	}

	state.mu.Lock()
	state.Process = proc
	state.Status = ServerRunning
	state.mu.Unlock()

	go w.routeNotifications(language, state, proc.Transport.Notifications)
}

func (w *Workspace) healthCheck() {
	w.mu.Lock()
	states := make(map[string]*ServerState, len(w.servers))
	for k, v := range w.servers {
		states[k] = v
	}
	w.mu.Unlock()

	for language, state := range states {
		state.mu.Lock()
		running := state.Status == ServerRunning
		proc := state.Process
		state.mu.Unlock()
		if !running || proc == nil {
			continue
		}
		if !proc.Alive() {
			state.mu.Lock()
			state.Status = ServerFailed
			state.Err = corerr.New(corerr.Service, "lsp server process exited")
			state.mu.Unlock()
			w.publish(bus.TopicLSPEvent, ServerErrorEvent{Workspace: w.root, Language: language, Err: state.Err})
		}
	}
}

func (w *Workspace) startHealthCheck() {
	w.healthStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.healthCheck()
			case <-w.healthStop:
				return
			}
		}
	}()
}

// Shutdown stops the health checker and every running server.
func (w *Workspace) Shutdown() {
	close(w.healthStop)
	w.mu.Lock()
	states := make([]*ServerState, 0, len(w.servers))
	for _, s := range w.servers {
		states = append(states, s)
	}
	w.mu.Unlock()
	for _, s := range states {
		s.mu.Lock()
		proc := s.Process
		s.mu.Unlock()
		if proc != nil {
			proc.Stop()
		}
	}
}

// SendRequest dispatches an LSP request to language's running server.
func (w *Workspace) SendRequest(language, method string, params any) (json.RawMessage, error) {
	resolved := w.resolveLanguage(language)
	w.mu.Lock()
	state, ok := w.servers[resolved]
	w.mu.Unlock()
	if !ok {
		return nil, corerr.New(corerr.NotFound, "no lsp server for language: "+language)
	}
	state.mu.Lock()
	if state.Status != ServerRunning {
		status := state.Status
		state.mu.Unlock()
		return nil, corerr.New(corerr.Validation, "lsp server not running: "+string(status))
	}
	proc := state.Process
	state.mu.Unlock()
	return proc.Transport.SendRequest(method, params)
}

// OpenDocument is a no-op if the language server is not running; callers
// decide whether to start one first.
func (w *Workspace) OpenDocument(language, uri, text string) error {
	resolved := w.resolveLanguage(language)
	w.mu.Lock()
	state, ok := w.servers[resolved]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	state.mu.Lock()
	running := state.Status == ServerRunning
	proc := state.Process
	state.mu.Unlock()
	if !running {
		return nil
	}

	w.mu.Lock()
	w.docs[uri] = &DocumentState{Language: resolved, Version: 1}
	w.mu.Unlock()

	return proc.Transport.SendNotification("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{"uri": uri, "languageId": resolved, "version": 1, "text": text},
	})
}

func (w *Workspace) ChangeDocument(uri, text string) error {
	w.mu.Lock()
	doc, ok := w.docs[uri]
	w.mu.Unlock()
	if !ok {
		return corerr.New(corerr.NotFound, "document not open: "+uri)
	}
	doc.Version++
	state, ok := w.serverFor(doc.Language)
	if !ok {
		return corerr.New(corerr.NotFound, "no lsp server for language: "+doc.Language)
	}
	state.mu.Lock()
	proc := state.Process
	state.mu.Unlock()
	return proc.Transport.SendNotification("textDocument/didChange", map[string]any{
		"textDocument":   map[string]any{"uri": uri, "version": doc.Version},
		"contentChanges": []map[string]any{{"text": text}},
	})
}

func (w *Workspace) SaveDocument(uri string) error {
	w.mu.Lock()
	doc, ok := w.docs[uri]
	w.mu.Unlock()
	if !ok {
		return corerr.New(corerr.NotFound, "document not open: "+uri)
	}
	state, ok := w.serverFor(doc.Language)
	if !ok {
		return corerr.New(corerr.NotFound, "no lsp server for language: "+doc.Language)
	}
	state.mu.Lock()
	proc := state.Process
	state.mu.Unlock()
	return proc.Transport.SendNotification("textDocument/didSave", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
}

func (w *Workspace) CloseDocument(uri string) error {
	w.mu.Lock()
	doc, ok := w.docs[uri]
	if ok {
		delete(w.docs, uri)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}
	state, ok := w.serverFor(doc.Language)
	if !ok {
		return nil
	}
	state.mu.Lock()
	proc := state.Process
	state.mu.Unlock()
	return proc.Transport.SendNotification("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": uri},
	})
}

func (w *Workspace) serverFor(language string) (*ServerState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.servers[language]
	return s, ok
}

func (w *Workspace) publish(topic string, payload any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(topic, payload)
}
