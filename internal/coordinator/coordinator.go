// Package coordinator implements the Conversation Coordinator (SPEC_FULL.md
// §13): the single entry point front ends call to drive turns, cancel them,
// resolve tool confirmations, and manage sessions. Grounded on
// internal/agent/runtime.go's Runtime struct and its sessionLock/lockSession
// per-session serialization.
package coordinator

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/engine"
	"github.com/nexus-assist/core/internal/models"
	"github.com/nexus-assist/core/internal/pipeline"
	"github.com/nexus-assist/core/internal/session"
)

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator is the single façade applications drive: one turn per session
// runs at a time, enforced the way internal/agent/runtime.go's
// lockSession/sessionLocks pair does it, keyed by session id rather than a
// global lock so unrelated sessions never contend.
type Coordinator struct {
	sessions session.Store
	engine   *engine.Engine
	pipeline *pipeline.Pipeline

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

func New(sessions session.Store, eng *engine.Engine, pl *pipeline.Pipeline) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		engine:   eng,
		pipeline: pl,
		locks:    map[string]*sessionLock{},
		cancels:  map[string]context.CancelFunc{},
	}
}

func (c *Coordinator) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}
	c.locksMu.Lock()
	lock := c.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		c.locks[sessionID] = lock
	}
	lock.refs++
	c.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(c.locks, sessionID)
		}
		c.locksMu.Unlock()
	}
}

func (c *Coordinator) CreateSession(ctx context.Context) (*models.Session, error) {
	s := &models.Session{ID: uuid.NewString()}
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	return c.sessions.Delete(ctx, sessionID)
}

func (c *Coordinator) ListSessions(ctx context.Context) ([]*models.Session, error) {
	return c.sessions.List(ctx)
}

func (c *Coordinator) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return c.sessions.ListMessages(ctx, sessionID, limit)
}

// StartTurn appends the user's message and drives the engine's round loop
// to completion, serialized per session so a session never runs two turns
// concurrently (SPEC_FULL.md §5).
func (c *Coordinator) StartTurn(ctx context.Context, sessionID string, userMsg *models.Message, allowedTools []string) (engine.TurnResult, error) {
	unlock := c.lockSession(sessionID)
	defer unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancels[sessionID] = cancel
	c.cancelMu.Unlock()
	defer func() {
		c.cancelMu.Lock()
		delete(c.cancels, sessionID)
		c.cancelMu.Unlock()
		cancel()
	}()

	userMsg.SessionID = sessionID
	userMsg.Role = models.RoleUser
	if err := c.sessions.AppendMessage(turnCtx, sessionID, userMsg); err != nil {
		return engine.TurnResult{}, corerr.Wrap(corerr.IO, "persist user message", err)
	}

	result := c.engine.RunTurn(turnCtx, sessionID, allowedTools)
	return result, result.Err
}

// CancelTurn cancels the in-flight turn for sessionID, if any. It is a
// no-op (not an error) if no turn is running.
func (c *Coordinator) CancelTurn(sessionID string) {
	c.cancelMu.Lock()
	cancel, ok := c.cancels[sessionID]
	c.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// ConfirmTool approves a pending tool confirmation.
func (c *Coordinator) ConfirmTool(taskID string) error {
	return c.pipeline.Confirm(taskID, true)
}

// RejectTool denies a pending tool confirmation.
func (c *Coordinator) RejectTool(taskID string) error {
	return c.pipeline.Confirm(taskID, false)
}
