// Package session implements the Session Store named in SPEC_FULL.md §5:
// an in-memory Session/Message ledger with one RWMutex per session, grounded
// on internal/sessions/memory.go's MemoryStore.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
)

// Store is the Session Store interface named in SPEC_FULL.md §5.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// maxMessagesPerSession bounds in-memory growth per session; the oldest
// messages are trimmed once the limit is exceeded.
const maxMessagesPerSession = 10000

type sessionEntry struct {
	mu       sync.RWMutex
	session  *models.Session
	messages []*models.Message
	nextSeq  int64
}

// MemoryStore is the default Store: one RWMutex per session (held in a
// sync.Map-like guarded top-level map) so concurrent turns on different
// sessions never contend with each other.
type MemoryStore struct {
	topMu   sync.RWMutex
	entries map[string]*sessionEntry
	byKey   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]*sessionEntry{},
		byKey:   map[string]string{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *models.Session) error {
	if s == nil {
		return corerr.New(corerr.Validation, "session is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	m.topMu.Lock()
	defer m.topMu.Unlock()
	if _, exists := m.entries[s.ID]; exists {
		return corerr.New(corerr.Validation, "session already exists: "+s.ID)
	}
	entry := &sessionEntry{session: cloneSession(s)}
	m.entries[s.ID] = entry
	return nil
}

func (m *MemoryStore) lookup(id string) (*sessionEntry, bool) {
	m.topMu.RLock()
	defer m.topMu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, corerr.New(corerr.NotFound, "session not found: "+id)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneSession(e.session), nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	m.topMu.RLock()
	id, ok := m.byKey[key]
	m.topMu.RUnlock()
	if !ok {
		return nil, corerr.New(corerr.NotFound, "session not found for key: "+key)
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, s *models.Session) error {
	if s == nil {
		return corerr.New(corerr.Validation, "session is required")
	}
	e, ok := m.lookup(s.ID)
	if !ok {
		return corerr.New(corerr.NotFound, "session not found: "+s.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := cloneSession(s)
	clone.CreatedAt = e.session.CreatedAt
	clone.UpdatedAt = time.Now()
	e.session = clone
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.topMu.Lock()
	defer m.topMu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return corerr.New(corerr.NotFound, "session not found: "+id)
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*models.Session, error) {
	m.topMu.RLock()
	defer m.topMu.RUnlock()
	out := make([]*models.Session, 0, len(m.entries))
	for _, e := range m.entries {
		e.mu.RLock()
		out = append(out, cloneSession(e.session))
		e.mu.RUnlock()
	}
	return out, nil
}

// AppendMessage assigns the message a monotonically increasing Seq within
// its session, per SPEC_FULL.md §5's ordering requirement.
func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return corerr.New(corerr.Validation, "message is required")
	}
	e, ok := m.lookup(sessionID)
	if !ok {
		return corerr.New(corerr.NotFound, "session not found: "+sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.Seq = e.nextSeq
	e.nextSeq++
	msg.Seq = clone.Seq
	msg.ID = clone.ID

	e.messages = append(e.messages, clone)
	if len(e.messages) > maxMessagesPerSession {
		excess := len(e.messages) - maxMessagesPerSession
		e.messages = e.messages[excess:]
	}
	e.session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	e, ok := m.lookup(sessionID)
	if !ok {
		return nil, corerr.New(corerr.NotFound, "session not found: "+sessionID)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := 0
	if limit > 0 && len(e.messages) > limit {
		start = len(e.messages) - limit
	}
	out := make([]*models.Message, 0, len(e.messages)-start)
	for _, msg := range e.messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall{}, msg.ToolCalls...)
	}
	return &clone
}
