package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-assist/core/internal/corerr"
	"github.com/nexus-assist/core/internal/models"
)

// persistedOp is the on-disk shape of a FileOperation; identical to
// models.FileOperation today but kept distinct so the wire format can
// evolve independently of the in-memory type (spec §6: "format opaque").
type persistedOp = models.FileOperation

type sessionHistoryDoc struct {
	SessionID string                  `json:"session_id"`
	Turns     map[int][]*persistedOp  `json:"turns"`
	Baselines map[string]string       `json:"baselines"`
}

// Core groups file-mutation operations into turns & sessions, computes
// diffs, and can roll them back. It is the sole owner of FileOperations and
// the baseline mapping (spec §3 Ownership summary).
type Core struct {
	mu      sync.Mutex
	blobs   *BlobStore
	docs    *documentStore
	rootDir string

	// In-memory mirror of each session's document, loaded lazily.
	sessions map[string]*sessionHistoryDoc
}

// NewCore opens (or creates) a snapshot core rooted at rootDir, which will
// contain "snapshots/blobs/<id>" and "sessions/operations/<id>.json" per
// spec §6.
func NewCore(rootDir string) (*Core, error) {
	blobDir := filepath.Join(rootDir, "snapshots", "blobs")
	blobs, err := NewBlobStore(blobDir)
	if err != nil {
		return nil, err
	}
	docs, err := newDocumentStore(filepath.Join(rootDir, "sessions"))
	if err != nil {
		return nil, err
	}
	return &Core{
		blobs:    blobs,
		docs:     docs,
		rootDir:  rootDir,
		sessions: make(map[string]*sessionHistoryDoc),
	}, nil
}

func (c *Core) docFor(sessionID string) (*sessionHistoryDoc, error) {
	if doc, ok := c.sessions[sessionID]; ok {
		return doc, nil
	}
	doc, err := c.docs.load(sessionID)
	if err != nil {
		return nil, corerr.Wrap(corerr.IO, "load session history", err)
	}
	if doc.Baselines == nil {
		doc.Baselines = map[string]string{}
	}
	c.sessions[sessionID] = doc
	return doc, nil
}

func (c *Core) persist(doc *sessionHistoryDoc) error {
	if err := c.docs.save(doc.SessionID, doc); err != nil {
		return corerr.Wrap(corerr.IO, "persist session history", err)
	}
	return nil
}

// StartFileOperation takes the before-snapshot for path (if it exists) and,
// the first time this path is seen in the session, promotes that snapshot
// to the file's baseline. Returns the new operation's id.
func (c *Core) StartFileOperation(sessionID string, turnIndex int, path string, opType models.OperationType, toolName, toolInput string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return "", err
	}

	opID := uuid.NewString()

	beforeID, err := c.snapshotPathIfExists(path, opID)
	if err != nil {
		return "", err
	}

	if _, seen := doc.Baselines[path]; !seen {
		doc.Baselines[path] = beforeID
	}

	op := &persistedOp{
		OperationID:      opID,
		SessionID:        sessionID,
		TurnIndex:        turnIndex,
		SeqInTurn:        len(doc.Turns[turnIndex]),
		FilePath:         path,
		OperationType:    opType,
		ToolName:         toolName,
		ToolInput:        toolInput,
		BeforeSnapshotID: beforeID,
		Timestamp:        time.Now(),
	}
	doc.Turns[turnIndex] = append(doc.Turns[turnIndex], op)

	if err := c.persist(doc); err != nil {
		return "", err
	}
	return opID, nil
}

// snapshotPathIfExists captures the current content of path into the blob
// store, or returns the empty sentinel if the path does not exist.
func (c *Core) snapshotPathIfExists(path, opID string) (string, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return EmptySnapshotID(opID), nil
	}
	if err != nil {
		return "", corerr.Wrap(corerr.IO, "read file for snapshot", err)
	}
	id, err := c.blobs.Put(content)
	if err != nil {
		return "", corerr.Wrap(corerr.IO, "write snapshot blob", err)
	}
	return id, nil
}

func (c *Core) findOp(doc *sessionHistoryDoc, operationID string) (*persistedOp, bool) {
	for _, ops := range doc.Turns {
		for _, op := range ops {
			if op.OperationID == operationID {
				return op, true
			}
		}
	}
	return nil, false
}

// CompleteFileOperation takes the after-snapshot, computes the diff
// summary, and persists the session document.
func (c *Core) CompleteFileOperation(sessionID, operationID string, durationMS int64) (*models.FileOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return nil, err
	}
	op, ok := c.findOp(doc, operationID)
	if !ok {
		return nil, corerr.New(corerr.NotFound, fmt.Sprintf("file operation %q not found", operationID))
	}

	afterID, err := c.snapshotPathIfExists(op.FilePath, op.OperationID)
	if err != nil {
		return nil, err
	}
	op.AfterSnapshotID = afterID
	op.DurationMS = durationMS

	beforeText, _ := c.loadSnapshotText(op.BeforeSnapshotID)
	afterText, _ := c.loadSnapshotText(op.AfterSnapshotID)
	op.Diff = ComputeDiffSummary(beforeText, afterText)

	if err := c.persist(doc); err != nil {
		return nil, err
	}
	clone := *op
	return &clone, nil
}

// CompleteRenameOperation is like CompleteFileOperation but additionally
// records the old/new paths for rollback (spec §4.6 rename handling).
func (c *Core) CompleteRenameOperation(sessionID, operationID, pathBefore, pathAfter string, durationMS int64) (*models.FileOperation, error) {
	c.mu.Lock()
	doc, err := c.docFor(sessionID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	op, ok := c.findOp(doc, operationID)
	if !ok {
		c.mu.Unlock()
		return nil, corerr.New(corerr.NotFound, fmt.Sprintf("file operation %q not found", operationID))
	}
	op.PathBefore = pathBefore
	op.PathAfter = pathAfter
	op.FilePath = pathAfter
	c.mu.Unlock()
	return c.CompleteFileOperation(sessionID, operationID, durationMS)
}

func (c *Core) loadSnapshotText(id string) (string, error) {
	if id == "" || IsEmptySentinel(id) {
		return "", nil
	}
	content, err := c.blobs.Get(id)
	if err != nil {
		return "", corerr.Wrap(corerr.Snapshot, "load snapshot blob", err)
	}
	return string(content), nil
}

// GetFileDiff returns (before_text, after_text) for path in session, using
// the baseline as "before" when available, falling back to the first
// before-snapshot of this session for that path.
func (c *Core) GetFileDiff(sessionID, path string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return "", "", err
	}

	beforeID, ok := doc.Baselines[path]
	if !ok {
		for _, ops := range sortedTurns(doc) {
			for _, op := range ops {
				if op.FilePath == path || op.PathBefore == path {
					beforeID = op.BeforeSnapshotID
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
	}

	var after string
	if content, err := os.ReadFile(path); err == nil {
		after = string(content)
	}

	before, err := c.loadSnapshotText(beforeID)
	if err != nil {
		return "", "", err
	}
	return before, after, nil
}

// GetBaselineSnapshotDiff returns (baseline_text, current_text) for path.
func (c *Core) GetBaselineSnapshotDiff(sessionID, path string) (string, string, error) {
	return c.GetFileDiff(sessionID, path)
}

func sortedTurns(doc *sessionHistoryDoc) [][]*persistedOp {
	indices := make([]int, 0, len(doc.Turns))
	for idx := range doc.Turns {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	out := make([][]*persistedOp, 0, len(indices))
	for _, idx := range indices {
		ops := append([]*persistedOp(nil), doc.Turns[idx]...)
		sort.Slice(ops, func(i, j int) bool { return ops[i].SeqInTurn < ops[j].SeqInTurn })
		out = append(out, ops)
	}
	return out
}

// allOpsDescending returns every FileOperation across all turns, ordered
// by descending turn_index then descending seq_in_turn — the order
// rollback must replay in (spec §4.6 rollback ordering rationale).
func allOpsDescending(doc *sessionHistoryDoc) []*persistedOp {
	indices := make([]int, 0, len(doc.Turns))
	for idx := range doc.Turns {
		indices = append(indices, idx)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))

	out := make([]*persistedOp, 0)
	for _, idx := range indices {
		ops := append([]*persistedOp(nil), doc.Turns[idx]...)
		sort.Slice(ops, func(i, j int) bool { return ops[i].SeqInTurn > ops[j].SeqInTurn })
		out = append(out, ops...)
	}
	return out
}

func (c *Core) applyRollback(op *persistedOp) (string, error) {
	restorePath := op.FilePath
	if op.PathBefore != "" {
		restorePath = op.PathBefore
		if op.PathAfter != "" {
			if err := os.Remove(op.PathAfter); err != nil && !os.IsNotExist(err) {
				return "", corerr.Wrap(corerr.IO, "remove renamed-to path during rollback", err)
			}
		}
	}

	if op.BeforeSnapshotID == "" || IsEmptySentinel(op.BeforeSnapshotID) {
		if err := os.Remove(restorePath); err != nil && !os.IsNotExist(err) {
			return "", corerr.Wrap(corerr.IO, "remove path during rollback", err)
		}
		return restorePath, nil
	}

	content, err := c.blobs.Get(op.BeforeSnapshotID)
	if err != nil {
		return "", corerr.Wrap(corerr.Snapshot, "read before-snapshot for rollback", err)
	}
	if dir := filepath.Dir(restorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", corerr.Wrap(corerr.IO, "create parent dir for rollback", err)
		}
	}
	if err := os.WriteFile(restorePath, content, 0o644); err != nil {
		return "", corerr.Wrap(corerr.IO, "write restored file", err)
	}
	return restorePath, nil
}

// RollbackSession replays every FileOperation of the session in reverse
// (descending turn_index, then descending seq_in_turn) and returns the set
// of restored paths.
func (c *Core) RollbackSession(sessionID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return nil, err
	}

	ops := allOpsDescending(doc)
	seen := map[string]struct{}{}
	var restored []string
	for _, op := range ops {
		path, err := c.applyRollback(op)
		if err != nil {
			return restored, err
		}
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			restored = append(restored, path)
		}
	}
	return restored, nil
}

// RollbackToTurn replays operations whose turn_index >= targetTurn, then
// deletes those turn buckets. Calling it twice in a row with the same
// target is a no-op the second time (those buckets are already gone).
func (c *Core) RollbackToTurn(sessionID string, targetTurn int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0)
	for idx := range doc.Turns {
		if idx >= targetTurn {
			indices = append(indices, idx)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))

	seen := map[string]struct{}{}
	var restored []string
	for _, idx := range indices {
		ops := append([]*persistedOp(nil), doc.Turns[idx]...)
		sort.Slice(ops, func(i, j int) bool { return ops[i].SeqInTurn > ops[j].SeqInTurn })
		for _, op := range ops {
			path, err := c.applyRollback(op)
			if err != nil {
				return restored, err
			}
			if _, ok := seen[path]; !ok {
				seen[path] = struct{}{}
				restored = append(restored, path)
			}
		}
		delete(doc.Turns, idx)
	}

	if err := c.persist(doc); err != nil {
		return restored, err
	}
	return restored, nil
}

// AcceptSession forgets tracked baselines for the session (operations are
// retained for audit; only the baseline index is cleared).
func (c *Core) AcceptSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return err
	}
	doc.Baselines = map[string]string{}
	return c.persist(doc)
}

// AcceptFile forgets the baseline for a single path.
func (c *Core) AcceptFile(sessionID, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return err
	}
	delete(doc.Baselines, path)
	return c.persist(doc)
}

// CleanupSession deletes snapshot blobs referenced only by this session,
// then drops the session document entirely.
func (c *Core) CleanupSession(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return err
	}

	referenced := map[string]struct{}{}
	for _, ops := range doc.Turns {
		for _, op := range ops {
			referenced[op.BeforeSnapshotID] = struct{}{}
			referenced[op.AfterSnapshotID] = struct{}{}
		}
	}
	for _, id := range doc.Baselines {
		referenced[id] = struct{}{}
	}

	for id := range referenced {
		if id == "" || IsEmptySentinel(id) {
			continue
		}
		if c.idReferencedByOtherSessions(sessionID, id) {
			continue
		}
		if err := c.blobs.Delete(id); err != nil {
			return corerr.Wrap(corerr.IO, "delete orphaned blob", err)
		}
	}

	delete(c.sessions, sessionID)
	if err := c.docs.delete(sessionID); err != nil {
		return corerr.Wrap(corerr.IO, "delete session document", err)
	}
	return nil
}

func (c *Core) idReferencedByOtherSessions(excludeSessionID, id string) bool {
	for sid, doc := range c.sessions {
		if sid == excludeSessionID {
			continue
		}
		for _, ops := range doc.Turns {
			for _, op := range ops {
				if op.BeforeSnapshotID == id || op.AfterSnapshotID == id {
					return true
				}
			}
		}
		if _, ok := doc.Baselines[id]; ok {
			return true
		}
	}
	return false
}

// Stats summarizes a session's tracked file activity.
type Stats struct {
	SessionID      string `json:"session_id"`
	OperationCount int    `json:"operation_count"`
	FileCount      int    `json:"file_count"`
}

// GetSessionStats returns operation/file counts for the session.
func (c *Core) GetSessionStats(sessionID string) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return Stats{}, err
	}
	files := map[string]struct{}{}
	count := 0
	for _, ops := range doc.Turns {
		count += len(ops)
		for _, op := range ops {
			files[op.FilePath] = struct{}{}
		}
	}
	return Stats{SessionID: sessionID, OperationCount: count, FileCount: len(files)}, nil
}

// ListSessionIDs lists every session with a persisted document.
func (c *Core) ListSessionIDs() ([]string, error) {
	return c.docs.listSessionIDs()
}

// GetSessionOperations returns every FileOperation for the session, ordered
// by (turn_index, seq_in_turn).
func (c *Core) GetSessionOperations(sessionID string) ([]*models.FileOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return nil, err
	}
	var out []*models.FileOperation
	for _, ops := range sortedTurns(doc) {
		for _, op := range ops {
			clone := *op
			out = append(out, &clone)
		}
	}
	return out, nil
}

// AllModifiedFiles returns the distinct set of paths touched across all
// turns of the session.
func (c *Core) AllModifiedFiles(sessionID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.docFor(sessionID)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, ops := range doc.Turns {
		for _, op := range ops {
			seen[op.FilePath] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
