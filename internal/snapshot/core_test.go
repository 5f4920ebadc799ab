package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-assist/core/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBlobStoreIdempotentWrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBlobStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	id1, err := store.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := store.Put([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id for same content, got %s vs %s", id1, id2)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one blob on disk, got %d", len(entries))
	}
}

// TestScenarioCRollback exercises spec.md Scenario C: create+modify in turn
// 0, rename in turn 1; rollback_to_turn(1) restores the pre-rename state;
// rollback_session removes everything.
func TestScenarioCRollback(t *testing.T) {
	dir := t.TempDir()
	core, err := NewCore(dir)
	if err != nil {
		t.Fatal(err)
	}

	work := t.TempDir()
	fooPath := filepath.Join(work, "foo.txt")
	barPath := filepath.Join(work, "bar.txt")
	sessionID := "sess-1"

	// Turn 0, op 0: create foo.txt = "A"
	opID, err := core.StartFileOperation(sessionID, 0, fooPath, models.OpCreate, "write_file", "")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, fooPath, "A")
	if _, err := core.CompleteFileOperation(sessionID, opID, 1); err != nil {
		t.Fatal(err)
	}

	// Turn 0, op 1: modify foo.txt -> "B"
	opID, err = core.StartFileOperation(sessionID, 0, fooPath, models.OpModify, "write_file", "")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, fooPath, "B")
	if _, err := core.CompleteFileOperation(sessionID, opID, 1); err != nil {
		t.Fatal(err)
	}

	// Turn 1, op 0: rename foo.txt -> bar.txt
	opID, err = core.StartFileOperation(sessionID, 1, fooPath, models.OpRename, "rename_file", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(fooPath, barPath); err != nil {
		t.Fatal(err)
	}
	if _, err := core.CompleteRenameOperation(sessionID, opID, fooPath, barPath, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := core.RollbackToTurn(sessionID, 1); err != nil {
		t.Fatal(err)
	}
	if content, err := os.ReadFile(fooPath); err != nil || string(content) != "B" {
		t.Fatalf("expected foo.txt == B after rollback_to_turn(1), got %q err=%v", content, err)
	}
	if _, err := os.Stat(barPath); !os.IsNotExist(err) {
		t.Fatalf("expected bar.txt to not exist after rollback_to_turn(1)")
	}

	if _, err := core.RollbackSession(sessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fooPath); !os.IsNotExist(err) {
		t.Fatalf("expected foo.txt to not exist after rollback_session")
	}
	if _, err := os.Stat(barPath); !os.IsNotExist(err) {
		t.Fatalf("expected bar.txt to not exist after rollback_session")
	}
}

func TestRollbackToTurnIdempotent(t *testing.T) {
	dir := t.TempDir()
	core, err := NewCore(dir)
	if err != nil {
		t.Fatal(err)
	}
	work := t.TempDir()
	path := filepath.Join(work, "f.txt")
	sessionID := "sess-2"

	opID, _ := core.StartFileOperation(sessionID, 0, path, models.OpCreate, "write_file", "")
	writeFile(t, path, "x")
	if _, err := core.CompleteFileOperation(sessionID, opID, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := core.RollbackToTurn(sessionID, 0); err != nil {
		t.Fatal(err)
	}
	// Second call: turn 0 bucket is already gone, must be a no-op.
	restored, err := core.RollbackToTurn(sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 0 {
		t.Fatalf("expected no-op on second rollback_to_turn, restored %v", restored)
	}
}
