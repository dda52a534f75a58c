package session

import (
	"testing"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
)

func TestStoreCreateAndLookup(t *testing.T) {
	store := NewStore()
	sess, err := store.Create("s1", "demo.yaml", "hello", []string{"a1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != StatusIdle {
		t.Errorf("new session status = %s, want idle", sess.Status)
	}
	if !store.Has("s1") {
		t.Error("Has should report the created session")
	}
	if store.ArtifactQueue("s1") == nil {
		t.Error("session must own an artifact queue")
	}

	info := store.Info("s1")
	if info == nil || info.YamlFile != "demo.yaml" || info.SessionID != "s1" {
		t.Errorf("unexpected info: %+v", info)
	}
	if info.CreatedAt <= 0 {
		t.Error("created_at should be wall-clock seconds")
	}
}

func TestStoreCreateConflict(t *testing.T) {
	store := NewStore()
	if _, err := store.Create("s1", "a.yaml", "x", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := store.Create("s1", "b.yaml", "y", nil)
	if !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Fatalf("expected RESOURCE_CONFLICT, got %v", err)
	}
}

func TestStoreTerminalStatusesAreSticky(t *testing.T) {
	store := NewStore()
	store.Create("s1", "a.yaml", "x", nil)
	store.Complete("s1", map[string]any{"node": "done"})

	store.UpdateStatus("s1", StatusRunning)
	store.SetError("s1", "late failure")

	info := store.Info("s1")
	if info.Status != StatusCompleted {
		t.Errorf("terminal status changed to %s", info.Status)
	}
	if info.ErrorMessage != "" {
		t.Errorf("error message applied after terminal state: %q", info.ErrorMessage)
	}
}

func TestStoreSetErrorRecordsMessage(t *testing.T) {
	store := NewStore()
	store.Create("s1", "a.yaml", "x", nil)
	store.UpdateStatus("s1", StatusRunning)
	store.SetError("s1", "boom")

	info := store.Info("s1")
	if info.Status != StatusError || info.ErrorMessage != "boom" {
		t.Errorf("info = %+v", info)
	}
}

func TestStoreRemove(t *testing.T) {
	store := NewStore()
	store.Create("s1", "a.yaml", "x", nil)
	if sess := store.Remove("s1"); sess == nil {
		t.Fatal("Remove should return the record")
	}
	if store.Has("s1") {
		t.Error("session should be gone")
	}
	if store.Remove("s1") != nil {
		t.Error("second Remove should return nil")
	}
}

func TestStoreExecutorBinding(t *testing.T) {
	store := NewStore()
	store.Create("s1", "a.yaml", "x", nil)

	exec := &fakeExecutor{}
	store.BindExecutor("s1", exec)
	snap, ok := store.Snapshot("s1")
	if !ok || snap.Executor == nil {
		t.Fatal("executor should be bound")
	}
	store.ClearExecutor("s1")
	snap, _ = store.Snapshot("s1")
	if snap.Executor != nil {
		t.Error("executor should be cleared")
	}
}

func TestStoreList(t *testing.T) {
	store := NewStore()
	store.Create("s1", "a.yaml", "x", nil)
	store.Create("s2", "b.yaml", "y", nil)
	list := store.List()
	if len(list) != 2 || list["s2"].YamlFile != "b.yaml" {
		t.Errorf("unexpected list: %+v", list)
	}
}

type fakeExecutor struct {
	cancelled []string
}

func (f *fakeExecutor) RequestCancel(reason string) {
	f.cancelled = append(f.cancelled, reason)
}
