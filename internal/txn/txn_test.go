package txn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/foundryops/cloneforge/internal/model"
)

func TestOpenPersistsInitialLog(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open("op-1", "clone", filepath.Join(dir, "staging"), dir, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if tx.Status() != model.TransactionActive {
		t.Errorf("Status = %v, want active", tx.Status())
	}

	data, err := os.ReadFile(filepath.Join(dir, "transactions", "op-1.json"))
	if err != nil {
		t.Fatalf("transaction log not written: %v", err)
	}
	var log model.TransactionLog
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatalf("failed to unmarshal transaction log: %v", err)
	}
	if log.TransactionID != "op-1" {
		t.Errorf("TransactionID = %q, want op-1", log.TransactionID)
	}
}

func TestRegisterAndCommit(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open("op-2", "clone", filepath.Join(dir, "staging"), dir, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if err := tx.Register(model.ResourceRecord{Kind: model.ResourceStagingDirectory, ID: "staging", Host: "host2"}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := tx.Register(model.ResourceRecord{Kind: model.ResourceTemporaryDiskFile, ID: "disk-1", Host: "host2"}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := tx.UpdateFinalPath("disk-1", "/var/lib/libvirt/images/web-02_boot.qcow2"); err != nil {
		t.Fatalf("UpdateFinalPath returned error: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if tx.Status() != model.TransactionCommitted {
		t.Errorf("Status = %v, want committed", tx.Status())
	}

	records := tx.Records()
	if len(records) != 2 {
		t.Fatalf("Records() = %d, want 2", len(records))
	}
	if records[1].FinalPath != "/var/lib/libvirt/images/web-02_boot.qcow2" {
		t.Errorf("FinalPath = %q", records[1].FinalPath)
	}
}

func TestRollbackOrderIsStrictLIFO(t *testing.T) {
	dir := t.TempDir()
	var undone []string
	undoer := UndoFunc(func(ctx context.Context, r model.ResourceRecord) error {
		undone = append(undone, r.ID)
		return nil
	})
	undoers := map[model.ResourceKind]Undoer{
		model.ResourceStagingDirectory:  undoer,
		model.ResourceTemporaryDiskFile: undoer,
		model.ResourceVMDefinition:      undoer,
	}

	tx, err := Open("op-3", "clone", filepath.Join(dir, "staging"), dir, undoers)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	_ = tx.Register(model.ResourceRecord{Kind: model.ResourceStagingDirectory, ID: "a"})
	_ = tx.Register(model.ResourceRecord{Kind: model.ResourceTemporaryDiskFile, ID: "b"})
	_ = tx.Register(model.ResourceRecord{Kind: model.ResourceVMDefinition, ID: "c"})

	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if tx.Status() != model.TransactionRolledBack {
		t.Errorf("Status = %v, want rolled-back", tx.Status())
	}
	want := []string{"c", "b", "a"}
	if len(undone) != len(want) {
		t.Fatalf("undone = %v, want %v", undone, want)
	}
	for i := range want {
		if undone[i] != want[i] {
			t.Errorf("undone[%d] = %q, want %q", i, undone[i], want[i])
		}
	}
}

func TestRollbackContinuesPastFailedUndo(t *testing.T) {
	dir := t.TempDir()
	var undone []string
	failing := UndoFunc(func(ctx context.Context, r model.ResourceRecord) error {
		undone = append(undone, r.ID)
		if r.ID == "b" {
			return assertionErr("simulated undo failure")
		}
		return nil
	})
	undoers := map[model.ResourceKind]Undoer{model.ResourceTemporaryDiskFile: failing}

	tx, err := Open("op-4", "clone", filepath.Join(dir, "staging"), dir, undoers)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	_ = tx.Register(model.ResourceRecord{Kind: model.ResourceTemporaryDiskFile, ID: "a"})
	_ = tx.Register(model.ResourceRecord{Kind: model.ResourceTemporaryDiskFile, ID: "b"})
	_ = tx.Register(model.ResourceRecord{Kind: model.ResourceTemporaryDiskFile, ID: "c"})

	err = tx.Rollback(context.Background())
	if err == nil {
		t.Fatal("expected Rollback to surface the undo failure")
	}
	if len(undone) != 3 {
		t.Fatalf("undone = %v, want all 3 resources attempted", undone)
	}
}

type assertionErr string

func (e assertionErr) Error() string { return string(e) }

func TestReadLogRoundTrips(t *testing.T) {
	dir := t.TempDir()
	tx, err := Open("op-5", "clone", filepath.Join(dir, "staging"), dir, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	log, err := ReadLog(dir, "op-5")
	if err != nil {
		t.Fatalf("ReadLog returned error: %v", err)
	}
	if log.TransactionID != "op-5" {
		t.Errorf("TransactionID = %q, want op-5", log.TransactionID)
	}
	if log.Status != model.TransactionCommitted {
		t.Errorf("Status = %v, want committed", log.Status)
	}
}

func TestReadLogMissingReturnsOperationNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadLog(dir, "does-not-exist")
	if err == nil {
		t.Fatal("expected an error for a missing operation id")
	}
}

func TestListLogsEmptyStateDir(t *testing.T) {
	dir := t.TempDir()
	logs, err := ListLogs(dir)
	if err != nil {
		t.Fatalf("ListLogs returned error: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("logs = %v, want none", logs)
	}
}

func TestListLogsReturnsAllPersisted(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"op-a", "op-b"} {
		if _, err := Open(id, "clone", filepath.Join(dir, "staging-"+id), dir, nil); err != nil {
			t.Fatalf("Open(%s) returned error: %v", id, err)
		}
	}

	logs, err := ListLogs(dir)
	if err != nil {
		t.Fatalf("ListLogs returned error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
}
