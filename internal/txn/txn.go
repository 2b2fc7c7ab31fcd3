// Package txn implements the Transaction Manager: an ordered log of
// resources a clone or sync operation has created, committed or rolled
// back in strict LIFO order, with a JSON audit record persisted on every
// state transition (spec.md §4.5).
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
)

// Undoer performs the side-effecting undo for one ResourceRecord kind.
// The Transaction calls back into the orchestrator/hypervisor/transfer
// layers through this interface rather than owning remote execution
// itself, mirroring the small capability interfaces the teacher defines
// in internal/vm/interfaces.go.
type Undoer interface {
	Undo(ctx context.Context, record model.ResourceRecord) error
}

// UndoFunc adapts a plain function to the Undoer interface.
type UndoFunc func(ctx context.Context, record model.ResourceRecord) error

func (f UndoFunc) Undo(ctx context.Context, record model.ResourceRecord) error { return f(ctx, record) }

// Transaction tracks the resources created by one clone or sync
// operation and writes a JSON audit log to stateDir on every
// transition.
type Transaction struct {
	mu       sync.Mutex
	log      model.TransactionLog
	stateDir string
	undoers  map[model.ResourceKind]Undoer
}

// Open begins a new Transaction for operationID, backed by the audit log
// at {stateDir}/transactions/{operationID}.json.
func Open(operationID, operationType, stagingDir, stateDir string, undoers map[model.ResourceKind]Undoer) (*Transaction, error) {
	t := &Transaction{
		log: model.TransactionLog{
			TransactionID: operationID,
			OperationType: operationType,
			Status:        model.TransactionActive,
			StagingDir:    stagingDir,
			Started:       time.Now().UTC(),
		},
		stateDir: stateDir,
		undoers:  undoers,
	}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transaction) logPath() string {
	return filepath.Join(t.stateDir, "transactions", t.log.TransactionID+".json")
}

// persist writes the current log state atomically: write to a temp file
// in the same directory, then rename over the destination.
func (t *Transaction) persist() error {
	dir := filepath.Dir(t.logPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			"failed to create transaction log directory", err)
	}
	data, err := json.MarshalIndent(t.log, "", "  ")
	if err != nil {
		return corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			"failed to marshal transaction log", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			"failed to create temp transaction log", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			"failed to write transaction log", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), t.logPath()); err != nil {
		os.Remove(tmp.Name())
		return corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			"failed to publish transaction log", err)
	}
	return nil
}

// Register appends a new ResourceRecord to the transaction's ordered log
// and persists the updated log. Insertion order determines rollback
// order (strict LIFO).
func (t *Transaction) Register(record model.ResourceRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.log.Status != model.TransactionActive {
		return fmt.Errorf("cannot register a resource on a %s transaction", t.log.Status)
	}
	t.log.Records = append(t.log.Records, record)
	return t.persist()
}

// UpdateFinalPath rewrites the FinalPath of the most recently registered
// record matching id. The orchestrator's commit does not call it; it
// uses PromoteToFinal once each staged disk has been moved.
func (t *Transaction) UpdateFinalPath(id, finalPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.log.Records) - 1; i >= 0; i-- {
		if t.log.Records[i].ID == id {
			t.log.Records[i].FinalPath = finalPath
			return t.persist()
		}
	}
	return fmt.Errorf("no resource record with id %q", id)
}

// PromoteToFinal converts the most recently registered temporary-disk-file
// record matching tempID into a final-disk-file record at finalPath, once
// commit has actually moved the file there. A later rollback then unlinks
// the file at its final path rather than its (no-longer-existing) staging
// path (spec.md §5).
func (t *Transaction) PromoteToFinal(tempID, finalPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.log.Records) - 1; i >= 0; i-- {
		if t.log.Records[i].ID == tempID && t.log.Records[i].Kind == model.ResourceTemporaryDiskFile {
			t.log.Records[i].Kind = model.ResourceFinalDiskFile
			t.log.Records[i].ID = finalPath
			t.log.Records[i].FinalPath = finalPath
			return t.persist()
		}
	}
	return fmt.Errorf("no temporary-disk-file resource record with id %q", tempID)
}

// Records returns a copy of the transaction's current resource log.
func (t *Transaction) Records() []model.ResourceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.ResourceRecord, len(t.log.Records))
	copy(out, t.log.Records)
	return out
}

// Commit marks the transaction committed. Callers must have already
// performed every resource's durable action (e.g. moving staged disks
// to their final paths) before calling Commit.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.log.Status = model.TransactionCommitted
	t.log.Ended = &now
	return t.persist()
}

// Rollback undoes every registered resource in strict LIFO order. It
// keeps going even if an individual undo fails, logging each failure to
// stderr and returning the first one, per spec.md §7's propagation policy.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	t.log.Status = model.TransactionRollingBack
	_ = t.persist()
	records := make([]model.ResourceRecord, len(t.log.Records))
	copy(records, t.log.Records)
	t.mu.Unlock()

	var firstErr error
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		undoer, ok := t.undoers[r.Kind]
		if !ok {
			continue
		}
		if err := undoer.Undo(ctx, r); err != nil {
			fmt.Fprintf(os.Stderr, "rollback: undo of %s %s failed: %v\n", r.Kind, r.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			// Rollback continues regardless; a failed undo is surfaced
			// to the caller but does not stop the remaining undos.
		}
	}

	t.mu.Lock()
	now := time.Now().UTC()
	t.log.Status = model.TransactionRolledBack
	t.log.Ended = &now
	err := t.persist()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return firstErr
}

// Status returns the transaction's current status.
func (t *Transaction) Status() model.TransactionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.Status
}

// ReadLog loads the persisted TransactionLog for operationID from
// {stateDir}/transactions/{operationID}.json. The `status` command uses
// this to report on operations from past CLI invocations, since
// OperationHandle history only lives in memory for the current process
// (spec.md §6 "Persisted state layout").
func ReadLog(stateDir, operationID string) (model.TransactionLog, error) {
	var log model.TransactionLog
	path := filepath.Join(stateDir, "transactions", operationID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return log, corerr.New(corerr.CodeOperationNotFound, corerr.CategoryOperation, "OperationNotFoundError",
			fmt.Sprintf("no transaction log found for operation %s", operationID))
	}
	if err := json.Unmarshal(data, &log); err != nil {
		return log, corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			fmt.Sprintf("failed to parse transaction log for operation %s", operationID), err)
	}
	return log, nil
}

// ListLogs returns every persisted TransactionLog under stateDir, in no
// particular order, for the `status` listing.
func ListLogs(stateDir string) ([]model.TransactionLog, error) {
	dir := filepath.Join(stateDir, "transactions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "TransactionLogError",
			"failed to list transaction logs", err)
	}
	var logs []model.TransactionLog
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		operationID := strings.TrimSuffix(e.Name(), ".json")
		log, err := ReadLog(stateDir, operationID)
		if err != nil {
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}
