// Package orchestrator implements the Clone Orchestrator: end-to-end
// coordination of a clone or sync with atomic semantics and idempotent
// retry, composing the Remote Transport, Hypervisor Adapter, Transfer
// Engine, and Transaction Manager (spec.md §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/foundryops/cloneforge/internal/command"
	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/hypervisor"
	"github.com/foundryops/cloneforge/internal/lockfile"
	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/ophistory"
	"github.com/foundryops/cloneforge/internal/transfer"
	"github.com/foundryops/cloneforge/internal/transport"
	"github.com/foundryops/cloneforge/internal/txn"
)

// Hypervisor is the C3 surface the orchestrator drives. Narrowed to an
// interface so scenario tests can inject a fake, the same dependency-
// injection idiom the teacher applies to libvirtClient/storageManager
// in internal/vm/interfaces.go.
type Hypervisor interface {
	GetVM(ctx context.Context, conn *transport.Connection, name string) (model.VMDescriptor, error)
	VMExists(ctx context.Context, conn *transport.Connection, name string) (bool, error)
	HostCapacity(ctx context.Context, conn *transport.Connection) (model.HostCapacity, error)
	DefineVM(ctx context.Context, conn *transport.Connection, definitionDocument []byte) (model.VMDescriptor, error)
	CleanupVM(ctx context.Context, conn *transport.Connection, name string) error
}

// Transfers is the C4 surface the orchestrator drives.
type Transfers interface {
	Run(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

// Dialer opens C2 connections. Narrowed from the package-level
// transport.Open so tests can substitute an in-memory connection.
type Dialer interface {
	Open(ctx context.Context, host string, opts transport.OpenOptions) (*transport.Connection, error)
}

type liveDialer struct{}

func (liveDialer) Open(ctx context.Context, host string, opts transport.OpenOptions) (*transport.Connection, error) {
	return transport.Open(ctx, host, opts)
}

// Locker acquires the destination-name advisory lock (spec.md §5).
type Locker interface {
	Acquire(ctx context.Context, destHost, newName string) (Unlocker, error)
}

// Unlocker releases a held advisory lock.
type Unlocker interface {
	Release(ctx context.Context) error
}

// rawExecutor runs a bare shell command over a C2 connection. The
// orchestrator needs this directly (rather than only through C3/C4) for
// the staging-directory and commit-time file-move commands it issues
// itself, the same narrow capability-interface idiom C3/C4 use for their
// own Executor types.
type rawExecutor interface {
	Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error)
}

type liveRawExecutor struct{}

func (liveRawExecutor) Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error) {
	return transport.Execute(ctx, conn, cmd, timeout)
}

// Orchestrator wires together C2-C5 implementations and executes clone
// and sync operations.
type Orchestrator struct {
	Dialer        Dialer
	Hypervisor    Hypervisor
	Transfers     Transfers
	Locker        Locker
	Exec          rawExecutor
	History       *ophistory.Store
	StateDir      string
	ImageBaseDirs []string

	// OpenOptions carries the SSH identity/port/host-key-policy resolved
	// from flags/environment/config (spec.md §6 precedence chain) onto
	// every connection the orchestrator opens for this process.
	OpenOptions transport.OpenOptions
}

// New returns an Orchestrator backed by the live C2/C3/C4 components.
func New(hv Hypervisor, tr Transfers, locker Locker, stateDir string, imageBaseDirs []string) *Orchestrator {
	return &Orchestrator{
		Dialer:        liveDialer{},
		Hypervisor:    hv,
		Transfers:     tr,
		Locker:        locker,
		Exec:          liveRawExecutor{},
		History:       ophistory.New(),
		StateDir:      stateDir,
		ImageBaseDirs: imageBaseDirs,
	}
}

// RemoteLocker implements Locker by dialing a dedicated connection to
// destHost and acquiring the remote advisory lock file described in
// spec.md §5/§6, releasing both the lock and the connection together.
type RemoteLocker struct {
	Dialer      Dialer
	StateDir    string
	OpenOptions transport.OpenOptions
}

func (r RemoteLocker) Acquire(ctx context.Context, destHost, newName string) (Unlocker, error) {
	conn, err := r.Dialer.Open(ctx, destHost, r.OpenOptions)
	if err != nil {
		return nil, err
	}
	lock, err := lockfile.Acquire(ctx, lockfile.LiveExecutor, conn, r.StateDir, destHost, newName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &remoteLockHandle{lock: lock, conn: conn}, nil
}

type remoteLockHandle struct {
	lock *lockfile.Lock
	conn *transport.Connection
}

func (h *remoteLockHandle) Release(ctx context.Context) error {
	err := h.lock.Release(ctx)
	if cerr := h.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Request is the fully resolved input to Clone/Sync.
type Request struct {
	OperationID string
	SourceHost  string
	DestHost    string
	VMName      string
	Options     model.CloneOptions
}

// PlanStep describes one disk's dry-run plan entry.
type PlanStep struct {
	DiskPath        string
	SizeBytes       int64
	TransferMethod  model.TransferMethod
	EstimatedSeconds float64
}

// Plan is the dry-run output (spec.md §4.6 "Dry-run").
type Plan struct {
	WouldCleanup bool
	Steps        []PlanStep
}

func destDiskName(newName, sourcePath string) string {
	base := path.Base(sourcePath)
	return fmt.Sprintf("%s_%s", newName, base)
}

func stagingDir(imageBaseDirs []string, operationID string) string {
	base := "/var/lib/libvirt/images"
	if len(imageBaseDirs) > 0 {
		base = imageBaseDirs[0]
	}
	return strings.TrimRight(base, "/") + "/.cloneforge-staging-" + operationID
}

// preflight implements spec.md §4.6's numbered preflight sequence,
// returning the opened connections, the source VM descriptor, and
// whether an idempotent/force cleanup is required before transfer.
type preflightResult struct {
	srcConn      *transport.Connection
	destConn     *transport.Connection
	sourceVM     model.VMDescriptor
	needsCleanup bool
	warnings     []string
}

// preflight opens the source/destination connections and validates the
// request against hypervisor state. On any error return, both
// connections (whichever were successfully opened) are already closed;
// callers must not also defer-close result.srcConn/destConn in that
// case: the returned preflightResult then has nil connections and only
// its warnings (and possibly sourceVM) set.
func (o *Orchestrator) preflight(ctx context.Context, req Request) (preflightResult, error) {
	var result preflightResult

	srcConn, err := o.Dialer.Open(ctx, req.SourceHost, o.OpenOptions)
	if err != nil {
		return result, err
	}
	destConn, err := o.Dialer.Open(ctx, req.DestHost, o.OpenOptions)
	if err != nil {
		srcConn.Close()
		return result, err
	}

	closeConns := func() {
		srcConn.Close()
		destConn.Close()
	}

	sourceVM, err := o.Hypervisor.GetVM(ctx, srcConn, req.VMName)
	if err != nil {
		closeConns()
		return result, err
	}
	if sourceVM.State == model.RunStateCrashed {
		closeConns()
		return result, corerr.ValidationError(fmt.Sprintf("source VM %q is in state crashed and cannot be cloned", req.VMName))
	}
	result.sourceVM = sourceVM

	capacity, err := o.Hypervisor.HostCapacity(ctx, destConn)
	if err != nil {
		closeConns()
		return result, err
	}
	required := int64(math.Ceil(float64(sourceVM.TotalDiskBytes()) * 1.15))
	if capacity.AvailableBytes >= 0 && capacity.AvailableBytes < required {
		closeConns()
		return result, corerr.InsufficientResources(required, capacity.AvailableBytes)
	}
	if capacity.AvailMemoryMiB >= 0 && capacity.AvailMemoryMiB < sourceVM.MemoryMiB {
		result.warnings = append(result.warnings, fmt.Sprintf(
			"destination available memory (%d MiB) is below source requirement (%d MiB)", capacity.AvailMemoryMiB, sourceVM.MemoryMiB))
	}
	if capacity.AvailVCPUs >= 0 && capacity.AvailVCPUs < sourceVM.VCPUs {
		result.warnings = append(result.warnings, fmt.Sprintf(
			"destination available vCPUs (%d) is below source requirement (%d)", capacity.AvailVCPUs, sourceVM.VCPUs))
	}

	exists, err := o.Hypervisor.VMExists(ctx, destConn, req.Options.NewName)
	if err != nil {
		closeConns()
		return result, err
	}
	if exists {
		if !req.Options.Force && !req.Options.Idempotent {
			closeConns()
			return result, corerr.VMExists(req.Options.NewName, req.DestHost)
		}
		result.needsCleanup = true
	}
	result.srcConn = srcConn
	result.destConn = destConn
	return result, nil
}

// Plan computes the dry-run plan for req without touching destination
// state (spec.md §4.6 "Dry-run").
func (o *Orchestrator) Plan(ctx context.Context, req Request) (Plan, error) {
	pf, err := o.preflight(ctx, req)
	if err != nil {
		return Plan{}, err
	}
	defer pf.srcConn.Close()
	defer pf.destConn.Close()

	plan := Plan{WouldCleanup: pf.needsCleanup}
	for _, d := range pf.sourceVM.Disks {
		plan.Steps = append(plan.Steps, PlanStep{
			DiskPath:       d.Path,
			SizeBytes:      d.Size,
			TransferMethod: req.Options.TransferMethod,
			EstimatedSeconds: estimateSeconds(d.Size, req.Options.BandwidthLimit),
		})
	}
	return plan, nil
}

func estimateSeconds(sizeBytes int64, bandwidth string) float64 {
	bps, err := model.ParseBandwidthLimit(bandwidth)
	if err != nil || bps == 0 {
		const assumedBytesPerSec = 100 * 1024 * 1024 // 100MB/s assumed LAN throughput when unlimited.
		return float64(sizeBytes) / assumedBytesPerSec
	}
	return float64(sizeBytes) / float64(bps)
}

// progressAggregator combines per-disk byte counts into the
// OperationHandle-visible totals using the EMA speed/ETA formulas from
// spec.md §4.6.
type progressAggregator struct {
	mu          sync.Mutex
	total       int64
	transferred map[int]int64
	lastSum     int64
	lastSpeed   float64
	lastTick    time.Time
}

func newProgressAggregator(total int64) *progressAggregator {
	return &progressAggregator{
		total:       total,
		transferred: make(map[int]int64),
		lastTick:    time.Now(),
	}
}

// progressEMAAlpha weights the instantaneous speed sample against the
// running average (spec.md §4.6: "exponentially-smoothed moving
// average").
const progressEMAAlpha = 0.3

// update records diskIndex's new cumulative byte count and recomputes
// the aggregate progress. Summing per-disk cumulative totals rather than
// per-tick deltas keeps aggregation commutative across interleaved
// disks, as spec.md §5 requires.
func (pa *progressAggregator) update(diskIndex int, bytesTransferred int64) model.Progress {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	pa.transferred[diskIndex] = bytesTransferred
	var sum int64
	for _, v := range pa.transferred {
		sum += v
	}

	now := time.Now()
	if elapsed := now.Sub(pa.lastTick).Seconds(); elapsed > 0 {
		instSpeed := float64(sum-pa.lastSum) / elapsed
		if pa.lastSpeed == 0 {
			pa.lastSpeed = instSpeed
		} else {
			pa.lastSpeed = progressEMAAlpha*instSpeed + (1-progressEMAAlpha)*pa.lastSpeed
		}
		pa.lastSum = sum
		pa.lastTick = now
	}

	var eta float64
	if pa.lastSpeed > 0 {
		eta = float64(pa.total-sum) / pa.lastSpeed
	}
	return model.Progress{
		BytesTransferred: sum,
		TotalBytes:       pa.total,
		SpeedBytesPerSec: pa.lastSpeed,
		ETASeconds:       eta,
	}
}

// Clone executes the full clone workflow for req.
func (o *Orchestrator) Clone(ctx context.Context, req Request) (model.CloneResult, error) {
	return o.run(ctx, req, false)
}

// Sync executes the clone envelope in sync mode: blocksync as the
// default transfer method and no DefineVM step (spec.md §9).
func (o *Orchestrator) Sync(ctx context.Context, req Request) (model.CloneResult, error) {
	if req.Options.TransferMethod == "" {
		req.Options.TransferMethod = model.TransferMethodBlocksync
	}
	return o.run(ctx, req, true)
}

func (o *Orchestrator) run(ctx context.Context, req Request, isSync bool) (model.CloneResult, error) {
	started := time.Now().UTC()
	handle := o.History.Create(req.OperationID, operationTypeOf(isSync))

	deadline := time.Duration(req.Options.TimeoutSeconds) * time.Second
	if deadline <= 0 {
		deadline = time.Hour
	}
	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result, err := o.runLocked(opCtx, req, isSync, handle)
	result.OperationID = req.OperationID
	result.VMName = req.VMName
	result.NewVMName = req.Options.NewName
	result.SourceHost = req.SourceHost
	result.DestHost = req.DestHost
	result.Timestamp = time.Now().UTC()
	result.DurationSeconds = time.Since(started).Seconds()

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		terminal := model.OperationFailed
		if ce, ok := asCoreErr(err); ok {
			result.ErrorCode = int(ce.Code)
			// Cancellation and timeout-by-cancellation are distinct
			// terminal states from failure (spec.md §4.6, §5; invariant
			// 6 in §8 lists `cancelled` separately from `failed`).
			if ce.Code == corerr.CodeOperationCancelled || ce.Code == corerr.CodeOperationTimeout {
				terminal = model.OperationCancelled
			}
		}
		_ = o.History.Transition(req.OperationID, terminal)
		_ = o.History.SetResult(req.OperationID, &result, err)
		return result, err
	}

	result.Success = true
	_ = o.History.Transition(req.OperationID, model.OperationCompleted)
	_ = o.History.SetResult(req.OperationID, &result, nil)
	return result, nil
}

func operationTypeOf(isSync bool) string {
	if isSync {
		return "sync"
	}
	return "clone"
}

func asCoreErr(err error) (*corerr.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ce, ok := err.(*corerr.Error); ok {
			return ce, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func (o *Orchestrator) runLocked(ctx context.Context, req Request, isSync bool, handle *model.OperationHandle) (model.CloneResult, error) {
	lock, err := o.Locker.Acquire(ctx, req.DestHost, req.Options.NewName)
	if err != nil {
		return model.CloneResult{}, err
	}
	defer lock.Release(ctx)

	_ = o.History.Transition(req.OperationID, model.OperationRunning)

	pf, err := o.preflight(ctx, req)
	if err != nil {
		return model.CloneResult{Warnings: pf.warnings}, err
	}
	defer pf.srcConn.Close()
	defer pf.destConn.Close()

	if req.Options.DryRun {
		return model.CloneResult{Warnings: pf.warnings}, nil
	}

	if pf.needsCleanup {
		if err := o.Hypervisor.CleanupVM(ctx, pf.destConn, req.Options.NewName); err != nil {
			return model.CloneResult{Warnings: pf.warnings}, err
		}
	}

	result, err := o.executeAndCommit(ctx, req, pf, isSync)
	result.Warnings = append(result.Warnings, pf.warnings...)
	return result, err
}

func (o *Orchestrator) baseDir() string {
	if len(o.ImageBaseDirs) > 0 {
		return strings.TrimRight(o.ImageBaseDirs[0], "/")
	}
	return "/var/lib/libvirt/images"
}

// diskPlan pairs a source DiskRef with the staging and final paths the
// orchestrator assigns to its transfer.
type diskPlan struct {
	index     int
	source    model.DiskRef
	stagePath string
	finalPath string
}

func (o *Orchestrator) planDisks(sourceVM model.VMDescriptor, newName string) []diskPlan {
	plans := make([]diskPlan, len(sourceVM.Disks))
	for i, d := range sourceVM.Disks {
		plans[i] = diskPlan{
			index:     i,
			source:    d,
			finalPath: o.baseDir() + "/" + destDiskName(newName, d.Path),
		}
	}
	return plans
}

// executeAndCommit drives the transactional core of a clone/sync:
// staging-directory creation, bounded-parallel disk transfer, optional
// definition rewrite/define, and commit — rolling back the Transaction
// on any error (spec.md §4.5, §4.6).
func (o *Orchestrator) executeAndCommit(ctx context.Context, req Request, pf preflightResult, isSync bool) (model.CloneResult, error) {
	staging := stagingDir(o.ImageBaseDirs, req.OperationID)
	exec := o.Exec
	if exec == nil {
		exec = liveRawExecutor{}
	}

	undoers := map[model.ResourceKind]txn.Undoer{
		model.ResourceStagingDirectory: txn.UndoFunc(func(ctx context.Context, r model.ResourceRecord) error {
			cmd, err := command.RmDirectory(r.ID, o.ImageBaseDirs)
			if err != nil {
				return err
			}
			_, err = exec.Execute(ctx, pf.destConn, cmd, 30*time.Second)
			return err
		}),
		model.ResourceTemporaryDiskFile: txn.UndoFunc(func(ctx context.Context, r model.ResourceRecord) error {
			cmd, err := command.RmFile(r.ID, o.ImageBaseDirs)
			if err != nil {
				return err
			}
			_, err = exec.Execute(ctx, pf.destConn, cmd, 30*time.Second)
			return err
		}),
		model.ResourceFinalDiskFile: txn.UndoFunc(func(ctx context.Context, r model.ResourceRecord) error {
			cmd, err := command.RmFile(r.ID, o.ImageBaseDirs)
			if err != nil {
				return err
			}
			_, err = exec.Execute(ctx, pf.destConn, cmd, 30*time.Second)
			return err
		}),
		model.ResourceVMDefinition: txn.UndoFunc(func(ctx context.Context, r model.ResourceRecord) error {
			return o.Hypervisor.CleanupVM(ctx, pf.destConn, r.ID)
		}),
	}

	tx, err := txn.Open(req.OperationID, operationTypeOf(isSync), staging, o.StateDir, undoers)
	if err != nil {
		return model.CloneResult{}, err
	}

	result, runErr := o.stageTransferDefineCommit(ctx, req, pf, tx, staging, isSync, exec)
	if runErr != nil {
		_ = tx.Rollback(ctx) // best-effort; never suppresses runErr (spec.md §7)
		return result, runErr
	}
	return result, nil
}

func (o *Orchestrator) stageTransferDefineCommit(
	ctx context.Context,
	req Request,
	pf preflightResult,
	tx *txn.Transaction,
	staging string,
	isSync bool,
	exec rawExecutor,
) (model.CloneResult, error) {
	mkdirCmd, err := command.Mkdir(staging, o.ImageBaseDirs)
	if err != nil {
		return model.CloneResult{}, err
	}
	if res, err := exec.Execute(ctx, pf.destConn, mkdirCmd, 30*time.Second); err != nil {
		return model.CloneResult{}, err
	} else if res.ExitCode != 0 {
		return model.CloneResult{}, corerr.HypervisorError(fmt.Sprintf("failed to create staging directory: %s", res.Stderr), nil)
	}
	if err := tx.Register(model.ResourceRecord{
		Kind: model.ResourceStagingDirectory,
		ID:   staging,
		Host: req.DestHost,
	}); err != nil {
		return model.CloneResult{}, err
	}

	plans := o.planDisks(pf.sourceVM, req.Options.NewName)
	for i := range plans {
		plans[i].stagePath = strings.TrimRight(staging, "/") + "/" + path.Base(plans[i].source.Path)
	}

	agg := newProgressAggregator(pf.sourceVM.TotalDiskBytes())

	sem := semaphore.NewWeighted(int64(req.Options.Parallel))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var totalBytes int64

	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			xferReq := transfer.Request{
				Method:         req.Options.TransferMethod,
				SourceConn:     pf.srcConn,
				SourcePath:     plan.source.Path,
				DestConn:       pf.destConn,
				DestHost:       req.DestHost,
				DestPath:       plan.stagePath,
				BandwidthLimit: req.Options.BandwidthLimit,
				Verify:         req.Options.Verify,
				PathBases:      o.ImageBaseDirs,
				OnProgress: func(bytesTransferred int64) {
					p := agg.update(plan.index, bytesTransferred)
					_ = o.History.UpdateProgress(req.OperationID, p)
				},
			}
			res, err := o.Transfers.Run(gctx, xferReq)
			if err != nil {
				return err
			}

			record := model.ResourceRecord{
				Kind:      model.ResourceTemporaryDiskFile,
				ID:        plan.stagePath,
				Host:      req.DestHost,
				FinalPath: plan.finalPath,
			}
			if res.Checksum != "" {
				record.Metadata = map[string]string{"checksum_sha256": res.Checksum}
			}
			if err := tx.Register(record); err != nil {
				return err
			}

			mu.Lock()
			totalBytes += res.BytesTransferred
			mu.Unlock()
			// req.OnProgress already reported this disk's final byte
			// count to agg via the transfer engine's post-run callback;
			// updating agg again here would double-count it.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return model.CloneResult{BytesTransferred: totalBytes}, err
	}

	if !isSync {
		diskPaths := make(map[string]string, len(plans))
		for _, plan := range plans {
			diskPaths[plan.source.Path] = plan.finalPath
		}
		rewritten, err := hypervisor.RewriteDefinition(pf.sourceVM.Definition, req.Options.NewName, diskPaths, req.Options.PreserveMAC)
		if err != nil {
			return model.CloneResult{BytesTransferred: totalBytes}, err
		}
		newVM, err := o.Hypervisor.DefineVM(ctx, pf.destConn, rewritten)
		if err != nil {
			return model.CloneResult{BytesTransferred: totalBytes}, err
		}
		if err := tx.Register(model.ResourceRecord{
			Kind: model.ResourceVMDefinition,
			ID:   newVM.Name,
			Host: req.DestHost,
		}); err != nil {
			return model.CloneResult{BytesTransferred: totalBytes}, err
		}
	}

	// Commit: move every staged disk to its final path sequentially.
	// Failure of any move aborts commit; files already moved are
	// promoted to final-disk-file records so rollback unlinks them at
	// their final path, not the (now-empty) staging path (spec.md §5).
	for _, plan := range plans {
		moveCmd, err := command.MoveFile(plan.stagePath, plan.finalPath, o.ImageBaseDirs)
		if err != nil {
			return model.CloneResult{BytesTransferred: totalBytes}, err
		}
		res, err := exec.Execute(ctx, pf.destConn, moveCmd, 60*time.Second)
		if err != nil {
			return model.CloneResult{BytesTransferred: totalBytes}, err
		}
		if res.ExitCode != 0 {
			return model.CloneResult{BytesTransferred: totalBytes},
				corerr.HypervisorError(fmt.Sprintf("failed to move %s to %s: %s", plan.stagePath, plan.finalPath, res.Stderr), nil)
		}
		if err := tx.PromoteToFinal(plan.stagePath, plan.finalPath); err != nil {
			return model.CloneResult{BytesTransferred: totalBytes}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return model.CloneResult{BytesTransferred: totalBytes}, err
	}

	rmdirCmd, err := command.RmDirectory(staging, o.ImageBaseDirs)
	if err == nil {
		_, _ = exec.Execute(ctx, pf.destConn, rmdirCmd, 30*time.Second)
	}

	return model.CloneResult{BytesTransferred: totalBytes}, nil
}
