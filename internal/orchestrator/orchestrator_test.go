package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/ophistory"
	"github.com/foundryops/cloneforge/internal/transfer"
	"github.com/foundryops/cloneforge/internal/transport"
)

// fakeHypervisor is an in-memory C3 double keyed by host, name.
type fakeHypervisor struct {
	mu    sync.Mutex
	vms   map[string]map[string]model.VMDescriptor
	cap   map[string]model.HostCapacity
	define func(conn *transport.Connection, doc []byte) (model.VMDescriptor, error)
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		vms: make(map[string]map[string]model.VMDescriptor),
		cap: make(map[string]model.HostCapacity),
	}
}

func (f *fakeHypervisor) put(host string, vm model.VMDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vms[host] == nil {
		f.vms[host] = make(map[string]model.VMDescriptor)
	}
	f.vms[host][vm.Name] = vm
}

func (f *fakeHypervisor) GetVM(ctx context.Context, conn *transport.Connection, name string) (model.VMDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[conn.Host][name]
	if !ok {
		return model.VMDescriptor{}, fmt.Errorf("vm %s not found on %s", name, conn.Host)
	}
	return vm, nil
}

func (f *fakeHypervisor) VMExists(ctx context.Context, conn *transport.Connection, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[conn.Host][name]
	return ok, nil
}

func (f *fakeHypervisor) HostCapacity(ctx context.Context, conn *transport.Connection) (model.HostCapacity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cap[conn.Host], nil
}

func (f *fakeHypervisor) DefineVM(ctx context.Context, conn *transport.Connection, doc []byte) (model.VMDescriptor, error) {
	if f.define != nil {
		return f.define(conn, doc)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	vm := model.VMDescriptor{Name: "v1_clone", Host: conn.Host, State: model.RunStateStopped, MemoryMiB: 1024, VCPUs: 1}
	if f.vms[conn.Host] == nil {
		f.vms[conn.Host] = make(map[string]model.VMDescriptor)
	}
	f.vms[conn.Host][vm.Name] = vm
	return vm, nil
}

func (f *fakeHypervisor) CleanupVM(ctx context.Context, conn *transport.Connection, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms[conn.Host], name)
	return nil
}

// fakeTransfers succeeds instantly, reporting 4 GiB transferred per disk,
// unless fail, failAfter or cancel makes it fail.
type fakeTransfers struct {
	fail      bool
	failAfter int
	cancel    bool
	count     int
	mu        sync.Mutex
}

func (f *fakeTransfers) Run(ctx context.Context, req transfer.Request) (transfer.Result, error) {
	f.mu.Lock()
	f.count++
	n := f.count
	f.mu.Unlock()

	if f.cancel {
		return transfer.Result{}, corerr.OperationCancelled("transfer")
	}
	if f.fail || (f.failAfter > 0 && n > f.failAfter) {
		return transfer.Result{}, fmt.Errorf("simulated transfer failure")
	}
	if req.OnProgress != nil {
		req.OnProgress(4 << 30)
	}
	result := transfer.Result{BytesTransferred: 4 << 30, Duration: time.Millisecond}
	if req.Verify {
		result.Checksum = "deadbeef"
	}
	return result, nil
}

// fakeDialer returns a bare Connection without establishing any real
// network session. It records the OpenOptions it was last called with
// so tests can assert the orchestrator threads them through.
type fakeDialer struct {
	mu       sync.Mutex
	lastOpts transport.OpenOptions
}

func (f *fakeDialer) Open(ctx context.Context, host string, opts transport.OpenOptions) (*transport.Connection, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	return &transport.Connection{Host: host}, nil
}

// noopLocker grants the advisory lock unconditionally.
type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, destHost, newName string) (Unlocker, error) {
	return noopUnlocker{}, nil
}

type noopUnlocker struct{}

func (noopUnlocker) Release(ctx context.Context) error { return nil }

func baseRequest(opID string) Request {
	return Request{
		OperationID: opID,
		SourceHost:  "src1",
		DestHost:    "dst1",
		VMName:      "v1",
		Options: model.CloneOptions{
			NewName:        "v1_clone",
			Parallel:       2,
			TimeoutSeconds: 60,
			TransferMethod: model.TransferMethodRsync,
		},
	}
}

func sourceVM() model.VMDescriptor {
	return model.VMDescriptor{
		Name:       "v1",
		ID:         "11111111-1111-1111-1111-111111111111",
		State:      model.RunStateStopped,
		MemoryMiB:  1024,
		VCPUs:      2,
		Definition: []byte(`<domain type='kvm'><name>v1</name><uuid>11111111-1111-1111-1111-111111111111</uuid><memory unit='KiB'>1048576</memory><vcpu>2</vcpu><devices><disk type='file' device='disk'><source file='/var/lib/libvirt/images/v1_boot.qcow2'/><target dev='vda' bus='virtio'/></disk></devices></domain>`),
		Disks: []model.DiskRef{
			{Path: "/var/lib/libvirt/images/v1_boot.qcow2", Size: 10 << 30, Format: model.DiskFormatQCOW2, Target: "vda"},
		},
		Host: "src1",
	}
}

func newTestOrchestrator(t *testing.T, hv *fakeHypervisor, tr Transfers) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		Dialer:        &fakeDialer{},
		Hypervisor:    hv,
		Transfers:     tr,
		Locker:        noopLocker{},
		Exec:          &noopRawExecutor{},
		History:       ophistory.New(),
		StateDir:      t.TempDir(),
		ImageBaseDirs: []string{"/var/lib/libvirt/images"},
	}
}

// noopRawExecutor answers every raw shell command (mkdir/mv/rmdir) with
// success, since the orchestrator test fakes never touch a real host.
type noopRawExecutor struct{}

func (*noopRawExecutor) Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error) {
	return transport.ExecResult{ExitCode: 0}, nil
}

// TestHappyClone mirrors scenario S1: a stopped source VM with one 10GiB
// disk, ample destination capacity, verify=true.
func TestHappyClone(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	o := newTestOrchestrator(t, hv, &fakeTransfers{})
	req := baseRequest("op-s1")
	req.Options.Verify = true

	result, err := o.Clone(context.Background(), req)
	if err != nil {
		t.Fatalf("Clone returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.BytesTransferred != 4<<30 {
		t.Errorf("BytesTransferred = %d, want %d", result.BytesTransferred, 4<<30)
	}
}

// TestOpenOptionsThreadedToDialer guards against the orchestrator
// silently dialing with a zero-value transport.OpenOptions (it used to,
// before Orchestrator gained the field): every connection it opens must
// carry whatever OpenOptions the caller configured.
func TestOpenOptionsThreadedToDialer(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	dialer := &fakeDialer{}
	o := newTestOrchestrator(t, hv, &fakeTransfers{})
	o.Dialer = dialer
	o.OpenOptions = transport.OpenOptions{IdentityFile: "/home/op/.ssh/id_ed25519", Port: 2222}

	req := baseRequest("op-open-opts")
	if _, err := o.Clone(context.Background(), req); err != nil {
		t.Fatalf("Clone returned error: %v", err)
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if dialer.lastOpts.IdentityFile != "/home/op/.ssh/id_ed25519" || dialer.lastOpts.Port != 2222 {
		t.Errorf("lastOpts = %+v, want IdentityFile/Port carried from Orchestrator.OpenOptions", dialer.lastOpts)
	}
}

// TestSpaceExhaustionPreflight mirrors scenario S2: required space (with
// the 15% margin) exceeds available space, so the clone must fail before
// any transfer runs.
func TestSpaceExhaustionPreflight(t *testing.T) {
	hv := newFakeHypervisor()
	vm := sourceVM()
	vm.Disks = []model.DiskRef{{Path: "/var/lib/libvirt/images/v1_boot.qcow2", Size: 50 << 30, Format: model.DiskFormatQCOW2, Target: "vda"}}
	hv.put("src1", vm)
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 55 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	tr := &fakeTransfers{}
	o := newTestOrchestrator(t, hv, tr)

	_, err := o.Clone(context.Background(), baseRequest("op-s2"))
	if err == nil {
		t.Fatal("expected InsufficientResources error, got nil")
	}
	if tr.count != 0 {
		t.Errorf("expected no transfers to run, got %d", tr.count)
	}
}

// TestNameCollisionWithoutIdempotent mirrors scenario S4.
func TestNameCollisionWithoutIdempotent(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.put("dst1", model.VMDescriptor{Name: "v1_clone", Host: "dst1", State: model.RunStateStopped, MemoryMiB: 1024, VCPUs: 1})
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	o := newTestOrchestrator(t, hv, &fakeTransfers{})
	_, err := o.Clone(context.Background(), baseRequest("op-s4"))
	if err == nil {
		t.Fatal("expected VMExists error, got nil")
	}
}

// TestIdempotentRetryAfterFailure mirrors scenario S3: a transfer fails
// mid-clone, rollback leaves no destination VM, and a second idempotent
// attempt succeeds and converges to the same end state.
func TestIdempotentRetryAfterFailure(t *testing.T) {
	hv := newFakeHypervisor()
	vm := sourceVM()
	vm.Disks = append(vm.Disks, model.DiskRef{Path: "/var/lib/libvirt/images/v1_data.qcow2", Size: 2 << 30, Format: model.DiskFormatQCOW2, Target: "vdb"})
	hv.put("src1", vm)
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	failing := &fakeTransfers{failAfter: 1}
	o := newTestOrchestrator(t, hv, failing)

	req := baseRequest("op-s3a")
	if _, err := o.Clone(context.Background(), req); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if exists, _ := hv.VMExists(context.Background(), &transport.Connection{Host: "dst1"}, "v1_clone"); exists {
		t.Fatal("rollback should leave no destination VM after the failed attempt")
	}

	succeeding := &fakeTransfers{}
	o2 := newTestOrchestrator(t, hv, succeeding)
	req2 := baseRequest("op-s3b")
	req2.Options.Idempotent = true
	result, err := o2.Clone(context.Background(), req2)
	if err != nil {
		t.Fatalf("retry with idempotent=true should succeed, got: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success on retry, got %+v", result)
	}
}

// TestDryRunTouchesNothing mirrors the dry-run contract in spec.md §4.6.
func TestDryRunTouchesNothing(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	tr := &fakeTransfers{}
	o := newTestOrchestrator(t, hv, tr)
	req := baseRequest("op-dry")
	req.Options.DryRun = true

	result, err := o.Clone(context.Background(), req)
	if err != nil {
		t.Fatalf("dry run returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected dry run to report success, got %+v", result)
	}
	if tr.count != 0 {
		t.Errorf("dry run must not transfer any bytes, got %d transfers", tr.count)
	}
	if exists, _ := hv.VMExists(context.Background(), &transport.Connection{Host: "dst1"}, "v1_clone"); exists {
		t.Fatal("dry run must not define a VM on the destination")
	}
}

// TestPlanReportsPerDiskSteps exercises Plan's would-cleanup/per-disk
// reporting independent of Clone.
func TestPlanReportsPerDiskSteps(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	o := newTestOrchestrator(t, hv, &fakeTransfers{})
	plan, err := o.Plan(context.Background(), baseRequest("op-plan"))
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if plan.WouldCleanup {
		t.Error("expected WouldCleanup = false when no colliding VM exists")
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("expected 1 plan step, got %d", len(plan.Steps))
	}
	if plan.Steps[0].SizeBytes != 10<<30 {
		t.Errorf("Steps[0].SizeBytes = %d, want %d", plan.Steps[0].SizeBytes, 10<<30)
	}
}

// TestSyncSkipsDefine mirrors spec.md §9's resolved open question: sync
// reuses the clone envelope but never calls DefineVM.
func TestSyncSkipsDefine(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}
	defineCalled := false
	hv.define = func(conn *transport.Connection, doc []byte) (model.VMDescriptor, error) {
		defineCalled = true
		return model.VMDescriptor{}, nil
	}

	o := newTestOrchestrator(t, hv, &fakeTransfers{})
	req := baseRequest("op-sync")
	result, err := o.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected sync success, got %+v", result)
	}
	if defineCalled {
		t.Error("sync must not call DefineVM")
	}
}

// TestCancellationReachesCancelledNotFailed mirrors scenario S5: a
// cancelled transfer must leave the OperationHandle in `cancelled`, a
// terminal state distinct from `failed` (spec.md §8 invariant 6).
func TestCancellationReachesCancelledNotFailed(t *testing.T) {
	hv := newFakeHypervisor()
	hv.put("src1", sourceVM())
	hv.cap["dst1"] = model.HostCapacity{AvailableBytes: 50 << 30, AvailMemoryMiB: -1, AvailVCPUs: -1}

	o := newTestOrchestrator(t, hv, &fakeTransfers{cancel: true})
	req := baseRequest("op-cancel")
	_, err := o.Clone(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error from a cancelled transfer")
	}

	status, histErr := o.History.Get("op-cancel")
	if histErr != nil {
		t.Fatalf("expected an operation history entry for op-cancel: %v", histErr)
	}
	if status.Status != model.OperationCancelled {
		t.Errorf("Status = %q, want %q", status.Status, model.OperationCancelled)
	}
}
