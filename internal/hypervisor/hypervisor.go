// Package hypervisor implements the Hypervisor Adapter: VM and host
// resource facts, lifecycle operations, and definition rewriting,
// reached exclusively through virsh/qemu-img command lines executed
// over a Remote Transport connection. Unlike a local libvirt RPC
// binding, every call here round-trips through C2.
package hypervisor

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/foundryops/cloneforge/internal/command"
	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/transport"
)

// Executor is the subset of the Remote Transport the Adapter needs,
// narrowed to a small capability interface so tests can substitute a
// scripted fake (the dependency-injection idiom the teacher applies
// to libvirtClient/storageManager in internal/vm/interfaces.go).
type Executor interface {
	Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error)
}

type liveExecutor struct{}

func (liveExecutor) Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error) {
	return transport.Execute(ctx, conn, cmd, timeout)
}

// LiveExecutor is the Executor backed by the real Remote Transport.
var LiveExecutor Executor = liveExecutor{}

// Adapter is the Hypervisor Adapter bound to one executor implementation.
type Adapter struct {
	Exec Executor
}

// New returns an Adapter backed by the live Remote Transport.
func New() *Adapter {
	return &Adapter{Exec: LiveExecutor}
}

func run(ctx context.Context, a *Adapter, conn *transport.Connection, cmd string) (transport.ExecResult, error) {
	res, err := a.Exec.Execute(ctx, conn, cmd, 60*time.Second)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, corerr.HypervisorError(fmt.Sprintf("command failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr)), nil)
	}
	return res, nil
}

// ListVMs returns every VM visible on conn, optionally filtered by
// run-state.
func (a *Adapter) ListVMs(ctx context.Context, conn *transport.Connection, stateFilter model.RunState) ([]model.VMDescriptor, error) {
	cmd, err := command.Virsh("list", "--all", "--name")
	if err != nil {
		return nil, err
	}
	res, err := run(ctx, a, conn, cmd)
	if err != nil {
		return nil, err
	}

	var out []model.VMDescriptor
	for _, name := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		vm, err := a.GetVM(ctx, conn, name)
		if err != nil {
			continue
		}
		if stateFilter != "" && vm.State != stateFilter {
			continue
		}
		out = append(out, vm)
	}
	return out, nil
}

// GetVM fetches the full descriptor for name, failing VMNotFound if it
// is not defined on conn.
func (a *Adapter) GetVM(ctx context.Context, conn *transport.Connection, name string) (model.VMDescriptor, error) {
	if err := command.ValidateVMName(name); err != nil {
		return model.VMDescriptor{}, err
	}

	stateCmd, err := command.Virsh("domstate", name)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	stateRes, err := a.Exec.Execute(ctx, conn, stateCmd, 30*time.Second)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	if stateRes.ExitCode != 0 {
		return model.VMDescriptor{}, corerr.VMNotFound(name, conn.Host)
	}

	dumpCmd, err := command.Virsh("dumpxml", name)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	dumpRes, err := run(ctx, a, conn, dumpCmd)
	if err != nil {
		return model.VMDescriptor{}, err
	}

	vm, err := parseDomainXML([]byte(dumpRes.Stdout))
	if err != nil {
		return model.VMDescriptor{}, corerr.HypervisorError("failed to parse domain XML", err)
	}
	vm.Host = conn.Host
	vm.State = mapDomState(strings.TrimSpace(stateRes.Stdout))
	if err := a.populateDiskSizes(ctx, conn, &vm); err != nil {
		return model.VMDescriptor{}, err
	}
	return vm, nil
}

// populateDiskSizes fills in each disk's Size field by querying
// qemu-img on the host that owns the image. Domain XML carries the
// disk's path and target but not its byte size, and preflight's space
// check (spec.md §4.6 step 4) and the progress aggregator's total
// (spec.md §4.6 "Progress reporting") both depend on it being accurate.
func (a *Adapter) populateDiskSizes(ctx context.Context, conn *transport.Connection, vm *model.VMDescriptor) error {
	for i := range vm.Disks {
		size, err := a.qemuImgSize(ctx, conn, vm.Disks[i].Path)
		if err != nil {
			return err
		}
		vm.Disks[i].Size = size
	}
	return nil
}

// qemuImgSize runs `qemu-img info --output=json` (command.QemuImgInfo)
// and returns the disk's virtual size in bytes.
func (a *Adapter) qemuImgSize(ctx context.Context, conn *transport.Connection, path string) (int64, error) {
	cmd, err := command.QemuImgInfo(path, nil)
	if err != nil {
		return 0, err
	}
	res, err := run(ctx, a, conn, cmd)
	if err != nil {
		return 0, err
	}
	var info struct {
		VirtualSize int64 `json:"virtual-size"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return 0, corerr.HypervisorError(fmt.Sprintf("failed to parse qemu-img info output for %s", path), err)
	}
	return info.VirtualSize, nil
}

// VMExists reports whether name is defined on conn.
func (a *Adapter) VMExists(ctx context.Context, conn *transport.Connection, name string) (bool, error) {
	_, err := a.GetVM(ctx, conn, name)
	if err == nil {
		return true, nil
	}
	var coreErr *corerr.Error
	if errAs(err, &coreErr) && coreErr.Code == corerr.CodeVMNotFound {
		return false, nil
	}
	return false, err
}

// errAs is a small wrapper so this file does not need to import
// "errors" solely for a single As call in VMExists and rollback paths.
func errAs(err error, target **corerr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ce, ok := err.(*corerr.Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// poolInfo is the subset of `virsh pool-info <pool>` output this Adapter
// parses to compute HostCapacity.
type poolInfo struct {
	available int64
}

// HostCapacity aggregates available capacity across conn's active
// storage pools, refreshing each one first (spec.md §4.3).
func (a *Adapter) HostCapacity(ctx context.Context, conn *transport.Connection) (model.HostCapacity, error) {
	listCmd, err := command.Virsh("pool-list", "--name")
	if err != nil {
		return model.HostCapacity{}, err
	}
	listRes, err := run(ctx, a, conn, listCmd)
	if err != nil {
		return model.HostCapacity{}, err
	}

	var totalBytes, availBytes int64
	for _, pool := range strings.Split(strings.TrimSpace(listRes.Stdout), "\n") {
		pool = strings.TrimSpace(pool)
		if pool == "" {
			continue
		}
		refreshCmd, err := command.Virsh("pool-refresh", pool)
		if err != nil {
			return model.HostCapacity{}, err
		}
		if _, err := run(ctx, a, conn, refreshCmd); err != nil {
			continue
		}
		infoCmd, err := command.Virsh("pool-info", pool)
		if err != nil {
			return model.HostCapacity{}, err
		}
		infoRes, err := run(ctx, a, conn, infoCmd)
		if err != nil {
			continue
		}
		info := parsePoolInfo(infoRes.Stdout)
		totalBytes += info.available // only the Available line is parsed, so the total is summed available bytes
		availBytes += info.available
	}

	return model.HostCapacity{
		TotalBytes:     totalBytes,
		AvailableBytes: availBytes,
		TotalMemoryMiB: -1,
		AvailMemoryMiB: -1,
		TotalVCPUs:     -1,
		AvailVCPUs:     -1,
	}, nil
}

func parsePoolInfo(output string) poolInfo {
	var info poolInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Available:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				info.available = parseVirshSize(fields[1], fields[2:])
			}
		}
	}
	return info
}

// parseVirshSize parses the "<number> <unit>" pair virsh prints, e.g.
// "42.00 GiB", into bytes.
func parseVirshSize(numStr string, rest []string) int64 {
	unit := ""
	if len(rest) > 0 {
		unit = rest[0]
	}
	f, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0
	}
	mult := map[string]float64{
		"B": 1, "KiB": 1 << 10, "MiB": 1 << 20, "GiB": 1 << 30, "TiB": 1 << 40,
	}[unit]
	if mult == 0 {
		mult = 1
	}
	return int64(f * mult)
}

func mapDomState(s string) model.RunState {
	switch {
	case strings.Contains(s, "running"):
		return model.RunStateRunning
	case strings.Contains(s, "paused"):
		return model.RunStatePaused
	case strings.Contains(s, "pmsuspended"), strings.Contains(s, "in shutdown"):
		return model.RunStateSuspended
	case strings.Contains(s, "crashed"):
		return model.RunStateCrashed
	default:
		return model.RunStateStopped
	}
}

// DefineVM defines definitionDocument (domain XML) on conn without
// starting it.
func (a *Adapter) DefineVM(ctx context.Context, conn *transport.Connection, definitionDocument []byte) (model.VMDescriptor, error) {
	vm, err := parseDomainXML(definitionDocument)
	if err != nil {
		return model.VMDescriptor{}, corerr.HypervisorError("invalid domain definition", err)
	}

	localPath, err := writeTemp(definitionDocument)
	if err != nil {
		return model.VMDescriptor{}, corerr.HypervisorError("failed to stage domain definition", err)
	}
	defer os.Remove(localPath)

	remotePath := "/tmp/cloneforge-" + uuid.NewString() + ".xml"
	if err := transport.Upload(ctx, conn, localPath, remotePath); err != nil {
		return model.VMDescriptor{}, err
	}
	defineCmd, err := command.Virsh("define", remotePath)
	if err != nil {
		return model.VMDescriptor{}, err
	}
	if _, err := run(ctx, a, conn, defineCmd); err != nil {
		return model.VMDescriptor{}, err
	}
	rmCmd, _ := command.RmFile(remotePath, []string{"/tmp"})
	_, _ = a.Exec.Execute(ctx, conn, rmCmd, 10*time.Second)

	vm.Host = conn.Host
	return a.GetVM(ctx, conn, vm.Name)
}

// writeTemp stages the definition document to a local temp file so Upload can send it.
var writeTemp = newTempFile

// CleanupVM force-stops name if running, extracts its disk paths,
// undefines it, and deletes each disk file. Idempotent: succeeds
// silently if the VM is already gone.
func (a *Adapter) CleanupVM(ctx context.Context, conn *transport.Connection, name string) error {
	vm, err := a.GetVM(ctx, conn, name)
	if err != nil {
		var coreErr *corerr.Error
		if errAs(err, &coreErr) && coreErr.Code == corerr.CodeVMNotFound {
			return nil
		}
		return err
	}

	if vm.State == model.RunStateRunning || vm.State == model.RunStatePaused {
		destroyCmd, err := command.VirshDestroy(name)
		if err != nil {
			return err
		}
		_, _ = a.Exec.Execute(ctx, conn, destroyCmd, 30*time.Second)
	}

	undefCmd, err := command.VirshUndefine(name, true)
	if err != nil {
		return err
	}
	if _, err := run(ctx, a, conn, undefCmd); err != nil {
		return err
	}

	for _, d := range vm.Disks {
		rmCmd, err := command.RmFile(d.Path, nil)
		if err != nil {
			continue
		}
		_, _ = a.Exec.Execute(ctx, conn, rmCmd, 30*time.Second)
	}
	return nil
}

// CreateSnapshot takes a disk-only atomic snapshot of vmName.
func (a *Adapter) CreateSnapshot(ctx context.Context, conn *transport.Connection, vmName, snapshotName string) error {
	cmd, err := command.SnapshotCreate(vmName, snapshotName)
	if err != nil {
		return err
	}
	_, err = run(ctx, a, conn, cmd)
	return err
}

// DeleteSnapshot removes snapshotName from vmName.
func (a *Adapter) DeleteSnapshot(ctx context.Context, conn *transport.Connection, vmName, snapshotName string) error {
	cmd, err := command.SnapshotDelete(vmName, snapshotName)
	if err != nil {
		return err
	}
	_, err = run(ctx, a, conn, cmd)
	return err
}

// RewriteDefinition implements the definition-rewriting rule from
// spec.md §4.3: replace the VM name, assign a fresh stable identifier,
// point every disk at its destination path, and (unless preserveMAC)
// assign every interface a fresh random locally-administered MAC. All
// other attributes are preserved byte-for-byte via libvirtxml's
// unmarshal/marshal round-trip.
func RewriteDefinition(source []byte, newName string, diskPaths map[string]string, preserveMAC bool) ([]byte, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(string(source)); err != nil {
		return nil, corerr.HypervisorError("failed to parse source domain definition", err)
	}

	domain.Name = newName
	domain.UUID = uuid.NewString()

	for i := range domain.Devices.Disks {
		disk := &domain.Devices.Disks[i]
		if disk.Source == nil || disk.Source.File == nil {
			continue
		}
		oldPath := disk.Source.File.File
		if newPath, ok := diskPaths[oldPath]; ok {
			disk.Source.File.File = newPath
		}
	}

	if !preserveMAC {
		for i := range domain.Devices.Interfaces {
			mac, err := randomLocallyAdministeredMAC()
			if err != nil {
				return nil, corerr.HypervisorError("failed to generate MAC address", err)
			}
			if domain.Devices.Interfaces[i].MAC == nil {
				domain.Devices.Interfaces[i].MAC = &libvirtxml.DomainInterfaceMAC{}
			}
			domain.Devices.Interfaces[i].MAC.Address = mac
		}
	}

	out, err := domain.Marshal()
	if err != nil {
		return nil, corerr.HypervisorError("failed to marshal rewritten domain definition", err)
	}
	return []byte(out), nil
}

// randomLocallyAdministeredMAC generates a fresh unicast,
// locally-administered MAC address (the low two bits of the first octet
// are 10, per IEEE 802).
func randomLocallyAdministeredMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	buf[0] = (buf[0] &^ 0x01) | 0x02
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]), nil
}

func parseDomainXML(data []byte) (model.VMDescriptor, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(string(data)); err != nil {
		return model.VMDescriptor{}, err
	}

	vm := model.VMDescriptor{
		Name:       domain.Name,
		ID:         domain.UUID,
		Definition: data,
	}
	if domain.Memory != nil {
		vm.MemoryMiB = convertToMiB(int64(domain.Memory.Value), domain.Memory.Unit)
	}
	if domain.VCPU != nil {
		vm.VCPUs = int(domain.VCPU.Value)
	}
	for _, d := range domain.Devices.Disks {
		if d.Device != "disk" || d.Source == nil || d.Source.File == nil {
			continue
		}
		target := ""
		if d.Target != nil {
			target = d.Target.Dev
		}
		vm.Disks = append(vm.Disks, model.DiskRef{
			Path:   d.Source.File.File,
			Target: target,
			Format: model.DiskFormatQCOW2,
		})
	}
	for _, iface := range domain.Devices.Interfaces {
		ni := model.NetworkInterface{}
		if iface.Target != nil {
			ni.Name = iface.Target.Dev
		}
		if iface.MAC != nil {
			ni.MAC = iface.MAC.Address
		}
		if iface.Source != nil && iface.Source.Bridge != nil {
			ni.Network = iface.Source.Bridge.Bridge
		}
		vm.Interfaces = append(vm.Interfaces, ni)
	}
	return vm, nil
}

func convertToMiB(value int64, unit string) int64 {
	switch strings.ToLower(unit) {
	case "kib", "k":
		return value / 1024
	case "gib", "g":
		return value * 1024
	case "bytes", "b", "":
		return value / (1024 * 1024)
	default:
		return value
	}
}

// marshalIndent renders v as indented JSON, e.g. to inspect an
// intermediate rewritten definition; nothing in this package calls it.
func marshalIndent(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
