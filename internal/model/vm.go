// Package model defines the data types shared by the clone/sync core:
// VM and host descriptors, clone options, transaction records, and the
// externally observable operation handle and wire shapes.
package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/foundryops/cloneforge/internal/pathsafe"
)

var vmNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var reservedVMNames = map[string]bool{
	"localhost": true,
	"none":      true,
	"all":       true,
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// RunState is the observed run-state of a VM on its host.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateStopped   RunState = "stopped"
	RunStatePaused    RunState = "paused"
	RunStateSuspended RunState = "suspended"
	RunStateCrashed   RunState = "crashed"
)

// DiskFormat is the on-disk image format of a DiskRef.
type DiskFormat string

const (
	DiskFormatQCOW2 DiskFormat = "qcow2"
	DiskFormatRaw   DiskFormat = "raw"
	DiskFormatVMDK  DiskFormat = "vmdk"
	DiskFormatVDI   DiskFormat = "vdi"
)

// DiskRef describes a single disk backing a VM's block device.
type DiskRef struct {
	Path   string     `json:"path" yaml:"path"`
	Size   int64      `json:"size" yaml:"size"`
	Format DiskFormat `json:"format" yaml:"format"`
	Target string     `json:"target" yaml:"target"`
}

// Validate checks DiskRef invariants. basePaths, when non-empty, restricts
// Path to lie under one of the given allowed base directories (see the
// storage layout in spec.md §6); pass nil to skip that check.
func (d DiskRef) Validate(basePaths []string) error {
	if d.Size < 0 {
		return fmt.Errorf("disk %s: size must be >= 0, got %d", d.Path, d.Size)
	}
	switch d.Format {
	case DiskFormatQCOW2, DiskFormatRaw, DiskFormatVMDK, DiskFormatVDI:
	default:
		return fmt.Errorf("disk %s: unsupported format %q", d.Path, d.Format)
	}
	if d.Target == "" {
		return fmt.Errorf("disk %s: target device label is required", d.Path)
	}
	if !pathsafe.IsAbsoluteClean(d.Path) {
		return fmt.Errorf("disk %s: path must be absolute with no .. segments", d.Path)
	}
	if !pathsafe.UnderAnyBase(d.Path, basePaths) {
		return fmt.Errorf("disk %s: path does not resolve under an allowed base directory", d.Path)
	}
	return nil
}

// NetworkInterface describes one virtual NIC attached to a VM.
type NetworkInterface struct {
	Name    string `json:"name" yaml:"name"`
	MAC     string `json:"mac" yaml:"mac"`
	Network string `json:"network" yaml:"network"`
	IP      string `json:"ip,omitempty" yaml:"ip,omitempty"`
}

// Validate checks NetworkInterface invariants.
func (n NetworkInterface) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("network interface: name is required")
	}
	if !macPattern.MatchString(n.MAC) {
		return fmt.Errorf("network interface %s: invalid MAC address %q", n.Name, n.MAC)
	}
	if n.Network == "" {
		return fmt.Errorf("network interface %s: logical network name is required", n.Name)
	}
	return nil
}

// VMDescriptor is the canonical description of a VM as seen on a host.
type VMDescriptor struct {
	Name         string             `json:"name" yaml:"name"`
	ID           string             `json:"id" yaml:"id"`
	State        RunState           `json:"state" yaml:"state"`
	MemoryMiB    int64              `json:"memoryMiB" yaml:"memoryMiB"`
	VCPUs        int                `json:"vcpus" yaml:"vcpus"`
	Disks        []DiskRef          `json:"disks" yaml:"disks"`
	Interfaces   []NetworkInterface `json:"interfaces" yaml:"interfaces"`
	Definition   []byte             `json:"-" yaml:"-"`
	CreatedAt    time.Time          `json:"createdAt" yaml:"createdAt"`
	ModifiedAt   time.Time          `json:"modifiedAt" yaml:"modifiedAt"`
	Host         string             `json:"host" yaml:"host"`
}

// Validate checks VMDescriptor invariants from spec.md §3.
func (v VMDescriptor) Validate() error {
	if err := ValidateVMName(v.Name); err != nil {
		return err
	}
	if v.MemoryMiB < 1 {
		return fmt.Errorf("vm %s: memory must be >= 1 MiB, got %d", v.Name, v.MemoryMiB)
	}
	if v.VCPUs < 1 {
		return fmt.Errorf("vm %s: vcpus must be >= 1, got %d", v.Name, v.VCPUs)
	}
	switch v.State {
	case RunStateRunning, RunStateStopped, RunStatePaused, RunStateSuspended, RunStateCrashed:
	default:
		return fmt.Errorf("vm %s: unsupported run-state %q", v.Name, v.State)
	}
	for i, d := range v.Disks {
		if err := d.Validate(nil); err != nil {
			return fmt.Errorf("vm %s: disks[%d]: %w", v.Name, i, err)
		}
	}
	for i, iface := range v.Interfaces {
		if err := iface.Validate(); err != nil {
			return fmt.Errorf("vm %s: interfaces[%d]: %w", v.Name, i, err)
		}
	}
	return nil
}

// TotalDiskBytes sums the size of every disk on the descriptor.
func (v VMDescriptor) TotalDiskBytes() int64 {
	var total int64
	for _, d := range v.Disks {
		total += d.Size
	}
	return total
}

// ValidateVMName enforces the name pattern and reserved-word list shared
// by every component that accepts a VM name from a caller.
func ValidateVMName(name string) error {
	if !vmNamePattern.MatchString(name) {
		return fmt.Errorf("invalid VM name %q: must match %s", name, vmNamePattern.String())
	}
	if reservedVMNames[name] {
		return fmt.Errorf("invalid VM name %q: reserved", name)
	}
	return nil
}

// HostCapacity is the aggregate resource picture of a host at a point in time.
type HostCapacity struct {
	TotalBytes     int64 `json:"totalBytes"`
	AvailableBytes int64 `json:"availableBytes"`
	TotalMemoryMiB int64 `json:"totalMemoryMiB"`
	AvailMemoryMiB int64 `json:"availMemoryMiB"`
	TotalVCPUs     int   `json:"totalVCPUs"`
	AvailVCPUs     int   `json:"availVCPUs"`
}
