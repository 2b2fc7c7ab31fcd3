package model

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/docker/go-units"
)

// TransferMethod names one of the Transfer Engine's strategies.
type TransferMethod string

const (
	TransferMethodRsync     TransferMethod = "rsync"
	TransferMethodStream    TransferMethod = "stream"
	TransferMethodBlocksync TransferMethod = "blocksync"
)

// CloneOptions is the enumerated configuration for a clone or sync
// invocation (spec.md §3).
type CloneOptions struct {
	NewName        string         `json:"new_name" yaml:"new_name"`
	Force          bool           `json:"force" yaml:"force"`
	DryRun         bool           `json:"dry_run" yaml:"dry_run"`
	Parallel       int            `json:"parallel" yaml:"parallel"`
	Verify         bool           `json:"verify" yaml:"verify"`
	PreserveMAC    bool           `json:"preserve_mac" yaml:"preserve_mac"`
	BandwidthLimit string         `json:"bandwidth_limit" yaml:"bandwidth_limit"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	Idempotent     bool           `json:"idempotent" yaml:"idempotent"`
	TransferMethod TransferMethod `json:"transfer_method" yaml:"transfer_method"`
}

// DefaultCloneOptions returns CloneOptions populated with the defaults
// from spec.md §3, given the source VM's name.
func DefaultCloneOptions(sourceName string) CloneOptions {
	return CloneOptions{
		NewName:        sourceName + "_clone",
		Parallel:       4,
		TimeoutSeconds: 3600,
		TransferMethod: TransferMethodRsync,
	}
}

// Validate checks CloneOptions invariants, including the boundary
// behaviors in spec.md §8 (B3, B4).
func (o CloneOptions) Validate() error {
	if err := ValidateVMName(o.NewName); err != nil {
		return fmt.Errorf("new_name: %w", err)
	}
	if o.Parallel < 1 || o.Parallel > 16 {
		return fmt.Errorf("parallel must be in [1,16], got %d", o.Parallel)
	}
	if o.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be > 0, got %d", o.TimeoutSeconds)
	}
	switch o.TransferMethod {
	case TransferMethodRsync, TransferMethodStream, TransferMethodBlocksync:
	default:
		return fmt.Errorf("unsupported transfer_method %q", o.TransferMethod)
	}
	if _, err := ParseBandwidthLimit(o.BandwidthLimit); err != nil {
		return fmt.Errorf("bandwidth_limit: %w", err)
	}
	return nil
}

var bandwidthPattern = regexp.MustCompile(`^\d+[KMGT]?$`)

// ParseBandwidthLimit parses a bandwidth_limit string (e.g. "100M", "1G")
// into bytes-per-second. An empty string means unlimited (0, nil).
// "0" is an explicit zero limit (spec.md §8 B4: "zero-allowed"). It uses
// github.com/docker/go-units for the unit-suffix arithmetic, matching the
// human-size parsing already pulled in by the retrieved pack.
func ParseBandwidthLimit(s string) (bytesPerSecond int64, err error) {
	if s == "" {
		return 0, nil
	}
	if !bandwidthPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid bandwidth limit %q: must match %s", s, bandwidthPattern.String())
	}
	if s == "0" {
		return 0, nil
	}
	// units.RAMInBytes understands the bare K/M/G/T suffixes this format
	// uses (as opposed to KB/MB with the explicit "B").
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q: %w", s, err)
	}
	return n, nil
}

// KBpsBandwidthLimit converts a bandwidth_limit string into the
// kilobytes-per-second value rsync's --bwlimit expects. Returns (0, nil)
// for unlimited.
func KBpsBandwidthLimit(s string) (int64, error) {
	bps, err := ParseBandwidthLimit(s)
	if err != nil {
		return 0, err
	}
	if bps == 0 {
		return 0, nil
	}
	kbps := bps / 1024
	if kbps == 0 {
		kbps = 1
	}
	return kbps, nil
}

// CloneResult is the JSON wire shape returned for a completed (or failed)
// clone/sync operation (spec.md §6).
type CloneResult struct {
	OperationID      string    `json:"operation_id"`
	Success          bool      `json:"success"`
	VMName           string    `json:"vm_name"`
	NewVMName        string    `json:"new_vm_name"`
	SourceHost       string    `json:"source_host"`
	DestHost         string    `json:"dest_host"`
	DurationSeconds  float64   `json:"duration"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Error            string    `json:"error,omitempty"`
	ErrorCode        int       `json:"error_code,omitempty"`
	Warnings         []string  `json:"warnings"`
	Timestamp        time.Time `json:"timestamp"`
}

// OperationStatus is the JSON wire shape for the `status` command
// (spec.md §6).
type OperationStatus struct {
	OperationID   string       `json:"operation_id"`
	OperationType string       `json:"operation_type"`
	Status        string       `json:"status"`
	Progress      *Progress    `json:"progress,omitempty"`
	Created       time.Time    `json:"created"`
	Started       *time.Time   `json:"started,omitempty"`
	Completed     *time.Time   `json:"completed,omitempty"`
	Result        *CloneResult `json:"result,omitempty"`
}

// ErrorDetail is the nested error object inside ErrorResponse.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// ErrorResponse is the JSON wire shape emitted in structured output mode
// when an operation fails (spec.md §6).
type ErrorResponse struct {
	Error       ErrorDetail `json:"error"`
	Timestamp   time.Time   `json:"timestamp"`
	OperationID string      `json:"operation_id,omitempty"`
}

// ParseParallel validates and parses a --parallel flag value, applying
// the boundary rule from spec.md §8 (B3).
func ParseParallel(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid parallel value %q: %w", s, err)
	}
	if n < 1 || n > 16 {
		return 0, fmt.Errorf("parallel must be in [1,16], got %d", n)
	}
	return n, nil
}
