package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/foundryops/cloneforge/internal/model"
)

// TableFormatter renders domain values as aligned, human-readable
// tables, the same tabwriter idiom the teacher uses for its VM listing.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVMs renders vms as a table of name/state/memory/vcpus/disks/host.
func (f *TableFormatter) FormatVMs(vms []model.VMDescriptor) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tMEMORY\tVCPUS\tDISKS\tHOST")
	}
	for _, vm := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d MiB\t%d\t%d\t%s\n",
			vm.Name, vm.State, vm.MemoryMiB, vm.VCPUs, len(vm.Disks), vm.Host)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// FormatCloneResult renders result as a key/value table.
func (f *TableFormatter) FormatCloneResult(result model.CloneResult) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	status := "failed"
	if result.Success {
		status = "succeeded"
	}
	_, _ = fmt.Fprintf(w, "OPERATION\t%s\n", result.OperationID)
	_, _ = fmt.Fprintf(w, "STATUS\t%s\n", status)
	_, _ = fmt.Fprintf(w, "VM\t%s -> %s\n", result.VMName, result.NewVMName)
	_, _ = fmt.Fprintf(w, "HOSTS\t%s -> %s\n", result.SourceHost, result.DestHost)
	_, _ = fmt.Fprintf(w, "BYTES TRANSFERRED\t%d\n", result.BytesTransferred)
	_, _ = fmt.Fprintf(w, "DURATION\t%.2fs\n", result.DurationSeconds)
	if result.Error != "" {
		_, _ = fmt.Fprintf(w, "ERROR\t%s\n", result.Error)
	}
	for _, warning := range result.Warnings {
		_, _ = fmt.Fprintf(w, "WARNING\t%s\n", warning)
	}
	_ = w.Flush()
	return buf.String(), nil
}

// FormatOperationStatus renders status as a key/value table, with a
// progress line when the operation is still running.
func (f *TableFormatter) FormatOperationStatus(status model.OperationStatus) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "OPERATION\t%s\n", status.OperationID)
	_, _ = fmt.Fprintf(w, "TYPE\t%s\n", status.OperationType)
	_, _ = fmt.Fprintf(w, "STATUS\t%s\n", status.Status)
	if status.Progress != nil {
		p := status.Progress
		_, _ = fmt.Fprintf(w, "PROGRESS\t%d/%d bytes (%.1f KB/s, eta %.0fs)\n",
			p.BytesTransferred, p.TotalBytes, p.SpeedBytesPerSec/1024, p.ETASeconds)
	}
	_, _ = fmt.Fprintf(w, "CREATED\t%s\n", status.Created.Format(time.RFC3339))
	if status.Started != nil {
		_, _ = fmt.Fprintf(w, "STARTED\t%s\n", status.Started.Format(time.RFC3339))
	}
	if status.Completed != nil {
		_, _ = fmt.Fprintf(w, "COMPLETED\t%s\n", status.Completed.Format(time.RFC3339))
	}
	_ = w.Flush()
	return buf.String(), nil
}

// FormatError renders resp as a single-line message followed by its
// remediation details, if any (spec.md §7's text-mode error contract).
func (f *TableFormatter) FormatError(resp model.ErrorResponse) (string, error) {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "Error [%s]: %s\n", resp.Error.Code, resp.Error.Message)
	if resp.Error.Details != "" {
		_, _ = fmt.Fprintf(&buf, "%s\n", resp.Error.Details)
	}
	return buf.String(), nil
}

// ListFormatter renders one bare name per line, with no columns.
type ListFormatter struct{}

// FormatVMs renders vms as newline-separated names.
func (f *ListFormatter) FormatVMs(vms []model.VMDescriptor) (string, error) {
	names := make([]string, len(vms))
	for i, vm := range vms {
		names[i] = vm.Name
	}
	if len(names) == 0 {
		return "", nil
	}
	return strings.Join(names, "\n") + "\n", nil
}

// FormatCloneResult renders a one-line operation-id/status summary.
func (f *ListFormatter) FormatCloneResult(result model.CloneResult) (string, error) {
	status := "failed"
	if result.Success {
		status = "succeeded"
	}
	return fmt.Sprintf("%s\t%s\n", result.OperationID, status), nil
}

// FormatOperationStatus renders a one-line operation-id/status summary.
func (f *ListFormatter) FormatOperationStatus(status model.OperationStatus) (string, error) {
	return fmt.Sprintf("%s\t%s\n", status.OperationID, status.Status), nil
}

// FormatError renders a one-line error summary.
func (f *ListFormatter) FormatError(resp model.ErrorResponse) (string, error) {
	return fmt.Sprintf("%s: %s\n", resp.Error.Code, resp.Error.Message), nil
}
