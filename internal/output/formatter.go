// Package output renders clone/sync results, VM listings, and operation
// status for CLI display in the table/list/JSON formats spec.md §6
// names for the `list`/`status` commands, and the CloneResult/
// OperationStatus/ErrorResponse JSON wire shapes for structured output
// modes.
package output

import (
	"fmt"

	"github.com/foundryops/cloneforge/internal/model"
)

// Format is one of the output-format names spec.md §6's `list` command
// flag accepts.
type Format string

const (
	// FormatTable is a human-readable aligned table.
	FormatTable Format = "table"
	// FormatList is one name per line, no columns.
	FormatList Format = "list"
	// FormatJSON is the machine-consumable JSON wire shape.
	FormatJSON Format = "json"
)

// Formatter renders core domain values for CLI output.
type Formatter interface {
	// FormatVMs renders a VM listing (spec.md §6 `list` command).
	FormatVMs(vms []model.VMDescriptor) (string, error)
	// FormatCloneResult renders a completed or failed clone/sync result.
	FormatCloneResult(result model.CloneResult) (string, error)
	// FormatOperationStatus renders the `status` command's view of one
	// operation.
	FormatOperationStatus(status model.OperationStatus) (string, error)
	// FormatError renders a failed operation's ErrorResponse.
	FormatError(resp model.ErrorResponse) (string, error)
}

// Options configures a Formatter.
type Options struct {
	Format    Format
	NoHeaders bool
}

// NewFormatter returns the Formatter for opts.Format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatList:
		return &ListFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, list, json)", opts.Format)
	}
}

// ValidateFormat checks whether format names a supported Format.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatList, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, list, json)", format)
	}
}
