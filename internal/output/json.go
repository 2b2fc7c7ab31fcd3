package output

import (
	"encoding/json"
	"fmt"

	"github.com/foundryops/cloneforge/internal/model"
)

// JSONFormatter formats core domain values as the JSON wire shapes
// named in spec.md §6.
type JSONFormatter struct{}

// FormatVMs renders vms as a JSON array of VMDescriptor.
func (f *JSONFormatter) FormatVMs(vms []model.VMDescriptor) (string, error) {
	if vms == nil {
		vms = []model.VMDescriptor{}
	}
	data, err := json.MarshalIndent(vms, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM list to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatCloneResult renders result as CloneResult JSON.
func (f *JSONFormatter) FormatCloneResult(result model.CloneResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal clone result to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatOperationStatus renders status as OperationStatus JSON.
func (f *JSONFormatter) FormatOperationStatus(status model.OperationStatus) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation status to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatError renders resp as ErrorResponse JSON.
func (f *JSONFormatter) FormatError(resp model.ErrorResponse) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal error response to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
