package main

import (
	"errors"
	"time"

	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
)

// silentError wraps an error a command has already rendered itself
// (e.g. as JSON), so main doesn't also print it as plain text —
// spec.md §7: "Structured output modes emit the ErrorResponse JSON
// above; text mode prints the message then the remediation."
type silentError struct{ err error }

func (s silentError) Error() string { return s.err.Error() }
func (s silentError) Unwrap() error { return s.err }

// errorResponseFor builds the ErrorResponse JSON wire shape spec.md §6
// names, for use in structured output modes.
func errorResponseFor(operationID string, err error) model.ErrorResponse {
	resp := model.ErrorResponse{
		Timestamp:   time.Now().UTC(),
		OperationID: operationID,
		Error: model.ErrorDetail{
			Code:    "GeneralError",
			Message: err.Error(),
		},
	}
	var cerr *corerr.Error
	if errors.As(err, &cerr) {
		resp.Error.Code = cerr.Name
		resp.Error.Message = cerr.Message
		if len(cerr.Remediation) > 0 {
			resp.Error.Details = cerr.Remediation[0]
		}
	}
	return resp
}
