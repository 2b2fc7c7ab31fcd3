// Package corerr implements the error taxonomy from spec.md §7 as a
// single tagged-variant type rather than an exception hierarchy: every
// error the core returns carries a stable numeric code, a machine name, a
// category, and (for user-facing categories) a remediation block, and
// wraps whatever caused it.
package corerr

import "fmt"

// Category groups error codes the way spec.md §7 does.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryAuth       Category = "authentication"
	CategoryOperation  Category = "operation"
	CategoryValidation Category = "validation"
)

// Code is one of the stable numeric error codes from spec.md §7.
type Code int

const (
	CodeGeneral              Code = 1000
	CodeConfiguration        Code = 1001
	CodeConnection           Code = 1002
	CodeVMNotFound           Code = 1003
	CodeVMExists             Code = 1004
	CodeInsufficientResources Code = 1005
	CodeTransfer             Code = 1006
	CodeValidation           Code = 1007
	CodeOperationCancelled   Code = 1008
	CodeHypervisor           Code = 1009

	CodeAuth             Code = 1100
	CodeSSHKey           Code = 1101
	CodePermissionDenied Code = 1102
	CodeHostKey          Code = 1103

	CodeClone             Code = 1200
	CodeSync              Code = 1201
	CodeOperationTimeout  Code = 1202
	CodeOperationNotFound Code = 1203
	CodeDiskSpace         Code = 1204
	CodeNetwork           Code = 1205

	CodeInvalidHost      Code = 1300
	CodeInvalidVMName    Code = 1301
	CodeInvalidPath      Code = 1302
	CodeInvalidPort      Code = 1303
	CodeInvalidTimeout   Code = 1304
	CodeInvalidBandwidth Code = 1305
)

// ExitCode maps a Code onto the process exit codes from spec.md §6.
func (c Code) ExitCode() int {
	switch c {
	case CodeValidation, CodeInvalidHost, CodeInvalidVMName, CodeInvalidPath,
		CodeInvalidPort, CodeInvalidTimeout, CodeInvalidBandwidth:
		return 2
	case CodeConnection, CodeNetwork:
		return 3
	case CodeAuth, CodeSSHKey, CodePermissionDenied, CodeHostKey:
		return 4
	case CodeVMNotFound:
		return 5
	case CodeVMExists:
		return 6
	case CodeInsufficientResources, CodeDiskSpace:
		return 7
	case CodeTransfer:
		return 8
	case CodeOperationCancelled:
		return 9
	case CodeOperationTimeout:
		return 10
	default:
		return 1
	}
}

// Error is the single error type every core component returns. It
// implements error, Unwrap, and carries the presentation data (message +
// remediation) that would otherwise live in per-category exception
// subclasses.
type Error struct {
	Code        Code
	Name        string
	Category    Category
	Message     string
	Remediation []string
	Retryable   bool
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error with no wrapped cause.
func New(code Code, category Category, name, message string) *Error {
	return &Error{Code: code, Category: category, Name: name, Message: message}
}

// Wrap constructs an Error wrapping cause.
func Wrap(code Code, category Category, name, message string, cause error) *Error {
	return &Error{Code: code, Category: category, Name: name, Message: message, Cause: cause}
}

// WithRemediation attaches a remediation block of numbered steps and
// returns the same Error for chaining.
func (e *Error) WithRemediation(steps ...string) *Error {
	e.Remediation = steps
	return e
}

// WithRetryable marks whether C2's retry policy should retry this error.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Constructors for the errors named explicitly throughout spec.md, so
// callers never build a raw &Error{} literal with a hand-typed code.

func ValidationError(message string) *Error {
	return New(CodeValidation, CategoryValidation, "ValidationError", message)
}

func InvalidHost(host string) *Error {
	return New(CodeInvalidHost, CategoryValidation, "InvalidHostError",
		fmt.Sprintf("invalid host %q", host))
}

func InvalidVMName(name string) *Error {
	return New(CodeInvalidVMName, CategoryValidation, "InvalidVMNameError",
		fmt.Sprintf("invalid VM name %q", name))
}

func InvalidPath(path string) *Error {
	return New(CodeInvalidPath, CategoryValidation, "InvalidPathError",
		fmt.Sprintf("invalid path %q", path))
}

func InvalidPort(port int) *Error {
	return New(CodeInvalidPort, CategoryValidation, "InvalidPortError",
		fmt.Sprintf("invalid port %d", port))
}

func InvalidBandwidth(s string) *Error {
	return New(CodeInvalidBandwidth, CategoryValidation, "InvalidBandwidthError",
		fmt.Sprintf("invalid bandwidth limit %q", s))
}

func SSHKeyError(message string) *Error {
	return New(CodeSSHKey, CategoryAuth, "SSHKeyError", message).WithRemediation(
		"Ensure the identity file permissions are 0600 or 0400 (chmod 600 <key>).",
		"Run ssh-add <key> to load it into the agent instead.",
	)
}

func HostKeyError(host string) *Error {
	return New(CodeHostKey, CategoryAuth, "HostKeyError",
		fmt.Sprintf("host key verification failed for %s", host)).WithRemediation(
		"Verify the host's fingerprint out-of-band, then add it with ssh-keyscan >> known_hosts.",
		"Set the host-key policy to warn or accept if you trust this network.",
	)
}

func AuthError(host string, cause error) *Error {
	return Wrap(CodeAuth, CategoryAuth, "AuthError",
		fmt.Sprintf("authentication failed for %s", host), cause).WithRemediation(
		"Copy your public key to the remote host: ssh-copy-id <host>.",
		"Check that ssh-agent is running and has the right key loaded: ssh-add -l.",
		"Test connectivity manually: ssh -v <host> true.",
	)
}

func ConnectionError(host string, cause error) *Error {
	return Wrap(CodeConnection, CategorySystem, "ConnectionError",
		fmt.Sprintf("failed to connect to %s", host), cause).WithRetryable(true)
}

func VMNotFound(name, host string) *Error {
	return New(CodeVMNotFound, CategorySystem, "VMNotFoundError",
		fmt.Sprintf("VM %q not found on %s", name, host))
}

func VMExists(name, host string) *Error {
	return New(CodeVMExists, CategorySystem, "VMExistsError",
		fmt.Sprintf("VM %q already exists on %s", name, host))
}

func InsufficientResources(required, available int64) *Error {
	return New(CodeInsufficientResources, CategorySystem, "InsufficientResourcesError",
		fmt.Sprintf("insufficient destination space: need %d bytes, have %d available", required, available))
}

func TransferError(message string, cause error) *Error {
	return Wrap(CodeTransfer, CategorySystem, "TransferError", message, cause)
}

func HypervisorError(message string, cause error) *Error {
	return Wrap(CodeHypervisor, CategorySystem, "HypervisorError", message, cause)
}

func OperationCancelled(opID string) *Error {
	return New(CodeOperationCancelled, CategoryOperation, "OperationCancelledError",
		fmt.Sprintf("operation %s was cancelled", opID))
}

func OperationTimeout(opID string) *Error {
	return New(CodeOperationTimeout, CategoryOperation, "OperationTimeoutError",
		fmt.Sprintf("operation %s exceeded its deadline", opID))
}

func OperationNotFound(opID string) *Error {
	return New(CodeOperationNotFound, CategoryOperation, "OperationNotFoundError",
		fmt.Sprintf("operation %s not found", opID))
}
