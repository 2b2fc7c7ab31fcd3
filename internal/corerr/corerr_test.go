package corerr

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ConnectionError("host1", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}

	var coreErr *Error
	if !errors.As(err, &coreErr) {
		t.Fatalf("errors.As failed to extract *Error")
	}
	if coreErr.Code != CodeConnection {
		t.Errorf("Code = %v, want %v", coreErr.Code, CodeConnection)
	}
	if !coreErr.Retryable {
		t.Error("ConnectionError should be marked retryable")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := AuthError("host1", cause)
	if got := err.Error(); got == "" || !contains(got, "permission denied") {
		t.Errorf("Error() = %q, want it to mention the cause", got)
	}
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidation, 2},
		{CodeConnection, 3},
		{CodeAuth, 4},
		{CodeVMNotFound, 5},
		{CodeVMExists, 6},
		{CodeInsufficientResources, 7},
		{CodeTransfer, 8},
		{CodeOperationCancelled, 9},
		{CodeOperationTimeout, 10},
		{CodeGeneral, 1},
	}
	for _, c := range cases {
		if got := c.code.ExitCode(); got != c.want {
			t.Errorf("Code(%d).ExitCode() = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestRemediationAttached(t *testing.T) {
	err := SSHKeyError("identity file has mode 0644")
	if len(err.Remediation) == 0 {
		t.Error("SSHKeyError should carry remediation steps")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
