package transport

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	os.Unsetenv("CLONEFORGE_SSH_PORT")
	os.Unsetenv("CLONEFORGE_SSH_KEY_PATH")
	os.Unsetenv("CLONEFORGE_SSH_USER")

	hostname, _, port, _ := resolve("host1.example.com", OpenOptions{})
	if hostname != "host1.example.com" {
		t.Errorf("hostname = %q, want host1.example.com", hostname)
	}
	if port != 22 {
		t.Errorf("port = %d, want 22", port)
	}
}

func TestResolveExplicitOverridesEnv(t *testing.T) {
	os.Setenv("CLONEFORGE_SSH_PORT", "2022")
	defer os.Unsetenv("CLONEFORGE_SSH_PORT")

	_, _, port, _ := resolve("host1", OpenOptions{Port: 2222})
	if port != 2222 {
		t.Errorf("explicit Port should win over env, got %d", port)
	}

	_, _, port, _ = resolve("host1", OpenOptions{})
	if port != 2022 {
		t.Errorf("env CLONEFORGE_SSH_PORT should apply, got %d", port)
	}
}

func TestResolveHostKeyPolicy(t *testing.T) {
	os.Unsetenv("CLONEFORGE_SSH_HOST_KEY_POLICY")
	if got := resolveHostKeyPolicy(OpenOptions{}); got != HostKeyStrict {
		t.Errorf("default policy = %v, want strict", got)
	}
	if got := resolveHostKeyPolicy(OpenOptions{HostKeyPolicy: HostKeyAccept}); got != HostKeyAccept {
		t.Errorf("explicit policy = %v, want accept", got)
	}
	os.Setenv("CLONEFORGE_SSH_HOST_KEY_POLICY", "warn")
	defer os.Unsetenv("CLONEFORGE_SSH_HOST_KEY_POLICY")
	if got := resolveHostKeyPolicy(OpenOptions{}); got != HostKeyWarn {
		t.Errorf("env policy = %v, want warn", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	var _ net.Error = timeoutErr{}
	if !isTransient(timeoutErr{}) {
		t.Error("timeout error should be transient")
	}
	if !isTransient(errors.New("dial tcp: connection refused")) {
		t.Error("connection refused should be transient")
	}
	if isTransient(errors.New("ssh: handshake failed: permission denied")) {
		t.Error("permission denied should not be classified transient")
	}
}

func TestLimitedBuffer(t *testing.T) {
	var b limitedBuffer
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write returned (%d, %v)", n, err)
	}
	if b.String() != "hello" {
		t.Errorf("String() = %q, want hello", b.String())
	}
}

func TestOpenContextCancelledDuringRetry(t *testing.T) {
	t.Skip("requires a live or fake SSH server")
	_ = time.Second
}
