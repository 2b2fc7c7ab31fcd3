package lockfile

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foundryops/cloneforge/internal/transport"
)

type fakeExec struct {
	fileContents map[string]string
	aliveErr     bool
}

func (f *fakeExec) Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error) {
	switch {
	case strings.HasPrefix(cmd, "mkdir -p"):
		return transport.ExecResult{ExitCode: 0}, nil
	case strings.HasPrefix(cmd, "cat > "):
		return transport.ExecResult{ExitCode: 0}, nil
	case strings.HasPrefix(cmd, "cat "):
		for path, contents := range f.fileContents {
			if strings.Contains(cmd, path) {
				return transport.ExecResult{ExitCode: 0, Stdout: contents}, nil
			}
		}
		return transport.ExecResult{ExitCode: 1}, nil
	case strings.HasPrefix(cmd, "kill -0"):
		if f.aliveErr {
			return transport.ExecResult{ExitCode: 1}, nil
		}
		return transport.ExecResult{ExitCode: 0}, nil
	case strings.HasPrefix(cmd, "rm -f"):
		return transport.ExecResult{ExitCode: 0}, nil
	default:
		return transport.ExecResult{ExitCode: 0}, nil
	}
}

func TestAcquireAndReleaseFreshLock(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExec{}
	conn := &transport.Connection{Host: "host2"}

	lock, err := Acquire(context.Background(), exec, conn, dir, "host2", "web-02")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
}

func TestAcquireRejectsLiveLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locks", "host2", "web-02.lock")
	exec := &fakeExec{
		fileContents: map[string]string{path: "4242\n2026-01-01T00:00:00Z\n"},
		aliveErr:     false,
	}
	conn := &transport.Connection{Host: "host2"}

	_, err := Acquire(context.Background(), exec, conn, dir, "host2", "web-02")
	if err == nil {
		t.Fatal("expected Acquire to fail against a live lock")
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locks", "host2", "web-02.lock")
	exec := &fakeExec{
		fileContents: map[string]string{path: "4242\n2020-01-01T00:00:00Z\n"},
		aliveErr:     true,
	}
	conn := &transport.Connection{Host: "host2"}

	lock, err := Acquire(context.Background(), exec, conn, dir, "host2", "web-02")
	if err != nil {
		t.Fatalf("expected Acquire to reclaim a stale lock, got: %v", err)
	}
	_ = lock.Release(context.Background())
}
