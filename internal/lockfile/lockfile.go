// Package lockfile implements the advisory lock the Clone Orchestrator
// acquires on a destination VM name for the duration of a clone or sync
// (spec.md §5, §6): a remote lock file at
// {state_dir}/locks/{dest_host}/{new_name}.lock containing the holder's
// pid and start time, reclaimed when the holding process is no longer
// alive. A local github.com/gofrs/flock lock on a file under the local
// state directory guards against two acquisitions of the same
// (dest_host, new_name) from this machine racing each other.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/foundryops/cloneforge/internal/command"
	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/transport"
)

// Executor is the Remote Transport surface the remote lock needs.
type Executor interface {
	Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error)
}

type liveExecutor struct{}

func (liveExecutor) Execute(ctx context.Context, conn *transport.Connection, cmd string, timeout time.Duration) (transport.ExecResult, error) {
	return transport.Execute(ctx, conn, cmd, timeout)
}

// LiveExecutor is the Executor backed by the real Remote Transport.
var LiveExecutor Executor = liveExecutor{}

// Lock represents one held advisory lock. Release must be called
// exactly once to clean up both the local and remote components.
type Lock struct {
	path     string
	conn     *transport.Connection
	exec     Executor
	local    *flock.Flock
	pid      int
}

func lockPath(stateDir, destHost, newName string) string {
	return fmt.Sprintf("%s/locks/%s/%s.lock", strings.TrimRight(stateDir, "/"), destHost, newName)
}

// Acquire takes the advisory lock for (destHost, newName), reclaiming a
// stale lock (no live process) if one is found. A local flock fast path
// on the same path prevents two goroutines in this process from racing
// to create the remote lock file concurrently.
func Acquire(ctx context.Context, exec Executor, conn *transport.Connection, stateDir, destHost, newName string) (*Lock, error) {
	if exec == nil {
		exec = LiveExecutor
	}
	path := lockPath(stateDir, destHost, newName)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "LockError",
			"failed to create local lock directory", err)
	}
	local := flock.New(path + ".local")
	locked, err := local.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeGeneral, corerr.CategorySystem, "LockError",
			"failed to acquire local lock", err)
	}
	if !locked {
		return nil, corerr.ValidationError(fmt.Sprintf("lock for %s:%s is already held by this process", destHost, newName))
	}

	mkdirCmd, err := command.Mkdir(strings.TrimSuffix(path, "/"+newName+".lock"), nil)
	if err != nil {
		local.Unlock()
		return nil, err
	}
	if _, err := exec.Execute(ctx, conn, mkdirCmd, 10*time.Second); err != nil {
		local.Unlock()
		return nil, err
	}

	if held, holderPID := remoteLockHeld(ctx, exec, conn, path); held {
		local.Unlock()
		return nil, corerr.ValidationError(fmt.Sprintf("destination %s:%s is locked by pid %d", destHost, newName, holderPID))
	}

	pid := currentPID()
	content := fmt.Sprintf("%d\n%s\n", pid, time.Now().UTC().Format(time.RFC3339))
	writeCmd, err := command.Safe("cat > {path} << 'LOCKEOF'\n"+content+"LOCKEOF", map[string]string{"path": path})
	if err != nil {
		local.Unlock()
		return nil, err
	}
	if _, err := exec.Execute(ctx, conn, writeCmd, 10*time.Second); err != nil {
		local.Unlock()
		return nil, err
	}

	return &Lock{path: path, conn: conn, exec: exec, local: local, pid: pid}, nil
}

// remoteLockHeld reads an existing lock file (if any) and checks
// whether the recorded pid is still alive on the destination host via
// `kill -0`. A lock whose process is gone is considered stale and
// reclaimable.
func remoteLockHeld(ctx context.Context, exec Executor, conn *transport.Connection, path string) (bool, int) {
	readCmd := fmt.Sprintf("cat %s 2>/dev/null", shQuote(path))
	res, err := exec.Execute(ctx, conn, readCmd, 10*time.Second)
	if err != nil || res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return false, 0
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return false, 0
	}
	aliveCmd := fmt.Sprintf("kill -0 %d 2>/dev/null", pid)
	aliveRes, err := exec.Execute(ctx, conn, aliveCmd, 10*time.Second)
	if err != nil {
		return false, 0
	}
	return aliveRes.ExitCode == 0, pid
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Release removes the remote lock file and releases the local fast-path
// lock. Safe to call once; calling it after failed acquisition attempts
// is not required.
func (l *Lock) Release(ctx context.Context) error {
	rmCmd, err := command.RmFile(l.path, nil)
	if err == nil {
		_, _ = l.exec.Execute(ctx, l.conn, rmCmd, 10*time.Second)
	}
	if l.local != nil {
		if err := l.local.Unlock(); err != nil {
			return err
		}
	}
	return nil
}
