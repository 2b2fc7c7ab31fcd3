// Package command implements the Secure Command Builder: it assembles
// the shell command strings every other component hands to the Remote
// Transport for execution. Every value that reaches a command line here
// is single-quoted, and paths, hosts, VM names and bandwidths are
// validated first. A few fixed-shape probes are assembled by their
// callers instead: the lock-file read and `kill -0` check in
// internal/lockfile, and the `test -f` and `sha256sum` commands in
// internal/transfer, which single-quote their path arguments themselves.
package command

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/pathsafe"
)

var (
	hostnamePattern   = regexp.MustCompile(`^[A-Za-z0-9.-]{1,255}$`)
	bandwidthPattern  = regexp.MustCompile(`^\d+[KMGT]?$`)
	snapshotPattern   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// virshSubcommands is the whitelist of subcommands Virsh will build a
// command line for. Anything else is a ValidationError.
var virshSubcommands = map[string]bool{
	"dumpxml":        true,
	"define":         true,
	"undefine":       true,
	"destroy":        true,
	"shutdown":       true,
	"start":          true,
	"list":           true,
	"domstate":       true,
	"domuuid":        true,
	"snapshot-create-as": true,
	"snapshot-delete": true,
	"snapshot-list":  true,
	"pool-list":      true,
	"pool-refresh":   true,
	"pool-info":      true,
	"vol-list":       true,
}

// quote single-quotes s per POSIX shell rules, escaping embedded single
// quotes as '\''.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ValidateVMName applies C1's VM-name validation rule, returning a
// tagged ValidationError on failure.
func ValidateVMName(name string) error {
	if err := model.ValidateVMName(name); err != nil {
		return corerr.InvalidVMName(name).WithRemediation(
			"VM names must match ^[A-Za-z0-9_-]{1,64}$ and not be a reserved word.")
	}
	return nil
}

// ValidateHostname applies C1's hostname validation rule: either the
// shell-config pattern or a valid IPv4/IPv6 literal.
func ValidateHostname(host string) error {
	if hostnamePattern.MatchString(host) {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	return corerr.InvalidHost(host)
}

// ValidatePath applies C1's path validation rule: absolute, no ".."
// segment after normalization, and (when bases is non-empty) resolving
// under one of the caller-declared base directories.
func ValidatePath(path string, bases []string) error {
	if !pathsafe.IsAbsoluteClean(path) {
		return corerr.InvalidPath(path)
	}
	if !pathsafe.UnderAnyBase(path, bases) {
		return corerr.InvalidPath(path).WithRemediation(
			fmt.Sprintf("path must resolve under one of: %s", strings.Join(bases, ", ")))
	}
	return nil
}

// ValidatePort applies C1's port validation rule: 1..65535.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return corerr.InvalidPort(port)
	}
	return nil
}

// ValidateBandwidth applies C1's bandwidth validation rule.
func ValidateBandwidth(bw string) error {
	if bw == "" {
		return nil
	}
	if !bandwidthPattern.MatchString(bw) {
		return corerr.InvalidBandwidth(bw)
	}
	return nil
}

func validateSnapshotName(name string) error {
	if !snapshotPattern.MatchString(name) {
		return corerr.ValidationError(fmt.Sprintf("invalid snapshot name %q: must match %s", name, snapshotPattern.String()))
	}
	return nil
}

// Safe interpolates params into template, replacing each `{key}`
// placeholder with the quoted value of params[key]. It refuses any
// placeholder with no corresponding key.
func Safe(template string, params map[string]string) (string, error) {
	placeholder := regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
	var missing string
	result := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := params[key]
		if !ok {
			missing = key
			return m
		}
		return quote(v)
	})
	if missing != "" {
		return "", corerr.ValidationError(fmt.Sprintf("safe template references unknown placeholder %q", missing))
	}
	return result, nil
}

// RsyncOptions configures the rsync command line Rsync builds.
type RsyncOptions struct {
	Bandwidth string // bytes-per-second suffix string ("100M"); empty means unlimited.
}

// Rsync builds an rsync invocation transferring sourcePath (local to the
// command's execution host) to destHost:destPath.
func Rsync(sourcePath, destPath, destHost string, opts RsyncOptions, pathBases []string) (string, error) {
	if err := ValidatePath(sourcePath, pathBases); err != nil {
		return "", err
	}
	if err := ValidatePath(destPath, pathBases); err != nil {
		return "", err
	}
	if err := ValidateHostname(destHost); err != nil {
		return "", err
	}
	if err := ValidateBandwidth(opts.Bandwidth); err != nil {
		return "", err
	}

	args := []string{"rsync", "-avS", "--partial", "--inplace", "--progress"}
	if opts.Bandwidth != "" && opts.Bandwidth != "0" {
		kbps, err := model.KBpsBandwidthLimit(opts.Bandwidth)
		if err != nil {
			return "", corerr.InvalidBandwidth(opts.Bandwidth)
		}
		args = append(args, fmt.Sprintf("--bwlimit=%d", kbps))
	}
	args = append(args, quote(sourcePath), quote(destHost+":"+destPath))
	return strings.Join(args, " "), nil
}

// Virsh builds a `virsh <subcommand> <args...>` invocation. subcommand
// must be whitelisted; args are quoted verbatim (callers are expected to
// have validated them with the appropriate Validate* helper already,
// e.g. ValidateVMName for a domain name argument).
func Virsh(subcommand string, args ...string) (string, error) {
	if !virshSubcommands[subcommand] {
		return "", corerr.ValidationError(fmt.Sprintf("virsh subcommand %q is not whitelisted", subcommand))
	}
	parts := []string{"virsh", subcommand}
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " "), nil
}

// RmFile builds `rm -f <path>`, requiring path to validate under bases.
func RmFile(path string, bases []string) (string, error) {
	if err := ValidatePath(path, bases); err != nil {
		return "", err
	}
	return "rm -f " + quote(path), nil
}

// RmDirectory builds `rm -rf <path>`, requiring path to validate under bases.
func RmDirectory(path string, bases []string) (string, error) {
	if err := ValidatePath(path, bases); err != nil {
		return "", err
	}
	return "rm -rf " + quote(path), nil
}

// MoveFile builds `mv <src> <dst>`, requiring both paths to validate.
func MoveFile(src, dst string, bases []string) (string, error) {
	if err := ValidatePath(src, bases); err != nil {
		return "", err
	}
	if err := ValidatePath(dst, bases); err != nil {
		return "", err
	}
	return "mv " + quote(src) + " " + quote(dst), nil
}

// Mkdir builds `mkdir -p <path>`, requiring path to validate under bases.
func Mkdir(path string, bases []string) (string, error) {
	if err := ValidatePath(path, bases); err != nil {
		return "", err
	}
	return "mkdir -p " + quote(path), nil
}

// VirshDestroy builds the force-stop command for name.
func VirshDestroy(name string) (string, error) {
	if err := ValidateVMName(name); err != nil {
		return "", err
	}
	return Virsh("destroy", name)
}

// VirshUndefine builds the definition-removal command for name.
// removeSnapshots removes any associated snapshot metadata as well.
func VirshUndefine(name string, removeSnapshots bool) (string, error) {
	if err := ValidateVMName(name); err != nil {
		return "", err
	}
	if removeSnapshots {
		return Virsh("undefine", name, "--snapshots-metadata")
	}
	return Virsh("undefine", name)
}

// SnapshotCreate builds the snapshot-create-as command line.
func SnapshotCreate(vmName, snapshotName string) (string, error) {
	if err := ValidateVMName(vmName); err != nil {
		return "", err
	}
	if err := validateSnapshotName(snapshotName); err != nil {
		return "", err
	}
	return Virsh("snapshot-create-as", vmName, snapshotName, "--disk-only", "--atomic")
}

// SnapshotDelete builds the snapshot-delete command line.
func SnapshotDelete(vmName, snapshotName string) (string, error) {
	if err := ValidateVMName(vmName); err != nil {
		return "", err
	}
	if err := validateSnapshotName(snapshotName); err != nil {
		return "", err
	}
	return Virsh("snapshot-delete", vmName, snapshotName)
}

// Blocksync builds the block-hash-diff transfer command line described
// in spec.md §4.4. toolPath is the path to the block-hash-diff tool
// (resolved by the Transfer Engine via `command -v` before calling this).
func Blocksync(toolPath, sourcePath, destHost, destPath string, opts RsyncOptions, pathBases []string) (string, error) {
	if err := ValidatePath(sourcePath, pathBases); err != nil {
		return "", err
	}
	if err := ValidatePath(destPath, pathBases); err != nil {
		return "", err
	}
	if err := ValidateHostname(destHost); err != nil {
		return "", err
	}
	if err := ValidateBandwidth(opts.Bandwidth); err != nil {
		return "", err
	}
	args := []string{quote(toolPath), quote(sourcePath), quote(destHost + ":" + destPath)}
	if opts.Bandwidth != "" && opts.Bandwidth != "0" {
		args = append(args, "--bwlimit="+quote(opts.Bandwidth))
	}
	return strings.Join(args, " "), nil
}

// ProbeTool builds a `command -v <name>` invocation used to check
// whether an external tool (blocksync's differential helper, qemu-img)
// exists on a host before relying on it.
func ProbeTool(name string) (string, error) {
	if !regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`).MatchString(name) {
		return "", corerr.ValidationError(fmt.Sprintf("invalid tool name %q", name))
	}
	return "command -v " + quote(name), nil
}

// QemuImgCreate builds a `qemu-img create -f <format> <path> <sizeBytes>`
// invocation, following the argument-assembly idiom the teacher used for
// local qemu-img calls, now emitted as a remote command-line string.
func QemuImgCreate(path string, format model.DiskFormat, sizeBytes int64, bases []string) (string, error) {
	if err := ValidatePath(path, bases); err != nil {
		return "", err
	}
	if sizeBytes <= 0 {
		return "", corerr.ValidationError(fmt.Sprintf("qemu-img create: size must be > 0, got %d", sizeBytes))
	}
	return fmt.Sprintf("qemu-img create -f %s %s %s", quote(string(format)), quote(path), strconv.FormatInt(sizeBytes, 10)), nil
}

// QemuImgInfo builds a `qemu-img info --output=json <path>` invocation.
func QemuImgInfo(path string, bases []string) (string, error) {
	if err := ValidatePath(path, bases); err != nil {
		return "", err
	}
	return "qemu-img info --output=json " + quote(path), nil
}
