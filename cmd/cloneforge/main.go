// Command cloneforge is the thin CLI front end over the clone/sync core:
// it resolves flags/environment/config into the core's typed inputs,
// drives internal/orchestrator, and renders the result through
// internal/output (spec.md §6).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foundryops/cloneforge/internal/corerr"
)

var (
	version = "dev"
	commit  = "unknown"
)

// envPrefix is the variable prefix spec.md §6 names as `*_` (e.g.
// CLONEFORGE_SSH_KEY_PATH).
const envPrefix = "CLONEFORGE"

func main() {
	if err := rootCmd.Execute(); err != nil {
		if _, silent := err.(silentError); !silent {
			fmt.Fprintln(os.Stderr, "Error:", err.Error())
			printRemediation(err)
		}
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps err onto the process exit codes from spec.md §6.
func exitCodeFor(err error) int {
	var cerr *corerr.Error
	if errors.As(err, &cerr) {
		return cerr.Code.ExitCode()
	}
	return 1
}

func printRemediation(err error) {
	var cerr *corerr.Error
	if !errors.As(err, &cerr) || len(cerr.Remediation) == 0 {
		return
	}
	for i, step := range cerr.Remediation {
		fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, step)
	}
}

var (
	cfgFile      string
	outputFormat string
	noHeaders    bool
)

var rootCmd = &cobra.Command{
	Use:   "cloneforge",
	Short: "Clone and synchronize libvirt/KVM virtual machines between hosts",
	Long: `cloneforge clones and incrementally synchronizes libvirt/KVM virtual
machines between two remote hosts reachable over SSH, driving virsh and
qemu-img on each host through an authenticated shell session.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (overrides search path)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "table", "output format: table|list|json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "omit table header row")

	rootCmd.AddCommand(cloneCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}
