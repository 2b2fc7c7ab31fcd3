package main

import (
	"github.com/spf13/cobra"
)

var (
	syncTargetName string
	syncCheckpoint string
	syncDeltaOnly  bool
)

func init() {
	addCloneFlags(syncCmd)
	syncCmd.Flags().StringVar(&syncTargetName, "target-name", "", "name of the existing destination VM to sync into")
	syncCmd.Flags().StringVar(&syncCheckpoint, "checkpoint", "", "checkpoint/snapshot name to sync from")
	syncCmd.Flags().BoolVar(&syncDeltaOnly, "delta-only", false, "transfer only blocks changed since the checkpoint")
}

var syncCmd = &cobra.Command{
	Use:   "sync <source_host> <dest_host> <vm_name>",
	Short: "Incrementally synchronize a VM's disks to an existing clone",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncTargetName != "" {
			cloneNewName = syncTargetName
		}
		// sync always targets an existing destination VM: idempotent is
		// implied so a prior partial sync's leftovers are cleaned rather
		// than rejected as a name collision.
		cloneIdempotent = true
		return runClone(cmd, args[0], args[1], args[2], true)
	},
}
