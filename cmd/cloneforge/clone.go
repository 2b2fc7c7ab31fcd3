package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/orchestrator"
	"github.com/foundryops/cloneforge/internal/output"
)

var (
	cloneNewName        string
	cloneForce          bool
	cloneDryRun         bool
	cloneParallel       int
	cloneVerify         bool
	clonePreserveMAC    bool
	cloneBandwidthLimit string
	cloneTimeoutSeconds int
	cloneIdempotent     bool
	cloneTransferMethod string
	cloneSSHKey         string
	cloneSSHPort        int
	cloneNetworkConfig  string
)

func init() {
	addCloneFlags(cloneCmd)
	cloneCmd.Flags().StringVar(&cloneTransferMethod, "transfer-method", "", "transfer method: rsync|stream|blocksync")
}

func addCloneFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&cloneNewName, "new-name", "", "name for the new VM (default: <vm_name>_clone)")
	cmd.Flags().BoolVar(&cloneForce, "force", false, "replace an existing destination VM")
	cmd.Flags().BoolVar(&cloneDryRun, "dry-run", false, "plan the operation without touching the destination")
	cmd.Flags().IntVar(&cloneParallel, "parallel", 0, "number of disks to transfer concurrently (1-16)")
	cmd.Flags().BoolVar(&cloneVerify, "verify", false, "verify transferred disks by SHA-256 checksum")
	cmd.Flags().BoolVar(&clonePreserveMAC, "preserve-mac", false, "keep source MAC addresses on the clone")
	cmd.Flags().StringVar(&cloneBandwidthLimit, "bandwidth-limit", "", "transfer bandwidth limit (e.g. 100M, 1G)")
	cmd.Flags().IntVar(&cloneTimeoutSeconds, "timeout", 0, "operation timeout in seconds")
	cmd.Flags().BoolVar(&cloneIdempotent, "idempotent", false, "remove an existing destination VM before cloning, so repeated runs converge")
	cmd.Flags().StringVar(&cloneSSHKey, "ssh-key", "", "SSH identity file")
	cmd.Flags().IntVar(&cloneSSHPort, "ssh-port", 0, "SSH port")
	cmd.Flags().StringVar(&cloneNetworkConfig, "network-config", "", "path to a network interface override document")
}

var cloneCmd = &cobra.Command{
	Use:   "clone <source_host> <dest_host> <vm_name>",
	Short: "Clone a VM from one host to another",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClone(cmd, args[0], args[1], args[2], false)
	},
}

func runClone(cmd *cobra.Command, sourceHost, destHost, vmName string, isSync bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := model.DefaultCloneOptions(vmName)
	opts.Parallel = cfg.Transfer.Parallel
	opts.Verify = cfg.Transfer.Verify
	opts.BandwidthLimit = cfg.Transfer.BandwidthLimit
	opts.TransferMethod = cfg.Transfer.Method
	opts.TimeoutSeconds = cfg.TimeoutSeconds

	if cloneNewName != "" {
		opts.NewName = cloneNewName
	}
	opts.Force = cloneForce
	opts.DryRun = cloneDryRun
	if cloneParallel != 0 {
		opts.Parallel = cloneParallel
	}
	if cmdFlagChanged(cmd, "verify") {
		opts.Verify = cloneVerify
	}
	opts.PreserveMAC = clonePreserveMAC
	if cloneBandwidthLimit != "" {
		opts.BandwidthLimit = cloneBandwidthLimit
	}
	if cloneTimeoutSeconds != 0 {
		opts.TimeoutSeconds = cloneTimeoutSeconds
	}
	opts.Idempotent = cloneIdempotent
	if cloneTransferMethod != "" {
		opts.TransferMethod = model.TransferMethod(cloneTransferMethod)
	}
	if isSync && cloneTransferMethod == "" {
		opts.TransferMethod = model.TransferMethodBlocksync
	}

	if err := opts.Validate(); err != nil {
		return err
	}

	req := orchestrator.Request{
		OperationID: newOperationID(),
		SourceHost:  sourceHost,
		DestHost:    destHost,
		VMName:      vmName,
		Options:     opts,
	}

	o := newOrchestrator(cfg, cloneSSHKey, cloneSSHPort)
	formatter, err := newFormatter()
	if err != nil {
		return err
	}

	ctx := context.Background()

	if opts.DryRun {
		plan, err := o.Plan(ctx, req)
		if err != nil {
			return err
		}
		return printPlan(plan)
	}

	var result model.CloneResult
	if isSync {
		result, err = o.Sync(ctx, req)
	} else {
		result, err = o.Clone(ctx, req)
	}
	if err != nil {
		if output.Format(outputFormat) == output.FormatJSON {
			if out, ferr := formatter.FormatError(errorResponseFor(req.OperationID, err)); ferr == nil {
				fmt.Print(out)
				return silentError{err}
			}
		}
		return err
	}

	out, err := formatter.FormatCloneResult(result)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func printPlan(plan orchestrator.Plan) error {
	if plan.WouldCleanup {
		fmt.Println("Dry-run: existing destination VM would be replaced first.")
	}
	for _, step := range plan.Steps {
		fmt.Printf("%s\t%d bytes\t%s\t~%.0fs\n", step.DiskPath, step.SizeBytes, step.TransferMethod, step.EstimatedSeconds)
	}
	return nil
}

func cmdFlagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}
