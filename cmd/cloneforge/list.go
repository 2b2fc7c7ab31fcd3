package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryops/cloneforge/internal/corerr"
	"github.com/foundryops/cloneforge/internal/hypervisor"
	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/transport"
)

var listStatus string

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "all", "filter by run state: all|running|stopped|paused")
}

var listCmd = &cobra.Command{
	Use:   "list <host> [host...]",
	Short: "List VMs on one or more hosts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		filter, err := parseStatusFilter(listStatus)
		if err != nil {
			return err
		}

		adapter := hypervisor.New()
		ctx := context.Background()
		var all []model.VMDescriptor
		for _, host := range args {
			conn, err := transport.Open(ctx, host, openOptionsFrom(cfg, "", 0))
			if err != nil {
				return err
			}
			vms, err := adapter.ListVMs(ctx, conn, filter)
			conn.Close()
			if err != nil {
				return err
			}
			for i := range vms {
				vms[i].Host = host
			}
			all = append(all, vms...)
		}

		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		out, err := formatter.FormatVMs(all)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func parseStatusFilter(s string) (model.RunState, error) {
	switch s {
	case "", "all":
		return "", nil
	case "running":
		return model.RunStateRunning, nil
	case "stopped":
		return model.RunStateStopped, nil
	case "paused":
		return model.RunStatePaused, nil
	default:
		return "", corerr.ValidationError(fmt.Sprintf("invalid --status value %q (valid: all, running, stopped, paused)", s))
	}
}
