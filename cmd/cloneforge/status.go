package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryops/cloneforge/internal/model"
	"github.com/foundryops/cloneforge/internal/txn"
)

var (
	statusAll    bool
	statusActive bool
	statusFollow bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "list every recorded operation even when an operation_id is given")
	statusCmd.Flags().BoolVar(&statusActive, "active", false, "show only operations still in progress")
	statusCmd.Flags().BoolVar(&statusFollow, "follow", false, "poll until the operation reaches a terminal state")
}

var statusCmd = &cobra.Command{
	Use:   "status [operation_id]",
	Short: "Report the status of a past clone/sync operation",
	Long: `status reads the on-disk transaction log(s) under the state directory
(spec.md §6 "Persisted state layout"). Because cloneforge is a one-shot
CLI rather than a long-running daemon, in-memory operation history only
exists for the lifetime of the clone/sync invocation that produced it;
status after the fact can only see what was durably logged.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		state := stateDir()

		if len(args) == 1 && !statusAll {
			for {
				log, err := txn.ReadLog(state, args[0])
				if err != nil {
					return err
				}
				status := statusFromLog(log)
				out, err := formatter.FormatOperationStatus(status)
				if err != nil {
					return err
				}
				fmt.Print(out)

				terminal := log.Status == model.TransactionCommitted || log.Status == model.TransactionRolledBack
				if !statusFollow || terminal {
					return nil
				}
				time.Sleep(2 * time.Second)
			}
		}

		logs, err := txn.ListLogs(state)
		if err != nil {
			return err
		}
		for _, log := range logs {
			status := statusFromLog(log)
			if statusActive && status.Status != string(model.TransactionActive) && status.Status != string(model.TransactionRollingBack) {
				continue
			}
			out, err := formatter.FormatOperationStatus(status)
			if err != nil {
				return err
			}
			fmt.Print(out)
		}
		return nil
	},
}

func statusFromLog(log model.TransactionLog) model.OperationStatus {
	status := model.OperationStatus{
		OperationID:   log.TransactionID,
		OperationType: log.OperationType,
		Status:        string(log.Status),
		Created:       log.Started,
	}
	if log.Ended != nil {
		status.Completed = log.Ended
	}
	return status
}
