package main

import (
	"fmt"

	"git.unix.lgbt/wrk/wsup/wsup/admin"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every worker/sibling slot's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := dialAdmin(admin.Request{Cmd: "status"})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s", resp.Message)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-6s %-8s %-8s %-8s %-8s %-10s\n", "SLOT", "ROLE", "PID", "RUNNING", "HASLOCK", "RESTARTED")
			for _, w := range resp.Workers {
				fmt.Fprintf(out, "%-6d %-8s %-8d %-8t %-8t %-10t\n", w.Slot, w.Role, w.PID, w.Running, w.HasLock, w.Restarted)
			}
			return nil
		},
	}
}
