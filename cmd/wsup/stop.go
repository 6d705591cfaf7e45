package main

import (
	"fmt"

	"git.unix.lgbt/wrk/wsup/wsup/admin"
	"github.com/spf13/cobra"
)

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running supervisor to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := dialAdmin(admin.Request{Cmd: "stop"})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}
