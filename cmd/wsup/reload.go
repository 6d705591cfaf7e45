package main

import (
	"fmt"

	"git.unix.lgbt/wrk/wsup/wsup/admin"
	"git.unix.lgbt/wrk/wsup/wsup/config"
	"github.com/spf13/cobra"
)

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running supervisor to SIGHUP every worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := dialAdmin(admin.Request{Cmd: "reload"})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

// dialAdmin resolves just the admin socket path (file/env, same precedence
// as the full config) without running Validate, since a client invocation
// has no business requiring runas_user/root_path the way "wsup run" does.
func dialAdmin(req admin.Request) (admin.Response, error) {
	v, err := config.New(cfgFile, nil)
	if err != nil {
		return admin.Response{}, err
	}
	return admin.Dial(v.GetString("admin_socket"), req)
}
