// Command wsup is the worker-supervision and accept-arbitration core's CLI:
// "wsup run" starts the foreground supervisor, "wsup worker" is the hidden
// internal re-exec entry point every slot's child process is launched with,
// and "wsup reload"/"wsup stop"/"wsup status" talk to a running supervisor
// over its admin socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "wsup",
		Short: "Worker supervision and accept-arbitration core",
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to wsup.yaml")

	root.AddCommand(newRunCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newReloadCommand())
	root.AddCommand(newStopCommand())
	root.AddCommand(newStatusCommand())

	return root
}
