package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"git.unix.lgbt/wrk/wsup/wsup"
	"git.unix.lgbt/wrk/wsup/wsup/admin"
	"git.unix.lgbt/wrk/wsup/wsup/config"
	"git.unix.lgbt/wrk/wsup/wsup/journal"
	"git.unix.lgbt/wrk/wsup/wsup/metrics"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd)
		},
	}

	// Flag names match package config's mapstructure tags exactly (rather
	// than the usual dash-separated cobra convention) so viper.BindPFlags
	// can bind them directly without a second name-translation layer.
	flags := cmd.Flags()
	flags.Int("worker_count", 0, "number of network workers (0 = detected CPU count)")
	flags.String("runas_user", "", "unprivileged user workers drop to")
	flags.String("root_path", "", "chroot target for workers")
	flags.Bool("keymgr_enabled", false, "spawn the key-manager sibling")
	flags.Bool("acme_enabled", false, "spawn the ACME sibling (requires keymgr_enabled)")
	flags.String("metrics_addr", "", "address to serve Prometheus metrics on (empty disables)")

	return cmd
}

func runSupervisor(cmd *cobra.Command) error {
	v, err := config.New(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	j, err := journal.NewFileLockJournaler(cfg.JournalPath)
	if err != nil {
		if errors.Is(err, journal.ErrLockedElsewhere) {
			fmt.Fprintln(os.Stderr, "wsup: a supervisor is already running against this journal")
			return nil
		}
		return errors.Wrap(err, "wsup: acquire journal lock")
	}
	defer j.Close()

	journaler := journal.NewMultiWriter(j, journal.NewHumanWriter(logrus.StandardLogger()))

	var m *metrics.Metrics
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		metricsSrv, err = m.Listen(cfg.MetricsAddr)
		if err != nil {
			return errors.Wrap(err, "wsup: start metrics listener")
		}
		go metricsSrv.Serve()
		defer metricsSrv.Shutdown(context.Background())
	}

	detectedCPUs, err := cpu.Counts(true)
	if err != nil || detectedCPUs < 1 {
		detectedCPUs = 1
	}

	sup := wsup.NewSupervisor(cfg, journaler, m)

	ctx := context.Background()
	if err := sup.Initialize(ctx, detectedCPUs); err != nil {
		return errors.Wrap(err, "wsup: initialize")
	}

	var adminLn net.Listener
	if cfg.AdminSocket != "" {
		os.MkdirAll(filepath.Dir(cfg.AdminSocket), 0o750)
		os.Remove(cfg.AdminSocket)
		adminLn, err = net.Listen("unix", cfg.AdminSocket)
		if err != nil {
			return errors.Wrap(err, "wsup: listen on admin socket")
		}
		defer adminLn.Close()
		go admin.Serve(adminLn, sup.AdminHandler())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			sup.DispatchSignal(sig)
			continue
		}
		return sup.Shutdown(context.Background(), "received "+sig.String())
	}
	return nil
}
