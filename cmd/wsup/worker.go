package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup"
	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"git.unix.lgbt/wrk/wsup/wsup/exec"
	"git.unix.lgbt/wrk/wsup/wsup/journal"
	"git.unix.lgbt/wrk/wsup/wsup/keymgr"
	"git.unix.lgbt/wrk/wsup/wsup/privdrop"
	"git.unix.lgbt/wrk/wsup/wsup/shm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// controlFD and shmFD are the fixed positions StartWorker's ExtraFiles
// convention puts the control socketpair and the shared memory memfd at,
// immediately after stdin/stdout/stderr. Every role, siblings included,
// receives both and attaches the region.
const (
	controlFD = 3
	shmFD     = 4
)

func newWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    wsup.ReexecFlag,
		Short:  "Internal worker/sibling entry point, not for direct use",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, _ := cmd.Flags().GetInt("slot")
			id, _ := cmd.Flags().GetInt("id")
			cpu, _ := cmd.Flags().GetInt("cpu")
			role, _ := cmd.Flags().GetString("role")
			restarted, _ := cmd.Flags().GetBool("restarted")
			poolSize, _ := cmd.Flags().GetInt("pool-size")
			return runWorker(slot, id, cpu, role, restarted, poolSize)
		},
	}

	flags := cmd.Flags()
	flags.Int("slot", 0, "shared-memory record slot index")
	flags.Int("id", 0, "worker id, or the negative sibling role id")
	flags.Int("cpu", 0, "cpu index this slot pins to")
	flags.String("role", "network", "network, keymgr, or acme")
	flags.Bool("restarted", false, "true if the supervisor respawned this slot after a crash")
	flags.Int("pool-size", 1, "total network worker count, for the solo-lock-bypass threshold")

	return cmd
}

func runWorker(slot, id, cpuIdx int, role string, restarted bool, poolSize int) error {
	region, err := shm.Attach(uintptr(shmFD), poolSize+2)
	if err != nil {
		return errors.Wrap(err, "wsup worker: attach shared region")
	}

	record := region.Records.Slot(slot)
	record.Init(int32(id), int32(cpuIdx))
	if restarted {
		record.SetRestarted(true)
	}

	controlSock := os.NewFile(controlFD, "wsup-control")
	conn := bus.NewConn(controlSock)
	self := bus.Dest(id)
	wb := bus.NewWorkerBus(self, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	switch role {
	case "keymgr":
		go terminateOnSignal(sigCh, cancel)
		return runKeymgrSibling(ctx, wb)
	case "acme":
		go terminateOnSignal(sigCh, cancel)
		return runACMESibling(ctx, wb)
	default:
		return runNetworkWorker(ctx, cancel, sigCh, wb, region, record, cpuIdx, poolSize)
	}
}

// terminateOnSignal cancels ctx on every signal that means "stop", draining
// but otherwise ignoring SIGHUP: neither sibling has a reload behavior, so
// there is nothing for it to do here beyond not falling through to Go's
// default disposition, which would terminate the process.
func terminateOnSignal(ch <-chan os.Signal, cancel context.CancelFunc) {
	for sig := range ch {
		switch sig {
		case os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT:
			cancel()
		}
	}
}

func runKeymgrSibling(ctx context.Context, wb *bus.WorkerBus) error {
	m := keymgr.NewManager("/etc/wsup/certs", wb, nil)
	go wb.Run(ctx)
	return m.Run(ctx)
}

func runACMESibling(ctx context.Context, wb *bus.WorkerBus) error {
	a := keymgr.NewACME("/etc/wsup/challenges", wb, nil)
	go wb.Run(ctx)
	return a.Run(ctx)
}

// runNetworkWorker drops privileges, then runs the spec.md §4.D main loop
// on a fixed 10ms ticker. NetWait's computed intervals are not consulted:
// every tick runs one Round regardless of them.
func runNetworkWorker(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal, wb *bus.WorkerBus, region *shm.Region, record shm.WorkerRecord, cpuIdx, poolSize int) error {
	if _, err := privdrop.Drop(privdrop.Options{
		SkipRunAs:  true, // resolved from config in a full deployment; this entry point keeps the flag surface minimal
		SkipChroot: true,
		CPU:        cpuIdx,
	}); err != nil {
		return errors.Wrap(err, "wsup worker: drop privileges")
	}
	if err := exec.MarkSubreaper(); err != nil {
		return errors.Wrap(err, "wsup worker: mark subreaper")
	}

	j := journal.NewHumanWriter(nil)
	certs := keymgr.NewRegistry()

	rt := wsup.NewWorkerRuntime(record, region.Lock, poolSize, 512, 0, false)
	rt.Bus = wb
	rt.KeymgrActive = true
	rt.Teardown = func() {
		wb.Send(bus.DestParent, bus.KindShutdown, nil)
	}

	// dropped journals exactly one EventKeymgrMessageDropped per malformed
	// or invalid payload (spec.md §4.F/§8's round-trip property).
	dropped := func(kind string, reason error) {
		j.Write(&wsup.EventKeymgrMessageDropped{Kind: kind, Reason: reason.Error()})
	}

	// trackHandler records h's kind as the slot's active handler before
	// running it, so a handler that itself crashes still leaves its name
	// behind for the post-mortem read.
	trackHandler := func(kind string, h bus.Handler) bus.Handler {
		return func(hdr bus.Header, body []byte) {
			record.SetLastHandler(kind)
			h(hdr, body)
		}
	}

	decodeKeymgr := func(kind string, wantLen int, body []byte) (bus.KeymgrPayload, bool) {
		var p bus.KeymgrPayload
		if err := json.Unmarshal(body, &p); err != nil {
			dropped(kind, err)
			return bus.KeymgrPayload{}, false
		}
		if err := p.Validate(wantLen); err != nil {
			dropped(kind, err)
			return bus.KeymgrPayload{}, false
		}
		return p, true
	}

	wb.Register(bus.KindCertificate, trackHandler(bus.KindCertificate, func(h bus.Header, body []byte) {
		if p, ok := decodeKeymgr(bus.KindCertificate, 0, body); ok {
			certs.SetCert(p.Domain, p.Data)
		}
	}))
	wb.Register(bus.KindCRL, trackHandler(bus.KindCRL, func(h bus.Header, body []byte) {
		if p, ok := decodeKeymgr(bus.KindCRL, 0, body); ok {
			certs.SetCRL(p.Domain, p.Data)
		}
	}))
	wb.Register(bus.KindEntropyResp, trackHandler(bus.KindEntropyResp, func(h bus.Header, body []byte) {}))
	wb.Register(bus.KindACMESetCert, trackHandler(bus.KindACMESetCert, func(h bus.Header, body []byte) {
		if p, ok := decodeKeymgr(bus.KindACMESetCert, 0, body); ok {
			certs.SetChallengeCert(p.Domain, p.Data)
		}
	}))
	wb.Register(bus.KindACMEClearCert, trackHandler(bus.KindACMEClearCert, func(h bus.Header, body []byte) {
		if p, ok := decodeKeymgr(bus.KindACMEClearCert, 0, body); ok {
			certs.ClearChallengeCert(p.Domain)
		}
	}))
	wb.Register(bus.KindAcceptAvailable, trackHandler(bus.KindAcceptAvailable, func(h bus.Header, body []byte) {
		rt.NotifyAcceptAvailable()
	}))

	go func() {
		for sig := range sigCh {
			rt.NotifySignal(sig)
		}
	}()

	busDone := make(chan error, 1)
	go func() { busDone <- wb.Run(ctx) }()

	// Only a respawned slot needs a fresh certificate push; a freshly
	// initialized worker gets one as part of the key manager's own
	// startup broadcast.
	if record.Restarted() {
		wb.Send(bus.Dest(shm.RoleKeyManager), bus.KindCertificateReq, nil)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-busDone:
			return nil
		case now := <-ticker.C:
			if quit := rt.Round(now); quit {
				cancel()
				return nil
			}
			rt.MarkRoundComplete()
		}
	}
}
