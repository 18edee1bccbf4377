// Package daemon brings up the supervisor, control, backup, and HTTP
// status components in order and tears them down on signal.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cmastudios/mcmdd/internal/backup"
	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/control"
	"github.com/cmastudios/mcmdd/internal/httpapi"
	"github.com/cmastudios/mcmdd/internal/registry"
	"github.com/cmastudios/mcmdd/internal/session"
)

// shutdownWait bounds how long a graceful stop waits for each child before
// the orchestrator falls back to killing it.
const shutdownWait = 60 * time.Second

// Daemon owns every long-lived component for one run of the process.
type Daemon struct {
	cfg *config.Config
	log *zap.Logger

	reg        *registry.Registry
	control    *control.Server
	httpServer *httpapi.Server
	backup     *backup.Scheduler
}

// New constructs a daemon from a loaded configuration. Sessions are built
// here (one per configured server id) but not started until Run.
func New(cfg *config.Config, log *zap.Logger) (*Daemon, error) {
	ids := cfg.Servers()
	if len(ids) == 0 {
		return nil, fmt.Errorf("daemon: config has no servers")
	}

	sessions := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		argv := config.Tokenize(cfg.ChildCommand(id))
		if len(argv) == 0 {
			return nil, fmt.Errorf("daemon: server %q command tokenizes to nothing", id)
		}
		sessions = append(sessions, session.New(id, cfg.ChildPath(id), argv, cfg.ChildWarmup(id), log))
	}

	reg := registry.New(sessions)

	return &Daemon{
		cfg:        cfg,
		log:        log.Named("daemon"),
		reg:        reg,
		control:    control.New(cfg, reg, log),
		httpServer: httpapi.New(cfg, reg, log),
		backup:     backup.New(cfg, reg, log),
	}, nil
}

// Run brings every component up, blocks until a shutdown signal or ctx
// cancellation, then tears everything down. It returns the exit code the
// caller should use: 1 for a signal-initiated shutdown (SIGINT graceful or
// SIGTERM emergency) or ctx cancellation.
func (d *Daemon) Run(ctx context.Context) int {
	if err := d.control.Start(); err != nil {
		d.log.Error("failed to start control listener", zap.Error(err))
		return 1
	}
	if err := d.httpServer.Start(); err != nil {
		d.log.Error("failed to start HTTP status API", zap.Error(err))
		d.control.Stop()
		return 1
	}

	supCtx, cancelSup := context.WithCancel(ctx)
	defer cancelSup()

	g, gctx := errgroup.WithContext(supCtx)
	for _, sess := range d.reg.All() {
		sess := sess
		g.Go(func() error {
			sess.Run(gctx)
			return nil
		})
	}

	backupCtx, cancelBackup := context.WithCancel(ctx)
	defer cancelBackup()
	g.Go(func() error {
		d.backup.Run(backupCtx)
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	exitCode := 0
	select {
	case sig := <-sigCh:
		exitCode = d.shutdown(sig)
	case <-ctx.Done():
		exitCode = 1
	}

	cancelBackup()
	d.control.Stop()
	d.httpServer.Stop(context.Background())
	cancelSup()
	_ = g.Wait()

	return exitCode
}

// shutdown converts the triggering signal into a graceful (SIGINT, bounded
// stop-then-kill) or emergency (SIGTERM, immediate kill) teardown of every
// child, matching the original's signal_handler distinction — but entirely
// outside the signal-delivery path itself, consumed here as a plain
// channel read (Design Notes redesign item).
func (d *Daemon) shutdown(sig os.Signal) int {
	switch sig {
	case syscall.SIGTERM:
		d.log.Warn("SIGTERM received: killing all children")
		for _, sess := range d.reg.All() {
			_ = sess.Kill(session.ExitFull)
		}
		return 1
	default:
		d.log.Info("SIGINT received: stopping all children")
		var wg sync.WaitGroup
		for _, sess := range d.reg.All() {
			sess := sess
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.StopKill(session.ExitFull, shutdownWait)
			}()
		}
		wg.Wait()
		return 1
	}
}
