// Zino daemon: a stateful SNMP monitor for backbone routers. It polls the
// devices in the pollfile, turns state transitions into operator-visible
// events, and serves the legacy command and notify protocols.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gozino/internal/config"
	"github.com/dantte-lp/gozino/internal/device"
	"github.com/dantte-lp/gozino/internal/event"
	"github.com/dantte-lp/gozino/internal/flap"
	zinometrics "github.com/dantte-lp/gozino/internal/metrics"
	"github.com/dantte-lp/gozino/internal/pm"
	"github.com/dantte-lp/gozino/internal/scheduler"
	"github.com/dantte-lp/gozino/internal/server"
	"github.com/dantte-lp/gozino/internal/snmp"
	"github.com/dantte-lp/gozino/internal/state"
	"github.com/dantte-lp/gozino/internal/tasks"
	"github.com/dantte-lp/gozino/internal/trapd"
	appversion "github.com/dantte-lp/gozino/internal/version"
)

// shutdownTimeout bounds the metrics server drain during shutdown.
const shutdownTimeout = 10 * time.Second

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	pollFile := flag.String("polldevs", "", "path to the pollfile (overrides config)")
	configFile := flag.String("config-file", "", "path to the TOML configuration file")
	debug := flag.Bool("debug", false, "force debug logging")
	stopIn := flag.Int("stop-in", 0, "exit cleanly after this many seconds (testing aid)")
	trapPort := flag.Int("trap-port", 0, "UDP port for trap reception (overrides config)")
	runAs := flag.String("user", "", "drop privileges to this user after startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("zino"))
		return exitOK
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.Any("error", err))
		return exitConfig
	}
	if *pollFile != "" {
		cfg.Polling.File = *pollFile
	}
	if *trapPort != 0 {
		cfg.SNMP.Trap.Port = *trapPort
	}
	if *runAs != "" {
		cfg.Process.User = *runAs
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	if *debug {
		logLevel.Set(slog.LevelDebug)
	}
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("zino starting",
		slog.String("version", appversion.Version),
		slog.String("pollfile", cfg.Polling.File),
		slog.String("api_addr", cfg.Server.APIAddr),
		slog.String("notify_addr", cfg.Server.NotifyAddr),
		slog.Int("trap_port", cfg.SNMP.Trap.Port))

	devices, err := config.ParsePollFile(cfg.Polling.File)
	if err != nil {
		logger.Error("cannot parse pollfile", slog.Any("error", err))
		return exitConfig
	}

	if err := dropPrivileges(cfg.Process.User, logger); err != nil {
		logger.Error("cannot drop privileges", slog.Any("error", err))
		return exitConfig
	}

	if err := runDaemon(cfg, devices, logger, *stopIn); err != nil {
		logger.Error("zino exited with error", slog.Any("error", err))
		if isBindError(err) {
			return exitBind
		}
		return exitConfig
	}

	logger.Info("zino stopped")
	return exitOK
}

// runDaemon builds the stores and servers, restores the state snapshot and
// runs everything under one errgroup until a signal or the stop-in timer.
func runDaemon(cfg *config.Config, devices []config.PollDevice,
	logger *slog.Logger, stopIn int) error {

	events := event.NewStore()
	registry := device.NewRegistry()
	pms := pm.NewStore()
	// Every commit re-checks active maintenance windows, so events that
	// start matching mid-life still get annotated.
	events.SetPrepareHook(pms.Annotate)
	flaps := flap.NewTracker(cfg.Flapping)
	sched := scheduler.New(time.Duration(cfg.Scheduler.MisfireGraceTime)*time.Second, logger)

	manager := tasks.NewManager(tasks.Options{
		Registry:                   registry,
		Events:                     events,
		Flaps:                      flaps,
		PMs:                        pms,
		Scheduler:                  sched,
		Logger:                     logger,
		MakeEventsForNewInterfaces: cfg.Event.MakeEventsForNewInterfaces,
	})
	defer manager.Close()

	persister := state.NewPersister(cfg.Persistence.File,
		time.Duration(cfg.Persistence.Period)*time.Minute, logger,
		events, registry, pms, flaps)

	// Seed the registry before restore so imports know which devices exist.
	added, removed := registry.Update(devices)

	snap, err := state.Load(cfg.Persistence.File)
	if err != nil {
		return fmt.Errorf("load state snapshot: %w", err)
	}
	persister.Restore(snap)

	manager.SyncDevices(added, removed)

	notifySrv := server.NewNotifyServer(cfg.Server.NotifyAddr, cfg.Server.NotifyQueueSize, logger)
	events.RegisterObserver(notifySrv.ObserveEvent)

	apiSrv := server.NewAPIServer(server.Options{
		Config:      cfg.Server,
		SecretsFile: cfg.Authentication.File,
		Logger:      logger,
		Events:      events,
		PMs:         pms,
		Registry:    registry,
		Flaps:       flaps,
		Poller:      manager,
		Notify:      notifySrv,
	})

	receiver := trapd.New(cfg.SNMP.Trap, registry, events, manager, logger)
	archiver := event.NewArchiver(cfg.Archiving.OldEventsDir, logger)

	reg := prometheus.NewRegistry()
	zinometrics.NewCollector(reg, zinometrics.Sources{
		Events:      events,
		Registry:    registry,
		PMs:         pms,
		Scheduler:   sched,
		Traps:       receiver.Stats(),
		NotifyDrops: notifySrv.OverflowDrops,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if stopIn > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(stopIn)*time.Second)
		defer cancel()
		logger.Info("stop timer armed", slog.Int("seconds", stopIn))
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gCtx) })
	g.Go(func() error { return ignoreCanceled(apiSrv.Run(gCtx)) })
	g.Go(func() error { return ignoreCanceled(notifySrv.Run(gCtx)) })
	g.Go(func() error { return ignoreCanceled(receiver.Run(gCtx)) })
	g.Go(func() error { return ignoreCanceled(persister.Run(gCtx)) })
	g.Go(func() error { archiver.Run(gCtx, events); return nil })
	g.Go(func() error { return runPollfileWatcher(gCtx, cfg, registry, manager, logger) })
	g.Go(func() error { return runPMExpiry(gCtx, pms, logger) })
	g.Go(func() error { return runWatchdog(gCtx, logger) })

	if cfg.SNMP.Agent.Enabled {
		agent := snmp.NewAgent(cfg.SNMP.Agent, logger)
		g.Go(func() error { return ignoreCanceled(agent.Run(gCtx)) })
	}
	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error { return serveHTTP(gCtx, metricsSrv, cfg.Metrics.Addr) })
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	startSIGHUPHandler(gCtx, g, cfg, registry, manager, logger)

	notifyReady(logger)
	err = g.Wait()
	notifyStopping(logger)
	return err
}

// ignoreCanceled maps the cooperative-shutdown error to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// isBindError reports whether the error chain contains a failed listen.
func isBindError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "listen"
}

// -------------------------------------------------------------------------
// Periodic loops
// -------------------------------------------------------------------------

// runPollfileWatcher re-reads the pollfile when its modification time moves
// and reconciles the registry and the scheduled jobs. Parse failures at
// runtime keep the previous device set.
func runPollfileWatcher(ctx context.Context, cfg *config.Config,
	registry *device.Registry, manager *tasks.Manager, logger *slog.Logger) error {

	interval := time.Duration(cfg.Polling.Period) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(cfg.Polling.File); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(cfg.Polling.File)
		if err != nil {
			logger.Warn("cannot stat pollfile", slog.Any("error", err))
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		lastMod = info.ModTime()

		devices, err := config.ParsePollFile(cfg.Polling.File)
		if err != nil {
			logger.Warn("pollfile reload failed, keeping previous device set",
				slog.Any("error", err))
			continue
		}
		added, removed := registry.Update(devices)
		manager.SyncDevices(added, removed)
		logger.Info("pollfile reloaded",
			slog.Int("devices", registry.Len()),
			slog.Int("added", len(added)),
			slog.Int("removed", len(removed)))
	}
}

// runPMExpiry removes planned maintenance windows past their grace period.
func runPMExpiry(ctx context.Context, pms *pm.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, id := range pms.Expire(now) {
				logger.Info("planned maintenance expired", slog.Int("pm", id))
			}
		}
	}
}

// startSIGHUPHandler reloads the pollfile and log level on SIGHUP.
func startSIGHUPHandler(ctx context.Context, g *errgroup.Group, cfg *config.Config,
	registry *device.Registry, manager *tasks.Manager, logger *slog.Logger) {

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading pollfile")
				devices, err := config.ParsePollFile(cfg.Polling.File)
				if err != nil {
					logger.Error("pollfile reload failed, keeping current device set",
						slog.Any("error", err))
					continue
				}
				added, removed := registry.Update(devices)
				manager.SyncDevices(added, removed)
				logger.Info("pollfile reloaded",
					slog.Int("added", len(added)),
					slog.Int("removed", len(removed)))
			}
		}
	})
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("failed to notify systemd readiness", slog.Any("error", err))
	} else if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Warn("failed to notify systemd stopping", slog.Any("error", err))
	} else if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends keepalives at half the configured watchdog interval.
// Exits immediately when no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.Any("error", err))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.Any("error", wdErr))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Process management
// -------------------------------------------------------------------------

// dropPrivileges switches to the configured unprivileged user when running
// as root. Binding the trap port below 1024 is expected to come from
// CAP_NET_BIND_SERVICE rather than retained root.
func dropPrivileges(username string, logger *slog.Logger) error {
	if username == "" || os.Geteuid() != 0 {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	logger.Info("dropped privileges",
		slog.String("user", username),
		slog.Int("uid", uid),
		slog.Int("gid", gid))
	return nil
}

// -------------------------------------------------------------------------
// HTTP serving
// -------------------------------------------------------------------------

func serveHTTP(ctx context.Context, srv *http.Server, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
