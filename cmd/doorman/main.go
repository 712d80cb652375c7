package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/doorman/doorman/internal/admin"
	"github.com/doorman/doorman/internal/cancel"
	"github.com/doorman/doorman/internal/config"
	"github.com/doorman/doorman/internal/metrics"
	"github.com/doorman/doorman/internal/pool"
	"github.com/doorman/doorman/internal/registry"
	"github.com/doorman/doorman/internal/server"
	"github.com/doorman/doorman/internal/wire"
)

// inheritedListenerFD is the fd number a freshly exec'd replacement
// process finds its adopted listener at: stdin/stdout/stderr occupy 0-2,
// and os/exec.Cmd.ExtraFiles appends starting at 3.
const inheritedListenerFD = 3

// inheritFDEnv carries the inherited listener's file descriptor number
// across exec during a graceful binary upgrade.
const inheritFDEnv = "DOORMAN_INHERIT_FD"

func main() {
	configPath := flag.String("config", "configs/doorman.yaml", "path to configuration file")
	pidFile := flag.String("pid-file", "", "write the process id to this file on startup")
	inheritFD := flag.Int("inherit-fd", -1, "file descriptor number of an inherited listening socket (graceful binary upgrade)")
	flag.Parse()

	if *inheritFD < 0 {
		if fdStr := os.Getenv(inheritFDEnv); fdStr != "" {
			if fd, err := strconv.Atoi(fdStr); err == nil {
				*inheritFD = fd
			}
		}
	}

	instanceID := uuid.New().String()
	slog.Info("doorman starting", "instance_id", instanceID, "pid", os.Getpid())

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			slog.Error("failed to write pid file", "path", *pidFile, "err", err)
			os.Exit(1)
		}
		defer os.Remove(*pidFile)
	}

	m := metrics.New()
	reg := registry.New(cfg)
	pools := pool.NewManager()
	pools.SetOnExhausted(func(name string) { m.PoolExhausted(name) })
	pools.SetObserver(m)

	for name, pc := range cfg.Pools {
		pools.GetOrCreate(name, pc)
	}

	cancelReg := cancel.New()

	var srv *server.Server
	adminHandler := admin.New(reg, pools,
		func() error {
			newCfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			reg.Reload(newCfg)
			return nil
		},
		func() error {
			// Route through the signal loop so an admin SHUTDOWN drains
			// exactly like a SIGTERM.
			proc, err := os.FindProcess(os.Getpid())
			if err != nil {
				return err
			}
			return proc.Signal(syscall.SIGTERM)
		},
		instanceID)

	budget := wire.NewMemoryBudget(cfg.Listen.MaxMemoryUsage)

	srv = server.New(reg, pools, m, adminHandler, cancelReg, budget)

	if *inheritFD >= 0 {
		ln, err := net.FileListener(os.NewFile(uintptr(*inheritFD), "doorman-listener"))
		if err != nil {
			slog.Error("failed to adopt inherited listener", "fd", *inheritFD, "err", err)
			os.Exit(1)
		}
		if err := srv.ListenOn(ln); err != nil {
			slog.Error("failed to start on inherited listener", "err", err)
			os.Exit(1)
		}
		slog.Info("doorman adopted inherited listener", "fd", *inheritFD)
	} else if err := srv.Listen(); err != nil {
		slog.Error("failed to start listener", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		reg.Reload(newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	startStatsReporter(pools, m)

	slog.Info("doorman ready", "listen", fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR2)
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading configuration")
			if newCfg, err := config.Load(*configPath); err != nil {
				slog.Error("reload failed", "err", err)
			} else {
				reg.Reload(newCfg)
			}
		case syscall.SIGINT, syscall.SIGUSR2:
			// Both signals start a graceful binary upgrade: spawn a
			// replacement process inheriting the listening socket, then
			// drain this one instead of exiting immediately.
			slog.Info("received upgrade signal, spawning replacement process", "signal", sig)
			upgrade(cfg, reg, pools, srv, watcher)
			return
		default:
			slog.Info("received shutdown signal", "signal", sig)
			shutdown(cfg, reg, pools, srv, watcher)
			return
		}
	}
}

// upgrade spawns a new doorman process that inherits the active
// listener's socket via --inherit-fd/DOORMAN_INHERIT_FD, so it can start
// accepting connections immediately (the SO_REUSEPORT bind would also let
// it open a fresh socket on its own, but handing off the live fd avoids a
// window where both processes are independently racing to accept). This
// process never rebinds: it stops accepting and drains exactly like a
// plain shutdown once the replacement is running.
func upgrade(cfg *config.Config, reg *registry.Registry, pools *pool.Manager, srv *server.Server, watcher *config.Watcher) {
	lnFile, err := srv.ListenerFile()
	if err != nil {
		slog.Error("upgrade: failed to obtain listener fd, falling back to plain shutdown", "err", err)
		shutdown(cfg, reg, pools, srv, watcher)
		return
	}
	defer lnFile.Close()

	executable, err := os.Executable()
	if err != nil {
		slog.Error("upgrade: failed to resolve executable path, falling back to plain shutdown", "err", err)
		shutdown(cfg, reg, pools, srv, watcher)
		return
	}

	child := exec.Command(executable, os.Args[1:]...)
	child.Env = append(os.Environ(), fmt.Sprintf("%s=%d", inheritFDEnv, inheritedListenerFD))
	child.ExtraFiles = []*os.File{lnFile}
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	if err := child.Start(); err != nil {
		slog.Error("upgrade: failed to start replacement process, falling back to plain shutdown", "err", err)
		shutdown(cfg, reg, pools, srv, watcher)
		return
	}

	slog.Info("upgrade: replacement process started, draining this one", "replacement_pid", child.Process.Pid)
	shutdown(cfg, reg, pools, srv, watcher)
}

func shutdown(cfg *config.Config, reg *registry.Registry, pools *pool.Manager, srv *server.Server, watcher *config.Watcher) {
	if watcher != nil {
		watcher.Stop()
	}

	reg.SetDraining(true)

	timeout := 30 * time.Second
	for _, p := range cfg.Pools {
		if p.ShutdownTimeout > timeout {
			timeout = p.ShutdownTimeout
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	srv.Stop(ctx)
	pools.DrainAll()
	pools.Close()

	slog.Info("doorman stopped")
}

// startStatsReporter periodically pushes pool occupancy into the
// Prometheus collector, on a fixed interval.
func startStatsReporter(pools *pool.Manager, m *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			for _, s := range pools.AllStats() {
				m.UpdatePoolStats(s.Name, s.Active, s.Idle, s.Total, s.Waiting)
			}
		}
	}()
}
