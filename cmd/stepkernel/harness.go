// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/stepkernel/chroot"
	"github.com/bureau-foundation/stepkernel/forkserver"
	"github.com/bureau-foundation/stepkernel/kernel"
	"github.com/bureau-foundation/stepkernel/lib/config"
)

// harnessFlags locate the configuration and pick the domain an
// invocation runs in.
type harnessFlags struct {
	configPath    string
	domain        string
	mountOverlay  bool
	metricsListen string
}

func (f *harnessFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to stepkernel.yaml (default: $STEPKERNEL_CONFIG)")
	flagSet.StringVar(&f.domain, "domain", "", "isolation domain to run in (default: first configured domain)")
	flagSet.BoolVar(&f.mountOverlay, "mount-overlay", false, "mount the domain overlay if it is not mounted, and unmount it on exit")
	flagSet.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while the command runs")
}

func (f *harnessFlags) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveDomain returns the domain named by --domain, or the first one
// configured.
func (f *harnessFlags) resolveDomain(cfg *config.Config) (string, error) {
	if f.domain == "" {
		return cfg.Domains[0], nil
	}
	if !slices.Contains(cfg.Domains, f.domain) {
		return "", fmt.Errorf("domain %q is not configured (have %v)", f.domain, cfg.Domains)
	}
	return f.domain, nil
}

// harness is everything one command needs to run invocations. Close
// releases it in reverse order of construction.
type harness struct {
	config  *config.Config
	kernel  *kernel.Kernel
	domain  *chroot.Chroot
	spawner forkserver.Spawner
	logger  *slog.Logger

	mounter       *chroot.OverlayMounter
	mountedRoot   string
	metricsServer *http.Server
}

func openHarness(flags *harnessFlags, logger *slog.Logger) (*harness, error) {
	cfg, err := flags.loadConfig()
	if err != nil {
		return nil, err
	}
	h := &harness{config: cfg, logger: logger}
	if err := h.open(flags); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *harness) open(flags *harnessFlags) error {
	cfg := h.config
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	domainName, err := flags.resolveDomain(cfg)
	if err != nil {
		return err
	}
	h.domain, err = h.openDomain(domainName, flags.mountOverlay)
	if err != nil {
		return err
	}

	workerPath, err := cfg.WorkerPath()
	if err != nil {
		return err
	}
	h.spawner, err = forkserver.New(cfg.Forkserver.Strategy, forkserver.Config{
		WorkerPath:  workerPath,
		ProcessName: cfg.Forkserver.ProcessName,
		UIDFirst:    cfg.Forkserver.UIDFirst,
		UIDCount:    cfg.Forkserver.UIDCount,
		Isolate:     cfg.Forkserver.Isolate,
		Seccomp:     cfg.Forkserver.Seccomp,
		Preload:     cfg.Forkserver.Preload,
		PoolSize:    cfg.Forkserver.PoolSize,
		Logger:      h.logger,
	})
	if err != nil {
		return err
	}

	kernelConfig := kernel.FromConfig(cfg, h.spawner, h.logger)
	if flags.metricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		kernelConfig.Registerer = registry
		if err := h.serveMetrics(flags.metricsListen, registry); err != nil {
			return err
		}
	}
	h.kernel, err = kernel.New(kernelConfig)
	return err
}

// openDomain builds the chroot for a domain. With an overlay mounted on
// the root, edits land in the upper layer and clearing works there.
// Without one the root is used directly as its own upper layer.
func (h *harness) openDomain(name string, mountOverlay bool) (*chroot.Chroot, error) {
	root, upper, work := h.config.DomainPaths(name)

	mounted, err := chroot.IsOverlayMounted(root)
	if err != nil {
		return nil, err
	}
	if !mounted && mountOverlay {
		h.mounter, err = chroot.NewOverlayMounter(h.logger)
		if err != nil {
			return nil, err
		}
		overlay := chroot.Overlay{Lower: h.config.Paths.Base, Upper: upper, Work: work, Merged: root}
		if err := h.mounter.Mount(overlay); err != nil {
			return nil, err
		}
		h.mountedRoot = root
		mounted = true
	}
	if !mounted {
		h.logger.Warn("domain has no overlay; clearing will delete from the root directly",
			"domain", name,
			"root", root,
		)
		upper = root
	}

	return chroot.New(chroot.Config{
		Name:  name,
		Root:  root,
		Base:  h.config.Paths.Base,
		Upper: upper,
		SandboxUIDs: chroot.UIDRange{
			First: h.config.Forkserver.UIDFirst,
			Count: h.config.Forkserver.UIDCount,
		},
		Logger: h.logger,
	})
}

func (h *harness) serveMetrics(address string, registry *prometheus.Registry) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening for metrics on %s: %w", address, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	h.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := h.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("metrics server failed", "error", err)
		}
	}()
	h.logger.Info("serving metrics", "address", listener.Addr().String())
	return nil
}

func (h *harness) Close() {
	if h.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		h.metricsServer.Shutdown(ctx)
		cancel()
	}
	if h.spawner != nil {
		if err := h.spawner.Close(); err != nil {
			h.logger.Warn("closing spawner", "error", err)
		}
	}
	if h.mountedRoot != "" {
		if err := h.mounter.Unmount(h.mountedRoot); err != nil {
			h.logger.Warn("unmounting domain overlay", "root", h.mountedRoot, "error", err)
		}
	}
}
