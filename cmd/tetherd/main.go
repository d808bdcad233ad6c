// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tetherd wires the tethering offload coordinator's
// collaborators together and runs it until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tetherd/internal/config"
	tetherrors "grimm.is/tetherd/internal/errors"
	"grimm.is/tetherd/internal/logging"
	"grimm.is/tetherd/internal/tether/bpfmap"
	tetherconntrack "grimm.is/tetherd/internal/tether/conntrack"
	"grimm.is/tetherd/internal/tether/coordinator"
	"grimm.is/tetherd/internal/tether/ifclass"
	"grimm.is/tetherd/internal/tether/metrics"
	"grimm.is/tetherd/internal/tether/neighbor"
)

func main() {
	configPath := flag.String("config", "/etc/tetherd/tetherd.hcl", "path to the HCL configuration file")
	programObjectPath := flag.String("bpf-object", bpfmap.DefaultProgramObjectPath, "path to the compiled TC offload program object")
	metricsAddr := flag.String("metrics-addr", ":9464", "address the Prometheus /metrics endpoint listens on")
	ndpTimeout := flag.Duration("ndp-timeout", 2*time.Second, "per-attempt timeout for active neighbor solicitation")
	flag.Parse()

	logger := logging.Default()

	if err := run(*configPath, *programObjectPath, *metricsAddr, *ndpTimeout, logger); err != nil {
		logger.Error("tetherd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, programObjectPath, metricsAddr string, ndpTimeout time.Duration, logger *logging.Logger) error {
	cfg := config.DefaultTetherConfig()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.LoadTetherConfig(configPath)
		if err != nil {
			return fmt.Errorf("tetherd: %w", &tetherrors.Error{Kind: tetherrors.KindConfiguration, Message: "load config", Underlying: err})
		}
		cfg = loaded
	} else {
		logger.Info("no config file found, running with defaults", "path", configPath)
	}

	var programs *ebpf.Collection
	if !cfg.BPFOffloadEnabled {
		logger.Info("bpf offload disabled by configuration")
	} else if coll, err := bpfmap.LoadOffloadPrograms(programObjectPath); err != nil {
		logger.Warn("failed to load offload program object, TC programs will not be attached", "path", programObjectPath, "error", err)
	} else {
		programs = coll
	}

	maps, err := bpfmap.New(logger, programs)
	if err != nil {
		return fmt.Errorf("tetherd: open bpf maps: %w", err)
	}
	if !maps.IsInitialized() {
		logger.Info("running without kernel BPF offload", "kind", tetherrors.KindPlatformUnsupported.String())
	}

	reg := prometheus.DefaultRegisterer
	sink := metrics.New()
	sink.Register(reg)

	conntrackSrc, err := tetherconntrack.Dial()
	if err != nil {
		logger.Warn("conntrack netlink unavailable, NAT session tracking disabled", "error", err)
	}

	neighborSrc := neighbor.NewNetlinkSource()
	solicitor := neighbor.NewNDPSolicitor(ndpTimeout)
	virtual := ifclass.New()

	var coordConntrackSrc coordinator.ConntrackSource
	if conntrackSrc != nil {
		coordConntrackSrc = conntrackSrc
	}

	coord := coordinator.New(cfg, logger, maps, sink, sink, virtual, coordConntrackSrc, neighborSrc, solicitor)
	defer coord.Close()

	stopMetrics := serveMetrics(metricsAddr, logger)
	defer stopMetrics()

	logger.Info("tetherd started", "metrics_addr", metricsAddr, "bpf_initialized", maps.IsInitialized())

	waitForSignal()
	logger.Info("tetherd stopping")
	return nil
}

func serveMetrics(addr string, logger *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
