// Copyright 2025 Flowlb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flowlb.io/internal/arp"
	"flowlb.io/internal/balancer"
	"flowlb.io/internal/config"
	"flowlb.io/internal/conntrack"
	"flowlb.io/internal/controller"
	"flowlb.io/internal/flows"
	"flowlb.io/internal/logging"
	"flowlb.io/internal/openflow"
	"flowlb.io/internal/registry"
	"flowlb.io/internal/stats"
)

// statsDrainGrace bounds how long shutdown waits for queued stats
// events to reach the dashboard.
const statsDrainGrace = 2 * time.Second

func main() {
	logger := logging.Init()

	var (
		cfgPath = flag.String("config", envOr("FLOWLB_CONFIG", "flowlb.yml"), "path to the controller configuration file")
		listen  = flag.String("listen", envOr("FLOWLB_LISTEN", ":6633"), "address to accept OpenFlow switch connections on")
		host    = flag.String("host", os.Getenv("FLOWLB_HOST"), "HTTP host address for Prometheus metrics")
		port    = flag.Int("port", 7472, "HTTP listening port for Prometheus metrics")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.Info(logger, "op", "startup", "error", err, "msg", "invalid configuration")
		os.Exit(1)
	}
	logging.Info(logger, "op", "startup",
		"virtual-ip", cfg.VirtualIP.String(),
		"virtual-mac", cfg.VirtualMAC.String(),
		"backends", len(cfg.Backends),
		"policy", cfg.Policy,
		"msg", "configuration loaded")

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }
	go func() {
		c1 := make(chan os.Signal, 1)
		signal.Notify(c1, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-c1
		logging.Info(logger, "op", "shutdown", "msg", "signal received, initiating shutdown")
		signal.Stop(c1)
		stop()
	}()

	reg := registry.New(cfg.Backends)
	table := conntrack.New(logger, reg)

	policy, err := balancer.New(cfg.Policy)
	if err != nil {
		logging.Info(logger, "op", "startup", "error", err, "msg", "failed to create selection policy")
		os.Exit(1)
	}

	reporter := stats.NewReporter(logger, cfg.StatsURL)
	reporter.Reset()

	ctrl := controller.New(logger, cfg, reg, table, policy,
		flows.NewInstaller(logger, cfg),
		arp.New(logger, cfg.VirtualIP, cfg.VirtualMAC),
		reporter)

	ln, err := openflow.Listen(*listen, ctrl, logger)
	if err != nil {
		logging.Info(logger, "op", "startup", "error", err, "msg", "failed to listen for switches")
		os.Exit(1)
	}
	go func() {
		if err := ln.Serve(); err != nil {
			logging.Info(logger, "op", "run", "error", err, "msg", "switch listener exited with error")
			stop()
		}
	}()

	go stats.RunMetrics(*host, *port)

	// the reactor doesn't return until it's time to shut down
	ctrl.Run(stopCh)

	// Graceful shutdown sequence:
	// 1. Stop accepting switch connections.
	// 2. The reactor has already stopped taking events; in-flight
	//    installations finished before Run returned.
	// 3. Drain the stats reporter with a bounded grace period.
	ln.Close()
	reporter.Shutdown(statsDrainGrace)

	logging.Info(logger, "op", "shutdown", "msg", "graceful shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
