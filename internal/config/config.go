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

// Package config loads and validates the controller configuration.
// Configuration errors are fatal at startup: there is no safe
// fallback for a missing virtual IP or an empty backend pool.
package config

import (
	"fmt"
	"io/ioutil"
	"net"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	PolicyRoundRobin       = "round_robin"
	PolicyLeastConnections = "least_connections"
)

const (
	defaultIdleTimeout    = 10 * time.Second
	defaultHardTimeout    = 30 * time.Second
	defaultPriority       = 100
	defaultStatsURL       = "http://localhost:8080"
	defaultReportInterval = 30 * time.Second
)

// Backend is one validated member of the server pool.
type Backend struct {
	IP   net.IP
	MAC  net.HardwareAddr
	Port uint16
}

// Config is a parsed and validated controller configuration.
type Config struct {
	// VirtualIP is the one address clients target. It is not bound
	// to any real host; the controller answers ARP for it.
	VirtualIP  net.IP
	VirtualMAC net.HardwareAddr

	// Backends is the ordered server pool. Order matters: it fixes
	// the round-robin rotation and the least-connections tiebreak.
	Backends []Backend

	Policy string

	// Rule lifetimes pushed to the switch with every flow-mod.
	IdleTimeout time.Duration
	HardTimeout time.Duration
	Priority    uint16

	// StatsURL is the base URL of the dashboard API. Empty disables
	// stats reporting.
	StatsURL string

	// ReportInterval is how often the controller logs an operational
	// summary. Zero disables the summary.
	ReportInterval time.Duration
}

type rawBackend struct {
	IP   string `yaml:"ip"`
	MAC  string `yaml:"mac"`
	Port uint16 `yaml:"port"`
}

type rawConfig struct {
	VirtualIP      string       `yaml:"virtual-ip"`
	VirtualMAC     string       `yaml:"virtual-mac"`
	Backends       []rawBackend `yaml:"backends"`
	Policy         string       `yaml:"policy"`
	IdleTimeout    string       `yaml:"idle-timeout"`
	HardTimeout    string       `yaml:"hard-timeout"`
	Priority       *uint16      `yaml:"priority"`
	StatsURL       *string      `yaml:"stats-url"`
	ReportInterval string       `yaml:"report-interval"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(buf)
}

// Parse parses and validates a raw YAML configuration.
func Parse(buf []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.UnmarshalStrict(buf, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{
		Policy:         raw.Policy,
		IdleTimeout:    defaultIdleTimeout,
		HardTimeout:    defaultHardTimeout,
		Priority:       defaultPriority,
		StatsURL:       defaultStatsURL,
		ReportInterval: defaultReportInterval,
	}

	if cfg.VirtualIP = parseIPv4(raw.VirtualIP); cfg.VirtualIP == nil {
		return nil, fmt.Errorf("invalid virtual-ip %q", raw.VirtualIP)
	}
	var err error
	if cfg.VirtualMAC, err = net.ParseMAC(raw.VirtualMAC); err != nil {
		return nil, fmt.Errorf("invalid virtual-mac %q: %w", raw.VirtualMAC, err)
	}

	if len(raw.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	for i, rb := range raw.Backends {
		b := Backend{Port: rb.Port}
		if b.IP = parseIPv4(rb.IP); b.IP == nil {
			return nil, fmt.Errorf("backend %d: invalid ip %q", i, rb.IP)
		}
		if b.MAC, err = net.ParseMAC(rb.MAC); err != nil {
			return nil, fmt.Errorf("backend %d: invalid mac %q: %w", i, rb.MAC, err)
		}
		if b.Port == 0 {
			return nil, fmt.Errorf("backend %d: port must be non-zero", i)
		}
		if b.IP.Equal(cfg.VirtualIP) {
			return nil, fmt.Errorf("backend %d: ip %s collides with the virtual ip", i, b.IP)
		}
		cfg.Backends = append(cfg.Backends, b)
	}

	switch cfg.Policy {
	case "":
		cfg.Policy = PolicyRoundRobin
	case PolicyRoundRobin, PolicyLeastConnections:
	default:
		return nil, fmt.Errorf("unknown policy %q", cfg.Policy)
	}

	if raw.IdleTimeout != "" {
		if cfg.IdleTimeout, err = parseTimeout("idle-timeout", raw.IdleTimeout); err != nil {
			return nil, err
		}
	}
	if raw.HardTimeout != "" {
		if cfg.HardTimeout, err = parseTimeout("hard-timeout", raw.HardTimeout); err != nil {
			return nil, err
		}
	}
	if raw.Priority != nil {
		cfg.Priority = *raw.Priority
	}
	if raw.StatsURL != nil {
		cfg.StatsURL = *raw.StatsURL
	}
	if raw.ReportInterval != "" {
		d, err := time.ParseDuration(raw.ReportInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid report-interval %q: %w", raw.ReportInterval, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("report-interval must not be negative")
		}
		cfg.ReportInterval = d
	}

	return cfg, nil
}

func parseTimeout(name, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, val, err)
	}
	// OpenFlow carries timeouts as uint16 seconds.
	if d < time.Second || d > 65535*time.Second {
		return 0, fmt.Errorf("%s %q out of range (1s..65535s)", name, val)
	}
	return d, nil
}

// parseIPv4 parses s as an IPv4 address in 4-byte form, nil if it
// isn't one. The data plane speaks OpenFlow 1.0, which is v4-only.
func parseIPv4(s string) net.IP {
	return net.ParseIP(s).To4()
}
