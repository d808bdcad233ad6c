// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines and loads the coordinator's configuration,
// read once at construction.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// TetherConfig is the coordinator's construction-time configuration.
type TetherConfig struct {
	// BPFOffloadEnabled gates whether the TC offload program object is
	// loaded at startup. When false, no BPF program is loaded or attached;
	// the pinned kernel maps are still opened when present and rules are
	// still written to them.
	// @default: true
	BPFOffloadEnabled bool `hcl:"bpf_offload_enabled,optional" json:"bpf_offload_enabled"`

	// ActiveSessionsMetricsEnabled gates whether session-count samples are
	// forwarded to the metrics sink.
	// @default: true
	ActiveSessionsMetricsEnabled bool `hcl:"active_sessions_metrics_enabled,optional" json:"active_sessions_metrics_enabled"`

	// OffloadPollIntervalMS is the stats/limit poll period. Must be
	// >= CONNTRACK_TIMEOUT_UPDATE_INTERVAL_MS (60000).
	// @default: 60000
	OffloadPollIntervalMS uint32 `hcl:"offload_poll_interval_ms,optional" json:"offload_poll_interval_ms"`
}

// MinOffloadPollIntervalMS mirrors CONNTRACK_TIMEOUT_UPDATE_INTERVAL_MS.
const MinOffloadPollIntervalMS = 60_000

// DefaultTetherConfig returns the coordinator's default configuration.
func DefaultTetherConfig() TetherConfig {
	return TetherConfig{
		BPFOffloadEnabled:            true,
		ActiveSessionsMetricsEnabled: true,
		OffloadPollIntervalMS:        MinOffloadPollIntervalMS,
	}
}

// Validate checks the invariants construction depends on.
func (c TetherConfig) Validate() error {
	if c.OffloadPollIntervalMS < MinOffloadPollIntervalMS {
		return fmt.Errorf("config: offload_poll_interval_ms must be >= %d, got %d", MinOffloadPollIntervalMS, c.OffloadPollIntervalMS)
	}
	return nil
}

// rawTetherConfig mirrors TetherConfig with every field as a pointer,
// so gohcl.DecodeBody leaves attributes absent from the file as nil
// rather than zeroing them — a plain bool/uint32 field would decode a
// missing ",optional" attribute to false/0, silently overriding
// DefaultTetherConfig() instead of falling back to it.
type rawTetherConfig struct {
	BPFOffloadEnabled            *bool   `hcl:"bpf_offload_enabled,optional"`
	ActiveSessionsMetricsEnabled *bool   `hcl:"active_sessions_metrics_enabled,optional"`
	OffloadPollIntervalMS        *uint32 `hcl:"offload_poll_interval_ms,optional"`
}

// LoadTetherConfig reads an HCL config file into a TetherConfig,
// applying defaults for any attribute that is absent.
func LoadTetherConfig(path string) (TetherConfig, error) {
	cfg := DefaultTetherConfig()

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return cfg, fmt.Errorf("config: parse %s: %w", path, diags)
	}

	var raw rawTetherConfig
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return cfg, fmt.Errorf("config: decode %s: %w", path, diags)
	}

	if raw.BPFOffloadEnabled != nil {
		cfg.BPFOffloadEnabled = *raw.BPFOffloadEnabled
	}
	if raw.ActiveSessionsMetricsEnabled != nil {
		cfg.ActiveSessionsMetricsEnabled = *raw.ActiveSessionsMetricsEnabled
	}
	if raw.OffloadPollIntervalMS != nil {
		cfg.OffloadPollIntervalMS = *raw.OffloadPollIntervalMS
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
