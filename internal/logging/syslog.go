// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"strconv"
)

// SyslogConfig controls an optional syslog forwarder for log lines.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns syslog forwarding disabled, with the
// defaults that would be applied if it were enabled without a Port,
// Protocol, or Tag.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "tetherd",
		Facility: 1,
	}
}

// NewSyslogWriter dials a syslog collector and returns a writer that
// forwards log lines to it.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "tetherd"
	}

	priority := syslog.Priority(cfg.Facility<<3) | syslog.LOG_INFO
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
}
