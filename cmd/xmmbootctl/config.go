// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/openchirp/xmmboot/logging"
	"github.com/openchirp/xmmboot/profile"
)

const defaultConfigPath = "/etc/xmmboot/xmmbootctl.toml"

// config is the resolved command configuration.
type config struct {
	Profile     string
	ProfileDir  string
	Image       string
	LogLevel    string
	MetricsAddr string

	// Transport is "chardev", "serialline" or "datagram".
	Transport   string
	CheckStatus bool
	BaudRate    uint
	RTSCTS      bool
	Network     string
	Interface   string
	// Endpoints maps a channel name to "local,remote" addresses.
	Endpoints map[string]string
}

func defaultConfig() config {
	return config{
		Profile:   "generic",
		Transport: "chardev",
		Network:   "unixgram",
	}
}

// xmmbootctl.toml key mapping.
type fileConfig struct {
	Profile     string            `toml:"profile"`
	ProfileDir  string            `toml:"profile_dir"`
	Image       string            `toml:"image"`
	LogLevel    string            `toml:"log_level"`
	MetricsAddr string            `toml:"metrics_addr"`
	Transport   string            `toml:"transport"`
	CheckStatus bool              `toml:"check_status"`
	BaudRate    uint              `toml:"baud_rate"`
	RTSCTS      bool              `toml:"rtscts"`
	Network     string            `toml:"network"`
	Interface   string            `toml:"interface"`
	Endpoints   map[string]string `toml:"endpoints"`
}

// loadConfig overlays the file at path on the defaults. A missing file
// at the default path is not an error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
			return cfg, nil
		}
		return config{}, fmt.Errorf("load xmmbootctl config: %w", err)
	}

	if meta.IsDefined("profile") {
		cfg.Profile = strings.TrimSpace(raw.Profile)
	}
	if meta.IsDefined("profile_dir") {
		cfg.ProfileDir = strings.TrimSpace(raw.ProfileDir)
	}
	if meta.IsDefined("image") {
		cfg.Image = strings.TrimSpace(raw.Image)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("check_status") {
		cfg.CheckStatus = raw.CheckStatus
	}
	if meta.IsDefined("baud_rate") {
		cfg.BaudRate = raw.BaudRate
	}
	if meta.IsDefined("rtscts") {
		cfg.RTSCTS = raw.RTSCTS
	}
	if meta.IsDefined("network") {
		cfg.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("interface") {
		cfg.Interface = strings.TrimSpace(raw.Interface)
	}
	if meta.IsDefined("endpoints") {
		cfg.Endpoints = raw.Endpoints
	}

	switch cfg.Transport {
	case "chardev", "serialline", "datagram":
	default:
		return config{}, fmt.Errorf("load xmmbootctl config: unsupported transport %q (expected chardev, serialline or datagram)", cfg.Transport)
	}
	return cfg, nil
}

// commonCmd holds the flags every device command takes.
type commonCmd struct {
	configPath string
	profile    string
	logLevel   string
}

func (cmd *commonCmd) setCommonFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.configPath, "config", defaultConfigPath, "path to the xmmbootctl TOML config")
	f.StringVar(&cmd.profile, "profile", "", "device profile name, overrides the config")
	f.StringVar(&cmd.logLevel, "level", "", "log level: trace, debug, info, warn or error")
}

// load resolves the config and the selected profile, and applies the
// log level.
func (cmd *commonCmd) load() (config, *profile.Profile, error) {
	cfg, err := loadConfig(cmd.configPath)
	if err != nil {
		return config{}, nil, err
	}
	if cmd.profile != "" {
		cfg.Profile = cmd.profile
	}
	if cmd.logLevel != "" {
		cfg.LogLevel = cmd.logLevel
	}
	if cfg.LogLevel != "" && !logging.SetLevel(cfg.LogLevel) {
		return config{}, nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	reg, err := registry(cfg.ProfileDir)
	if err != nil {
		return config{}, nil, err
	}
	shared, err := reg.Lookup(cfg.Profile)
	if err != nil {
		return config{}, nil, err
	}
	// registry profiles are shared
	p := *shared
	if cfg.Image != "" {
		p.Paths.Image = cfg.Image
	}
	return cfg, &p, nil
}

// registry returns the builtin profiles plus those found in dir.
func registry(dir string) (*profile.Registry, error) {
	builtin, err := profile.Builtin()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return builtin, nil
	}
	extra := profile.NewRegistry()
	if err := extra.LoadDir(dir); err != nil {
		return nil, fmt.Errorf("profile dir %s: %w", dir, err)
	}
	return builtin.Merge(extra)
}
