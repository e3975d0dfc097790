// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/transport"
	"github.com/openchirp/xmmboot/transport/datagram"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xmmbootctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverlay(t *testing.T) {
	path := writeConfig(t, `
profile = " maguro "
image = "/dev/block/radio"
transport = "Datagram"
metrics_addr = "127.0.0.1:9108"

[endpoints]
formatted = "/run/xmm/fmt.sock, /run/modem/fmt.sock"
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := defaultConfig()
	want.Profile = "maguro"
	want.Image = "/dev/block/radio"
	want.Transport = "datagram"
	want.MetricsAddr = "127.0.0.1:9108"
	want.Endpoints = map[string]string{"formatted": "/run/xmm/fmt.sock, /run/modem/fmt.sock"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}

	tr, err := newTransport(cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	if _, ok := tr.(*datagram.Transport); !ok {
		t.Errorf("transport = %T, want *datagram.Transport", tr)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, `transport = "usb"`)); err == nil {
		t.Error("unsupported transport accepted")
	}
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing explicit config accepted")
	}
	cfg := defaultConfig()
	cfg.Transport = "datagram"
	cfg.Endpoints = map[string]string{"link_pm": "a,b"}
	if _, err := newTransport(cfg, nil, zerolog.Nop()); err == nil {
		t.Error("endpoint for unknown channel accepted")
	}
}

func TestProfileSelection(t *testing.T) {
	cmd := &commonCmd{
		configPath: writeConfig(t, `image = "/tmp/radio.img"`),
		profile:    "n5100",
	}
	cfg, p, err := cmd.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport != "chardev" || p.Name != "n5100" || p.Paths.Image != "/tmp/radio.img" {
		t.Errorf("load = %+v, profile %v image %q", cfg, p, p.Paths.Image)
	}
	if got := len(p.BootChannels()); got != 1 {
		t.Errorf("n5100 boot channels = %d", got)
	}
	if _, ok := kindNames["rawaccess"]; !ok || kindNames["boot1"] != transport.Boot1 {
		t.Error("channel names incomplete")
	}
}
