// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot"
	"github.com/openchirp/xmmboot/firmware"
	"github.com/openchirp/xmmboot/logging"
	"github.com/openchirp/xmmboot/metrics"
	"github.com/openchirp/xmmboot/nvdata"
)

type bootCmd struct {
	commonCmd

	image       string
	metricsAddr string
	quiet       bool
}

func (*bootCmd) Name() string {
	return "boot"
}

func (*bootCmd) Usage() string {
	return "boot [flags...]\n\nflags:\n"
}

func (*bootCmd) Synopsis() string {
	return "uploads the bootloaders, firmware and calibration data and brings the modem online"
}

func (cmd *bootCmd) SetFlags(f *flag.FlagSet) {
	cmd.setCommonFlags(f)
	f.StringVar(&cmd.image, "image", "", "firmware image path, overrides the profile")
	f.StringVar(&cmd.metricsAddr, "metrics", "", "serve prometheus metrics on this address while booting")
	f.BoolVar(&cmd.quiet, "quiet", false, "do not print upload progress")
}

// serveMetrics starts the metrics endpoint. The returned function stops it.
func serveMetrics(addr string, log zerolog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return func() { server.Shutdown(context.Background()) }, nil
}

// progressPrinter prints stage entries and upload percentages.
func progressPrinter() xmmboot.ProgressCallback {
	last := -1
	return func(p xmmboot.Progress) {
		if p.BytesTotal == 0 {
			last = -1
			fmt.Fprintf(os.Stderr, "[attempt %d] %v\n", p.Attempt, p.Stage)
			return
		}
		pct := p.BytesSent * 100 / p.BytesTotal
		if pct/10 == last/10 && p.BytesSent != p.BytesTotal {
			return
		}
		last = pct
		fmt.Fprintf(os.Stderr, "  %3d%%  %s / %s\n", pct,
			humanize.IBytes(uint64(p.BytesSent)), humanize.IBytes(uint64(p.BytesTotal)))
	}
}

func (cmd *bootCmd) execute(ctx context.Context) error {
	cfg, p, err := cmd.load()
	if err != nil {
		return err
	}
	log := logging.New("boot")

	path := p.Paths.Image
	if cmd.image != "" {
		path = cmd.image
	}
	img, err := firmware.Open(path, p.ImageSize)
	if err != nil {
		return err
	}
	defer img.Close()
	log.Info().Str("image", path).Bool("mapped", img.Mapped()).Str("size", humanize.IBytes(uint64(img.Len()))).Msg("firmware image opened")

	t, err := newTransport(cfg, p, logging.New("transport"))
	if err != nil {
		return err
	}
	defer closeTransport(t)

	addr := cfg.MetricsAddr
	if cmd.metricsAddr != "" {
		addr = cmd.metricsAddr
	}
	if addr != "" {
		stop, err := serveMetrics(addr, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	opts := []xmmboot.Option{
		xmmboot.WithLogger(log),
		xmmboot.WithMetrics(addr != ""),
	}
	if !cmd.quiet {
		opts = append(opts, xmmboot.WithProgressCallback(progressPrinter()))
	}
	cal := nvdata.New(p.Calibration, logging.New("nvdata"))
	return xmmboot.Bootstrap(ctx, p, t, img, cal, opts...)
}

func (cmd *bootCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.execute(ctx); err != nil {
		var berr *xmmboot.BootError
		if errors.As(err, &berr) {
			fmt.Fprintf(os.Stderr, "boot failed at %v on attempt %d (%v): %v\n", berr.Stage, berr.Attempt, berr.Kind, berr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
