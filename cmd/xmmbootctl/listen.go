// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/openchirp/xmmboot/ipc"
	"github.com/openchirp/xmmboot/logging"
	"github.com/openchirp/xmmboot/nvdata"
	"github.com/openchirp/xmmboot/transport"
)

type listenCmd struct {
	commonCmd

	channel string
	serveNV bool
	poll    time.Duration
}

func (*listenCmd) Name() string {
	return "listen"
}

func (*listenCmd) Usage() string {
	return "listen [flags...]\n\nflags:\n"
}

func (*listenCmd) Synopsis() string {
	return "prints the runtime messages of an online modem"
}

func (cmd *listenCmd) SetFlags(f *flag.FlagSet) {
	cmd.setCommonFlags(f)
	f.StringVar(&cmd.channel, "channel", "formatted", "runtime channel: formatted or rawaccess")
	f.BoolVar(&cmd.serveNV, "nv", false, "answer NV item requests on the rawaccess channel")
	f.DurationVar(&cmd.poll, "poll", time.Second, "wait per receive")
}

func (cmd *listenCmd) execute(ctx context.Context) error {
	cfg, p, err := cmd.load()
	if err != nil {
		return err
	}
	role := ipc.RoleFormatted
	switch cmd.channel {
	case "formatted":
	case "rawaccess":
		role = ipc.RoleRawAccess
	default:
		return fmt.Errorf("unknown channel %q", cmd.channel)
	}
	if cmd.serveNV && role != ipc.RoleRawAccess {
		return errors.New("-nv needs -channel=rawaccess")
	}

	t, err := newTransport(cfg, p, logging.New("transport"))
	if err != nil {
		return err
	}
	defer closeTransport(t)

	log := logging.New("ipc")
	ch, err := ipc.Open(t, role, ipc.WithLogger(log), ipc.WithMetrics(cfg.MetricsAddr != ""))
	if err != nil {
		return err
	}
	defer ch.Close()

	if cmd.serveNV {
		prov := nvdata.New(p.Calibration, logging.New("nvdata"))
		err := ipc.NewNVService(ch, prov, log).Serve(ctx, cmd.poll)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	for ctx.Err() == nil {
		m, err := ch.Recv(cmd.poll)
		switch {
		case errors.Is(err, transport.ErrTimedOut):
			continue
		case errors.Is(err, ipc.ErrProtocol):
			fmt.Fprintf(os.Stderr, "dropped frame: %v\n", err)
			continue
		case err != nil:
			return err
		}
		printMessage(m)
	}
	return nil
}

func printMessage(m ipc.Message) {
	fmt.Printf("%s %v\n", time.Now().Format(time.StampMilli), m)
	var payload []byte
	switch m := m.(type) {
	case *ipc.Formatted:
		payload = m.Payload
	case *ipc.RawAccess:
		payload = m.Payload
	}
	if len(payload) > 0 {
		fmt.Print(hex.Dump(payload))
	}
}

func (cmd *listenCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
