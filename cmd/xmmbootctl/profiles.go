// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
)

type profilesCmd struct {
	dir string
}

func (*profilesCmd) Name() string {
	return "profiles"
}

func (*profilesCmd) Usage() string {
	return "profiles [flags...]\n\nflags:\n"
}

func (*profilesCmd) Synopsis() string {
	return "lists the known device profiles"
}

func (cmd *profilesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&cmd.dir, "dir", "", "directory with additional *.toml profiles")
}

func (cmd *profilesCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	reg, err := registry(cmd.dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "profiles: %v\n", err)
		return subcommands.ExitFailure
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIALECT\tIMAGE\tCHANNELS\tDESCRIPTION")
	for _, name := range reg.Names() {
		p, err := reg.Lookup(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.Name, p.Dialect,
			humanize.IBytes(uint64(p.ImageSize)), len(p.BootChannels()), p.Description)
	}
	if err := w.Flush(); err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
