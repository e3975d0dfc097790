// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"

	"github.com/openchirp/xmmboot/logging"
	"github.com/openchirp/xmmboot/nvdata"
)

type nvcheckCmd struct {
	commonCmd

	repair   bool
	backup   bool
	generate bool
}

func (*nvcheckCmd) Name() string {
	return "nvcheck"
}

func (*nvcheckCmd) Usage() string {
	return "nvcheck [flags...]\n\nflags:\n"
}

func (*nvcheckCmd) Synopsis() string {
	return "verifies the calibration file against its digest"
}

func (cmd *nvcheckCmd) SetFlags(f *flag.FlagSet) {
	cmd.setCommonFlags(f)
	f.BoolVar(&cmd.repair, "repair", false, "restore the calibration file from its backup when it does not verify")
	f.BoolVar(&cmd.backup, "backup", false, "copy a verified calibration file over the backup")
	f.BoolVar(&cmd.generate, "generate", false, "rewrite the digest from the current contents")
}

func (cmd *nvcheckCmd) execute() error {
	_, p, err := cmd.load()
	if err != nil {
		return err
	}
	prov := nvdata.New(p.Calibration, logging.New("nvdata"))
	c := prov.Config()

	if cmd.generate {
		if err := prov.Generate(); err != nil {
			return err
		}
		fmt.Printf("digest of %s regenerated\n", c.Path)
	}
	if prov.Verify() {
		fmt.Printf("%s: ok (%s)\n", c.Path, humanize.IBytes(uint64(c.Size)))
	} else if cmd.repair {
		if _, err := prov.Load(); err != nil {
			return err
		}
		fmt.Printf("%s: restored from %s\n", c.Path, c.BackupPath)
	} else {
		return fmt.Errorf("%s: %w", c.Path, nvdata.ErrDigest)
	}
	if cmd.backup {
		if err := prov.Backup(); err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", c.BackupPath)
	}
	return nil
}

func (cmd *nvcheckCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := cmd.execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nvcheck: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
