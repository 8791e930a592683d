// himalaya-lib
// Copyright (C) 2023 the himalaya-lib authors
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package main

import (
	"context"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/fcoury/himalaya-lib/config"
	"github.com/fcoury/himalaya-lib/log"
	"github.com/fcoury/himalaya-lib/mailsync"
)

var opts struct {
	Configfile string   `short:"c" long:"config" description:"Config file location. Default: ~/.himalaya-syncrc"`
	Debug      bool     `short:"d" long:"debug" description:"Enable full debug logs. Overrides log levels in configuration file"`
	DryRun     bool     `short:"n" long:"dryrun" description:"Do not execute sync actions but just log what will be done"`
	List       bool     `short:"l" long:"list" description:"List the folders of every configured account and then exit"`
	PairList   []string `short:"p" long:"pair" description:"Limit the syncpairs to the specified. Use this option multiple times to specify multiple syncpairs."`
}

type pairResult struct {
	name   string
	report *mailsync.SyncReport
	err    error
}

func main() {
	logger := log.GetLogger("main", "info")
	u, err := user.Current()
	if err != nil {
		logger.Errorf("Cannot determine current user")
		os.Exit(1)
	}

	var parser = flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if opts.Configfile == "" {
		opts.Configfile = filepath.Join(u.HomeDir, ".himalaya-syncrc")
	}

	globalconfig, err := config.ParseConfig(opts.Configfile)
	if err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	if err := config.VerifyConfig(globalconfig); err != nil {
		logger.Errorf("Error parsing config file: %s", err)
		os.Exit(1)
	}

	if opts.Debug {
		globalconfig.LogLevel = "debug"
		globalconfig.DebugImap = true
	}

	if _, err := log.ParseLevel(globalconfig.LogLevel); err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(globalconfig.Metadatadir, 0777); err != nil {
		logger.Errorf("Error: %s", err)
		os.Exit(1)
	}

	accounts := make(map[string]*config.AccountConfig)
	for _, accountconf := range globalconfig.Accounts {
		accounts[accountconf.Name] = accountconf
	}

	if opts.List {
		if err := listAccounts(logger, globalconfig); err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var count int = 0
	c := make(chan pairResult)
	for _, syncpairconf := range globalconfig.Syncpairs {
		if opts.PairList != nil && !config.StringInSlice(syncpairconf.Name, opts.PairList) {
			continue
		}

		syncpairconf := syncpairconf
		go func() {
			report, err := syncPair(ctx, globalconfig, syncpairconf, accounts)
			c <- pairResult{name: syncpairconf.Name, report: report, err: err}
		}()
		count++
	}

	failed := false
	for count > 0 {
		res := <-c
		count--
		if res.err != nil {
			failed = true
			logger.Errorf("Syncpair \"%s\" failed: %s", res.name, res.err)
		}
		if res.report != nil {
			logger.Infof("Syncpair \"%s\": %s", res.name, res.report.Summary())
			for _, conflict := range res.report.Conflicts {
				logger.Infof("Syncpair \"%s\" resolved conflict: %s", res.name, conflict)
			}
			for _, syncerr := range res.report.Errors {
				logger.Errorf("Syncpair \"%s\" error: %s", res.name, syncerr)
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}

func syncPair(ctx context.Context, globalconfig *config.Config, syncpairconf *config.SyncpairConfig, accounts map[string]*config.AccountConfig) (*mailsync.SyncReport, error) {
	left, err := mailsync.NewBackend(globalconfig, accounts[syncpairconf.Accounts[0]])
	if err != nil {
		return nil, err
	}
	defer left.Close()

	right, err := mailsync.NewBackend(globalconfig, accounts[syncpairconf.Accounts[1]])
	if err != nil {
		return nil, err
	}
	defer right.Close()

	cache, err := mailsync.OpenCache(globalconfig.Metadatadir, syncpairconf.Name, globalconfig.LogLevel)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	policy, err := mailsync.ParseConflictPolicy(syncpairconf.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	syncer, err := mailsync.NewSyncer(syncpairconf.Name, left, right, cache, mailsync.SyncConfig{
		MaxParallelFolders: syncpairconf.MaxParallelFolders,
		ConflictPolicy:     policy,
		FolderPatterns:     syncpairconf.RegexpPatterns,
		DryRun:             opts.DryRun,
		LogLevel:           globalconfig.LogLevel,
	})
	if err != nil {
		return nil, err
	}

	return syncer.Sync(ctx)
}

func listAccounts(logger *log.Logger, globalconfig *config.Config) error {
	var failed error
	for _, accountconf := range globalconfig.Accounts {
		backend, err := mailsync.NewBackend(globalconfig, accountconf)
		if err != nil {
			logger.Errorf("Error opening account \"%s\": %s", accountconf.Name, err)
			failed = err
			continue
		}

		folders, err := backend.ListFolders()
		backend.Close()
		if err != nil {
			logger.Errorf("Error listing account \"%s\": %s", accountconf.Name, err)
			failed = err
			continue
		}

		logger.Infof("Account \"%s\" (%s):", accountconf.Name, accountconf.Type)
		for _, folder := range folders {
			logger.Infof("  %s", folder)
		}
	}
	return failed
}
