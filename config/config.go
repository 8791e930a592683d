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

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Accounts    []*AccountConfig  `toml:"account"`
	Syncpairs   []*SyncpairConfig `toml:"syncpair"`
	Metadatadir string
	LogLevel    string
	DebugImap   bool
}

type AccountConfig struct {
	Name string

	// "IMAP", "Maildir" or "Index"
	Type string

	// Imap specific config options
	Host               string
	Port               uint16
	Username           string
	Password           string
	Starttls           bool
	Tls                bool
	Validateservercert bool

	// Maildir specific config options
	Maildir   string
	InboxPath string
	Separator rune

	// Index specific config options
	Indexpath string
}

type SyncpairConfig struct {
	Name     string
	Accounts []string

	MaxParallelFolders int

	// "removal-wins" or "addition-wins"
	ConflictPolicy string

	// Folder patterns matching.
	// The format is:
	// /pattern/
	// !/pattern/
	RegexpPatterns []string
}

func ParseConfig(conffilepath string) (conf *Config, err error) {
	defaultAccountConfig := AccountConfig{Validateservercert: true, Separator: os.PathSeparator, InboxPath: "./INBOX"}
	defaultSyncpairConfig := SyncpairConfig{MaxParallelFolders: 1, ConflictPolicy: "removal-wins"}

	var configfile map[string]interface{}
	_, err = toml.DecodeFile(conffilepath, &configfile)
	if err != nil {
		return nil, err
	}

	u, err := user.Current()
	if err != nil {
		return nil, err
	}

	defMetadatadir := filepath.Join(u.HomeDir, ".himalaya-sync")

	conf = &Config{
		Metadatadir: defMetadatadir,
		LogLevel:    "info",
		DebugImap:   false,
	}

	// Prefill the Accounts and Syncpairs slices so every table decodes
	// on top of the default values.
	for k, v := range configfile {
		tables, ok := v.([]map[string]interface{})
		if !ok {
			continue
		}
		switch k {
		case "account":
			for range tables {
				accountconfig := defaultAccountConfig
				conf.Accounts = append(conf.Accounts, &accountconfig)
			}
		case "syncpair":
			for range tables {
				syncpairconfig := defaultSyncpairConfig
				conf.Syncpairs = append(conf.Syncpairs, &syncpairconfig)
			}
		}
	}

	if _, err = toml.DecodeFile(conffilepath, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func VerifyConfig(config *Config) (err error) {
	validloglevels := []string{"error", "info", "debug"}
	if !StringInSlice(config.LogLevel, validloglevels) {
		return fmt.Errorf("wrong log level: \"%s\". Valid levels are: %s", config.LogLevel, validloglevels)
	}

	for _, accountconf := range config.Accounts {
		if err = VerifyAccountConfig(config, accountconf); err != nil {
			return err
		}
	}
	for _, syncpairconf := range config.Syncpairs {
		if err = VerifySyncpairConfig(config, syncpairconf); err != nil {
			return err
		}
	}
	return nil
}

func VerifyAccountConfig(globalconfig *Config, config *AccountConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("account name is empty")
	}
	errprefix := fmt.Sprintf("[Account: %s] ", config.Name)
	validtypes := []string{"IMAP", "Maildir", "Index"}
	if !StringInSlice(config.Type, validtypes) {
		return fmt.Errorf(errprefix+"wrong account type: \"%s\". Valid types are: %s", config.Type, validtypes)
	}
	switch config.Type {
	case "IMAP":
		if config.Host == "" {
			return fmt.Errorf(errprefix + "host option is empty")
		}
		if config.Username == "" {
			return fmt.Errorf(errprefix + "username option is empty")
		}
		if config.Password == "" {
			return fmt.Errorf(errprefix + "password option is empty")
		}
		if config.Tls && config.Starttls {
			return fmt.Errorf(errprefix + "both tls and starttls enabled. Only one of them is permitted.")
		}
	case "Maildir":
		if config.Maildir == "" {
			return fmt.Errorf(errprefix + "maildir option is empty")
		}
		validseparators := []rune{'.', '/'}
		if !RuneInSlice(config.Separator, validseparators) {
			return fmt.Errorf(errprefix+"wrong separator: %q. Valid separators are: %q", config.Separator, validseparators)
		}
	case "Index":
		if config.Indexpath == "" {
			return fmt.Errorf(errprefix + "indexpath option is empty")
		}
	}
	return
}

func VerifySyncpairConfig(globalconfig *Config, config *SyncpairConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("syncpair name is empty")
	}
	errprefix := fmt.Sprintf("[Syncpair: %s] ", config.Name)

	if len(config.Accounts) != 2 {
		return fmt.Errorf(errprefix + "wrong number of accounts")
	}

	accountnames := make([]string, 0, len(globalconfig.Accounts))
	for _, accountconf := range globalconfig.Accounts {
		accountnames = append(accountnames, accountconf.Name)
	}
	for _, name := range config.Accounts {
		if !StringInSlice(name, accountnames) {
			return fmt.Errorf(errprefix+"missing account definition for: \"%s\"", name)
		}
	}

	if config.MaxParallelFolders < 1 {
		return fmt.Errorf(errprefix + "maxparallelfolders must be >= 1")
	}

	validpolicies := []string{"removal-wins", "addition-wins"}
	if !StringInSlice(config.ConflictPolicy, validpolicies) {
		return fmt.Errorf(errprefix+"wrong conflictpolicy: \"%s\". Valid policies are: %s", config.ConflictPolicy, validpolicies)
	}
	return
}

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func RuneInSlice(a rune, list []rune) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
