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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testConfig = `
loglevel = "debug"
metadatadir = "/tmp/himalaya-sync-test"

[[account]]
name = "local"
type = "Maildir"
maildir = "/tmp/mail"

[[account]]
name = "archive"
type = "Index"
indexpath = "/tmp/index.db"

[[account]]
name = "remote"
type = "IMAP"
host = "mail.example.com"
username = "user01"
password = "secret"
tls = true

[[syncpair]]
name = "pair01"
accounts = ["local", "remote"]
maxparallelfolders = 4
conflictpolicy = "addition-wins"
regexppatterns = ["!/^Trash$/"]

[[syncpair]]
name = "pair02"
accounts = ["local", "archive"]
`

func parseTestConfig(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(content), 0666))
	return ParseConfig(path)
}

func TestParseConfig(t *testing.T) {
	conf, err := parseTestConfig(t, testConfig)
	require.NoError(t, err)
	require.NoError(t, VerifyConfig(conf))

	require.Equal(t, "debug", conf.LogLevel)
	require.Equal(t, "/tmp/himalaya-sync-test", conf.Metadatadir)

	require.Len(t, conf.Accounts, 3)
	require.Equal(t, "Maildir", conf.Accounts[0].Type)
	// Defaults apply per account table.
	require.Equal(t, os.PathSeparator, conf.Accounts[0].Separator)
	require.Equal(t, "./INBOX", conf.Accounts[0].InboxPath)
	require.True(t, conf.Accounts[2].Validateservercert)
	require.True(t, conf.Accounts[2].Tls)

	require.Len(t, conf.Syncpairs, 2)
	require.Equal(t, 4, conf.Syncpairs[0].MaxParallelFolders)
	require.Equal(t, "addition-wins", conf.Syncpairs[0].ConflictPolicy)
	require.Equal(t, []string{"!/^Trash$/"}, conf.Syncpairs[0].RegexpPatterns)
	require.Equal(t, 1, conf.Syncpairs[1].MaxParallelFolders)
	require.Equal(t, "removal-wins", conf.Syncpairs[1].ConflictPolicy)
}

func TestParseConfigDefaultMetadatadir(t *testing.T) {
	conf, err := parseTestConfig(t, "")
	require.NoError(t, err)
	require.NotEmpty(t, conf.Metadatadir)
	require.Equal(t, "info", conf.LogLevel)
}

func TestVerifyConfigWrongLogLevel(t *testing.T) {
	conf, err := parseTestConfig(t, `loglevel = "trace"`)
	require.NoError(t, err)
	require.Error(t, VerifyConfig(conf))
}

func TestVerifyAccountConfig(t *testing.T) {
	globalconfig := &Config{}

	require.Error(t, VerifyAccountConfig(globalconfig, &AccountConfig{Type: "Maildir"}))
	require.Error(t, VerifyAccountConfig(globalconfig, &AccountConfig{Name: "a", Type: "wrong"}))
	require.Error(t, VerifyAccountConfig(globalconfig, &AccountConfig{Name: "a", Type: "Maildir"}))
	require.Error(t, VerifyAccountConfig(globalconfig, &AccountConfig{Name: "a", Type: "Index"}))
	require.Error(t, VerifyAccountConfig(globalconfig, &AccountConfig{
		Name: "a", Type: "IMAP", Host: "h", Username: "u", Password: "p", Tls: true, Starttls: true,
	}))
	require.Error(t, VerifyAccountConfig(globalconfig, &AccountConfig{
		Name: "a", Type: "Maildir", Maildir: "/tmp/mail", Separator: '-',
	}))

	require.NoError(t, VerifyAccountConfig(globalconfig, &AccountConfig{
		Name: "a", Type: "Maildir", Maildir: "/tmp/mail", Separator: '.',
	}))
	require.NoError(t, VerifyAccountConfig(globalconfig, &AccountConfig{
		Name: "a", Type: "IMAP", Host: "h", Username: "u", Password: "p", Tls: true,
	}))
}

func TestVerifySyncpairConfig(t *testing.T) {
	globalconfig := &Config{
		Accounts: []*AccountConfig{
			{Name: "a", Type: "Index", Indexpath: "/tmp/a.db"},
			{Name: "b", Type: "Index", Indexpath: "/tmp/b.db"},
		},
	}

	valid := &SyncpairConfig{
		Name: "pair", Accounts: []string{"a", "b"},
		MaxParallelFolders: 1, ConflictPolicy: "removal-wins",
	}
	require.NoError(t, VerifySyncpairConfig(globalconfig, valid))

	wrong := *valid
	wrong.Accounts = []string{"a"}
	require.Error(t, VerifySyncpairConfig(globalconfig, &wrong))

	wrong = *valid
	wrong.Accounts = []string{"a", "missing"}
	require.Error(t, VerifySyncpairConfig(globalconfig, &wrong))

	wrong = *valid
	wrong.MaxParallelFolders = 0
	require.Error(t, VerifySyncpairConfig(globalconfig, &wrong))

	wrong = *valid
	wrong.ConflictPolicy = "last-writer-wins"
	require.Error(t, VerifySyncpairConfig(globalconfig, &wrong))
}
