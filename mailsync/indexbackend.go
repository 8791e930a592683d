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

package mailsync

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fcoury/himalaya-lib/config"
	"github.com/fcoury/himalaya-lib/errors"
	"github.com/fcoury/himalaya-lib/log"
)

const indexSchema = `
create table if not exists folders (
	folder text not null,
	primary key (folder)
);
create table if not exists messages (
	folder text not null,
	id text not null,
	hash text not null,
	flags text,
	raw blob not null,
	primary key (folder, id)
);
`

// IndexBackend implements Backend over a single file message index. It
// stores the raw messages in a sqlite database, which makes it useful
// both as a lightweight local archive and as the in process store the
// engine tests run against.
type IndexBackend struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	name         string
	db           *sql.DB
	logger       *log.Logger
	e            *errors.Error
	mu           sync.Mutex
}

func NewIndexBackend(globalconfig *config.Config, accountconfig *config.AccountConfig) (m *IndexBackend, err error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("indexbackend: %s", name)
	errprefix := logprefix
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	indexpath := accountconfig.Indexpath
	if err := os.MkdirAll(filepath.Dir(indexpath), 0777); err != nil {
		return nil, e.E(err)
	}

	db, err := sql.Open("sqlite3", indexpath)
	if err != nil {
		return nil, e.E(err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, e.E(err)
	}

	m = &IndexBackend{
		globalconfig: globalconfig,
		config:       accountconfig,
		name:         name,
		db:           db,
		logger:       logger,
		e:            e,
	}

	return m, nil
}

func (m *IndexBackend) Name() string {
	return m.name
}

// ListFolders returns the union of the registered folders and the
// folders referenced by stored messages, so an index predating the
// folders table still lists completely.
func (m *IndexBackend) ListFolders() ([]string, error) {
	rows, err := m.db.Query("select folder from folders union select distinct folder from messages")
	if err != nil {
		return nil, m.e.E(err)
	}
	defer rows.Close()

	folders := make([]string, 0)
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, m.e.E(err)
		}
		folders = append(folders, folder)
	}
	if err := rows.Err(); err != nil {
		return nil, m.e.E(err)
	}

	sort.Strings(folders)
	return folders, nil
}

func (m *IndexBackend) AddFolder(folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec("insert or ignore into folders (folder) values (?)", folder)
	return m.e.E(err)
}

func (m *IndexBackend) DeleteFolder(folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.Exec("delete from messages where folder = ?", folder); err != nil {
		return m.e.E(err)
	}
	_, err := m.db.Exec("delete from folders where folder = ?", folder)
	return m.e.E(err)
}

func (m *IndexBackend) ListEnvelopes(folder string) ([]Envelope, error) {
	rows, err := m.db.Query("select id, hash, flags from messages where folder = ?", folder)
	if err != nil {
		return nil, m.e.E(err)
	}
	defer rows.Close()

	envelopes := make([]Envelope, 0)
	for rows.Next() {
		var id, hash, flags string
		if err := rows.Scan(&id, &hash, &flags); err != nil {
			return nil, m.e.E(err)
		}
		envelopes = append(envelopes, Envelope{ID: id, Hash: hash, Flags: ParseFlags(flags)})
	}
	if err := rows.Err(); err != nil {
		return nil, m.e.E(err)
	}

	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].ID < envelopes[j].ID })
	return envelopes, nil
}

func (m *IndexBackend) AddEnvelope(folder string, raw []byte, flags Flags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	_, err := m.db.Exec("insert into messages (folder, id, hash, flags, raw) values (?, ?, ?, ?, ?)",
		folder, id, hashMessage(raw), flags.String(), raw)
	if err != nil {
		return "", m.e.E(err)
	}
	return id, nil
}

func (m *IndexBackend) ReadEnvelope(folder string, id string) ([]byte, error) {
	var raw []byte
	err := m.db.QueryRow("select raw from messages where folder = ? and id = ?", folder, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, m.e.E(fmt.Errorf("cannot find message with id: %s", id))
	}
	if err != nil {
		return nil, m.e.E(err)
	}
	return raw, nil
}

func (m *IndexBackend) DeleteEnvelope(folder string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec("delete from messages where folder = ? and id = ?", folder, id)
	return m.e.E(err)
}

func (m *IndexBackend) AddFlags(folder string, id string, flags Flags) error {
	return m.updateFlags(folder, id, func(current Flags) Flags { return current.Union(flags) })
}

func (m *IndexBackend) RemoveFlags(folder string, id string, flags Flags) error {
	return m.updateFlags(folder, id, func(current Flags) Flags { return current.Diff(flags) })
}

func (m *IndexBackend) updateFlags(folder string, id string, apply func(Flags) Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current string
	err := m.db.QueryRow("select flags from messages where folder = ? and id = ?", folder, id).Scan(&current)
	if err == sql.ErrNoRows {
		return m.e.E(fmt.Errorf("cannot find message with id: %s", id))
	}
	if err != nil {
		return m.e.E(err)
	}

	newflags := apply(ParseFlags(current))
	_, err = m.db.Exec("update messages set flags = ? where folder = ? and id = ?",
		newflags.String(), folder, id)
	return m.e.E(err)
}

func (m *IndexBackend) Close() error {
	return m.e.E(m.db.Close())
}
