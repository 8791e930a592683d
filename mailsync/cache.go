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
	"strconv"
	"strings"
	"sync"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fcoury/himalaya-lib/errors"
	"github.com/fcoury/himalaya-lib/log"
)

const cacheSchema = `
create table if not exists folders (
	folder text not null,
	primary key (folder)
);
create table if not exists envelopes (
	folder text not null,
	hash text not null,
	flags text,
	primary key (folder, hash)
);
`

// Cache is the persisted last known converged state of one account
// pair, used as the baseline for three way diffing. It is opened at
// the start of a sync session and closed at the end; every row write
// is an atomic checkpoint.
//
// Opening the cache takes a process wide advisory lock scoped to the
// account pair, so two sessions (also from different invocations of
// the program) never mutate the same baseline concurrently.
type Cache struct {
	pair     string
	db       *sql.DB
	lockpath string
	mu       sync.Mutex
	logger   *log.Logger
	e        *errors.Error
}

// OpenCache opens (creating if needed) the cache of the account pair
// under metadatadir. A held session lock surfaces as a sync in
// progress error; any storage failure as cache unavailable.
func OpenCache(metadatadir string, pair string, loglevel string) (*Cache, error) {
	logprefix := fmt.Sprintf("cache: %s", pair)
	logger := log.GetLogger(logprefix, loglevel)
	e := errors.New(logprefix)

	dir := filepath.Join(metadatadir, "syncpairs", pair)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, e.K(errors.KindCacheUnavailable, err)
	}

	lockpath := filepath.Join(dir, "sync.lock")
	if err := acquireLock(lockpath, logger); err != nil {
		return nil, e.E(err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "syncstatus.db"))
	if err != nil {
		os.Remove(lockpath)
		return nil, e.K(errors.KindCacheUnavailable, err)
	}

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		os.Remove(lockpath)
		return nil, e.K(errors.KindCacheUnavailable, err)
	}

	c := &Cache{
		pair:     pair,
		db:       db,
		lockpath: lockpath,
		logger:   logger,
		e:        e,
	}

	return c, nil
}

// acquireLock creates the pid lock file exclusively. A lock held by a
// dead process is broken and retaken once.
func acquireLock(lockpath string, logger *log.Logger) error {
	for retry := 0; retry < 2; retry++ {
		f, err := os.OpenFile(lockpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(lockpath)
				return errors.WithKind(errors.KindCacheUnavailable, werr)
			}
			return nil
		}
		if !os.IsExist(err) {
			return errors.WithKind(errors.KindCacheUnavailable, err)
		}

		data, rerr := os.ReadFile(lockpath)
		if rerr == nil {
			pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
			if perr == nil && pid > 0 && !processAlive(pid) {
				logger.Infof("breaking stale session lock of dead pid %d", pid)
				os.Remove(lockpath)
				continue
			}
		}
		return errors.WithKind(errors.KindSyncInProgress, fmt.Errorf("session lock %s held by another sync", lockpath))
	}
	return errors.WithKind(errors.KindSyncInProgress, fmt.Errorf("session lock %s held by another sync", lockpath))
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// Close closes the cache and releases the session lock.
func (c *Cache) Close() error {
	err := c.db.Close()
	if rerr := os.Remove(c.lockpath); err == nil {
		err = rerr
	}
	return c.e.E(err)
}

// Folders returns the cached baseline folder list.
func (c *Cache) Folders() ([]string, error) {
	rows, err := c.db.Query("select folder from folders")
	if err != nil {
		return nil, c.e.K(errors.KindCacheUnavailable, err)
	}
	defer rows.Close()

	folders := make([]string, 0)
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, c.e.K(errors.KindCacheUnavailable, err)
		}
		folders = append(folders, folder)
	}
	return folders, c.e.K(errors.KindCacheUnavailable, rows.Err())
}

func (c *Cache) AddFolder(folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("insert or ignore into folders (folder) values (?)", folder)
	return c.e.K(errors.KindCacheUnavailable, err)
}

// DeleteFolder removes the folder row and every envelope row of the
// folder.
func (c *Cache) DeleteFolder(folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("delete from envelopes where folder = ?", folder); err != nil {
		return c.e.K(errors.KindCacheUnavailable, err)
	}
	_, err := c.db.Exec("delete from folders where folder = ?", folder)
	return c.e.K(errors.KindCacheUnavailable, err)
}

// Envelopes returns the cached baseline of one folder as hash keyed
// flag sets.
func (c *Cache) Envelopes(folder string) (map[string]Flags, error) {
	rows, err := c.db.Query("select hash, flags from envelopes where folder = ?", folder)
	if err != nil {
		return nil, c.e.K(errors.KindCacheUnavailable, err)
	}
	defer rows.Close()

	envelopes := make(map[string]Flags)
	for rows.Next() {
		var hash, flags string
		if err := rows.Scan(&hash, &flags); err != nil {
			return nil, c.e.K(errors.KindCacheUnavailable, err)
		}
		envelopes[hash] = ParseFlags(flags)
	}
	return envelopes, c.e.K(errors.KindCacheUnavailable, rows.Err())
}

// PutEnvelope upserts one baseline row.
func (c *Cache) PutEnvelope(folder string, hash string, flags Flags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("insert or replace into envelopes (folder, hash, flags) values (?, ?, ?)",
		folder, hash, flags.String())
	return c.e.K(errors.KindCacheUnavailable, err)
}

func (c *Cache) DeleteEnvelope(folder string, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec("delete from envelopes where folder = ? and hash = ?", folder, hash)
	return c.e.K(errors.KindCacheUnavailable, err)
}
