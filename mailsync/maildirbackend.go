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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fcoury/himalaya-lib/config"
	"github.com/fcoury/himalaya-lib/errors"
	"github.com/fcoury/himalaya-lib/log"
)

var maildirSubdirs = []string{"cur", "new", "tmp"}

// MaildirBackend implements Backend over a maildir tree: a folder is
// any directory holding cur/new/tmp, nested either as real
// subdirectories or with a '.' separated flat layout. Flags live in
// the ":2," info suffix of the file name.
type MaildirBackend struct {
	globalconfig  *config.Config
	config        *config.AccountConfig
	name          string
	root          string
	inboxPath     string
	separator     rune
	infoSeparator rune
	logger        *log.Logger
	e             *errors.Error

	mu          sync.Mutex
	entries     map[string]map[string]*maildirEntry
	lastTime    int64
	lastTimeSeq uint32
}

// maildirEntry tracks the current file of a logical message id within
// one backend handle. Ids are the flagless part of the file name and
// survive the flag renames done through this handle.
type maildirEntry struct {
	path  string
	flags Flags
}

func NewMaildirBackend(globalconfig *config.Config, accountconfig *config.AccountConfig) (m *MaildirBackend, err error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("maildirbackend: %s", name)
	errprefix := logprefix
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	root := accountconfig.Maildir
	if err = os.MkdirAll(root, 0777); err != nil {
		return nil, e.E(err)
	}

	separator := accountconfig.Separator
	if separator == 0 {
		separator = os.PathSeparator
	}
	inboxPath := accountconfig.InboxPath
	if inboxPath == "" {
		inboxPath = "./INBOX"
	}

	m = &MaildirBackend{
		globalconfig:  globalconfig,
		config:        accountconfig,
		name:          name,
		root:          root,
		inboxPath:     inboxPath,
		separator:     separator,
		infoSeparator: ':',
		logger:        logger,
		e:             e,
		entries:       make(map[string]map[string]*maildirEntry),
	}

	return m, nil
}

func (m *MaildirBackend) Name() string {
	return m.name
}

func (m *MaildirBackend) isInbox(relpath string) bool {
	return filepath.Clean(relpath) == filepath.Clean(m.inboxPath)
}

func (m *MaildirBackend) folderPath(folder string) string {
	if folder == "INBOX" {
		return filepath.Join(m.root, filepath.Clean(m.inboxPath))
	}
	rel := strings.ReplaceAll(folder, FolderSeparator, string(m.separator))
	return filepath.Join(m.root, rel)
}

func (m *MaildirBackend) relToFolder(relpath string) string {
	if m.isInbox(relpath) {
		return "INBOX"
	}
	return strings.ReplaceAll(filepath.ToSlash(relpath), string(m.separator), FolderSeparator)
}

func (m *MaildirBackend) ListFolders() ([]string, error) {
	folders := make([]string, 0)

	err := filepath.Walk(m.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() || stringInSlice(filepath.Base(path), maildirSubdirs) {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		filenames, err := f.Readdirnames(0)
		if err != nil {
			return err
		}

		var ok uint8
		for _, n := range filenames {
			if stringInSlice(n, maildirSubdirs) {
				ok++
			}
		}
		if ok != 3 {
			return nil
		}

		relpath, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}

		// A directory named inbox (case insensitive) must be the
		// configured inbox path.
		if strings.ToLower(filepath.Clean(relpath)) == "inbox" && !m.isInbox(relpath) {
			return fmt.Errorf("directory with name %q doesn't match configured inbox path %q", filepath.Clean(relpath), m.inboxPath)
		}

		folder := m.relToFolder(relpath)
		folders = append(folders, folder)
		m.logger.Debugf("maildir folder: %s", folder)
		return nil
	})
	if err != nil {
		return nil, m.e.E(m.classify(err))
	}

	sort.Strings(folders)
	return folders, nil
}

func (m *MaildirBackend) AddFolder(folder string) error {
	path := m.folderPath(folder)
	for _, d := range maildirSubdirs {
		if err := os.MkdirAll(filepath.Join(path, d), 0777); err != nil {
			return m.e.E(m.classify(err))
		}
	}
	return nil
}

// DeleteFolder removes the message directories of the folder. The
// folder directory itself is kept when it still holds child folders.
func (m *MaildirBackend) DeleteFolder(folder string) error {
	path := m.folderPath(folder)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	for _, d := range maildirSubdirs {
		if err := os.RemoveAll(filepath.Join(path, d)); err != nil {
			return m.e.E(m.classify(err))
		}
	}
	// Ignore the error: the directory may still hold child folders.
	os.Remove(path)

	m.mu.Lock()
	delete(m.entries, folder)
	m.mu.Unlock()
	return nil
}

// splitFilename splits a maildir file name into the flagless logical
// id and its flag chars.
func (m *MaildirBackend) splitFilename(fullfilename string) (string, string, error) {
	split := strings.FieldsFunc(fullfilename, func(r rune) bool {
		return r == m.infoSeparator
	})
	if len(split) != 2 {
		return "", "", fmt.Errorf("wrong filename format: %s", fullfilename)
	}
	if !strings.HasPrefix(split[1], "2,") {
		return "", "", fmt.Errorf("wrong filename format: %s", fullfilename)
	}
	return split[0], strings.TrimPrefix(split[1], "2,"), nil
}

func (m *MaildirBackend) ListEnvelopes(folder string) ([]Envelope, error) {
	path := m.folderPath(folder)
	envelopes := make([]Envelope, 0)
	entries := make(map[string]*maildirEntry)

	for _, d := range []string{"cur", "new"} {
		f, err := os.Open(filepath.Join(path, d))
		if err != nil {
			return nil, m.e.E(m.classify(err))
		}
		filenames, err := f.Readdirnames(0)
		f.Close()
		if err != nil {
			return nil, m.e.E(m.classify(err))
		}

		for _, n := range filenames {
			id, flagchars, err := m.splitFilename(n)
			if err != nil {
				if d != "new" || strings.ContainsRune(n, m.infoSeparator) {
					m.logger.Debugf("ignoring message filename %s/%s: %s", d, n, err)
					continue
				}
				// A file in new without an info suffix is a freshly
				// delivered message without flags.
				id = n
				flagchars = ""
			}

			raw, err := os.ReadFile(filepath.Join(path, d, n))
			if err != nil {
				return nil, m.e.E(m.classify(err))
			}

			flags := flagsFromMaildir(flagchars)
			entries[id] = &maildirEntry{path: filepath.Join(path, d, n), flags: flags}
			envelopes = append(envelopes, Envelope{
				ID:    id,
				Hash:  hashMessage(raw),
				Flags: flags,
			})
		}
	}

	m.mu.Lock()
	m.entries[folder] = entries
	m.mu.Unlock()

	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].ID < envelopes[j].ID })
	return envelopes, nil
}

func (m *MaildirBackend) getTimeSeq() (int64, uint32) {
	curtime := time.Now().Unix()
	if curtime == m.lastTime {
		m.lastTimeSeq++
	} else {
		m.lastTime = curtime
		m.lastTimeSeq = 0
	}
	return curtime, m.lastTimeSeq
}

func (m *MaildirBackend) generateFilename() (string, error) {
	m.mu.Lock()
	t, seq := m.getTimeSeq()
	m.mu.Unlock()

	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d_%d.%d.%s", t, seq, os.Getpid(), hostname), nil
}

func (m *MaildirBackend) AddEnvelope(folder string, raw []byte, flags Flags) (string, error) {
	path := m.folderPath(folder)

	id, err := m.generateFilename()
	if err != nil {
		return "", m.e.E(err)
	}

	fullfilename := id + string(m.infoSeparator) + "2," + flagsToMaildir(flags)
	tmpfilepath := filepath.Join(path, "tmp", fullfilename)
	curfilepath := filepath.Join(path, "cur", fullfilename)

	fo, err := os.Create(tmpfilepath)
	if err != nil {
		return "", m.e.E(m.classify(err))
	}

	w := bufio.NewWriter(fo)
	if _, err := w.Write(raw); err != nil {
		fo.Close()
		return "", m.e.E(err)
	}
	if err := w.Flush(); err != nil {
		fo.Close()
		return "", m.e.E(err)
	}
	if err := fo.Close(); err != nil {
		return "", m.e.E(err)
	}
	if err := os.Rename(tmpfilepath, curfilepath); err != nil {
		return "", m.e.E(m.classify(err))
	}

	m.mu.Lock()
	if m.entries[folder] == nil {
		m.entries[folder] = make(map[string]*maildirEntry)
	}
	m.entries[folder][id] = &maildirEntry{path: curfilepath, flags: flags.Clone()}
	m.mu.Unlock()

	return id, nil
}

func (m *MaildirBackend) entry(folder string, id string) (*maildirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[folder][id]; ok {
		return entry, nil
	}
	return nil, fmt.Errorf("cannot find message with id: %s", id)
}

func (m *MaildirBackend) ReadEnvelope(folder string, id string) ([]byte, error) {
	entry, err := m.entry(folder, id)
	if err != nil {
		return nil, m.e.E(err)
	}

	raw, err := os.ReadFile(entry.path)
	if err != nil {
		return nil, m.e.E(m.classify(err))
	}
	return raw, nil
}

func (m *MaildirBackend) DeleteEnvelope(folder string, id string) error {
	entry, err := m.entry(folder, id)
	if err != nil {
		// Already gone.
		return nil
	}

	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		return m.e.E(m.classify(err))
	}

	m.mu.Lock()
	delete(m.entries[folder], id)
	m.mu.Unlock()
	return nil
}

func (m *MaildirBackend) AddFlags(folder string, id string, flags Flags) error {
	entry, err := m.entry(folder, id)
	if err != nil {
		return m.e.E(err)
	}
	return m.setFlags(folder, id, entry, entry.flags.Union(flags))
}

func (m *MaildirBackend) RemoveFlags(folder string, id string, flags Flags) error {
	entry, err := m.entry(folder, id)
	if err != nil {
		return m.e.E(err)
	}
	return m.setFlags(folder, id, entry, entry.flags.Diff(flags))
}

// setFlags renames the message file so the info suffix carries the new
// flag set. Files living in new move to cur on their first flag
// change.
func (m *MaildirBackend) setFlags(folder string, id string, entry *maildirEntry, flags Flags) error {
	path := m.folderPath(folder)
	fullfilename := id + string(m.infoSeparator) + "2," + flagsToMaildir(flags)
	dstfilepath := filepath.Join(path, "cur", fullfilename)

	if err := os.Rename(entry.path, dstfilepath); err != nil {
		return m.e.E(m.classify(err))
	}

	m.mu.Lock()
	entry.path = dstfilepath
	entry.flags = flags
	m.mu.Unlock()
	return nil
}

func (m *MaildirBackend) Close() error {
	return nil
}

func (m *MaildirBackend) classify(err error) error {
	if os.IsPermission(err) {
		return errors.WithKind(errors.KindPermission, err)
	}
	return err
}

func stringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
