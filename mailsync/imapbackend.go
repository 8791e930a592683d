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
	"bytes"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/fcoury/himalaya-lib/config"
	"github.com/fcoury/himalaya-lib/errors"
	"github.com/fcoury/himalaya-lib/log"
)

var imapFlagMap = map[string]string{
	imap.SeenFlag:     FlagSeen,
	imap.AnsweredFlag: FlagAnswered,
	imap.FlaggedFlag:  FlagFlagged,
	imap.DeletedFlag:  FlagDeleted,
	imap.DraftFlag:    FlagDraft,
}

// ImapBackend implements Backend over one IMAP connection. The client
// is not safe for concurrent commands, so every operation runs under
// the backend mutex.
type ImapBackend struct {
	globalconfig *config.Config
	config       *config.AccountConfig
	name         string
	logger       *log.Logger
	e            *errors.Error

	mu       sync.Mutex
	client   *client.Client
	delim    string
	selected string
}

func NewImapBackend(globalconfig *config.Config, accountconfig *config.AccountConfig) (m *ImapBackend, err error) {
	name := accountconfig.Name
	logprefix := fmt.Sprintf("imapbackend: %s", name)
	errprefix := logprefix
	logger := log.GetLogger(logprefix, globalconfig.LogLevel)
	e := errors.New(errprefix)

	m = &ImapBackend{
		globalconfig: globalconfig,
		config:       accountconfig,
		name:         name,
		logger:       logger,
		e:            e,
		delim:        FolderSeparator,
	}

	if err := m.connect(); err != nil {
		return nil, e.E(err)
	}
	return m, nil
}

func (m *ImapBackend) connect() error {
	conf := m.config

	port := conf.Port
	if port == 0 {
		if conf.Tls {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(conf.Host, strconv.Itoa(int(port)))

	tlsconfig := &tls.Config{
		ServerName:         conf.Host,
		InsecureSkipVerify: !conf.Validateservercert,
	}

	var c *client.Client
	var err error
	if conf.Tls {
		c, err = client.DialTLS(addr, tlsconfig)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return errors.WithKind(errors.KindConnection, err)
	}

	if m.globalconfig.DebugImap {
		c.SetDebug(os.Stderr)
	}

	if conf.Starttls {
		if err := c.StartTLS(tlsconfig); err != nil {
			c.Logout()
			return errors.WithKind(errors.KindConnection, err)
		}
	}

	if err := c.Login(conf.Username, conf.Password); err != nil {
		c.Logout()
		return errors.WithKind(errors.KindPermission, err)
	}

	m.client = c
	m.logger.Debugf("connected to %s", addr)
	return nil
}

func (m *ImapBackend) Name() string {
	return m.name
}

// mailboxName maps a canonical folder name to the server side one
// using the delimiter learned from LIST.
func (m *ImapBackend) mailboxName(folder string) string {
	return DenormalizeFolder(folder, m.delim)
}

func (m *ImapBackend) listMailboxes() ([]*imap.MailboxInfo, error) {
	ch := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", "*", ch)
	}()

	mailboxes := make([]*imap.MailboxInfo, 0)
	for mbox := range ch {
		mailboxes = append(mailboxes, mbox)
	}
	if err := <-done; err != nil {
		return nil, m.classify(err)
	}
	return mailboxes, nil
}

func (m *ImapBackend) ListFolders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mailboxes, err := m.listMailboxes()
	if err != nil {
		return nil, m.e.E(err)
	}

	folders := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		if mbox.Delimiter != "" {
			m.delim = mbox.Delimiter
		}
		if stringInSlice(imap.NoSelectAttr, mbox.Attributes) {
			continue
		}
		folder := NormalizeFolder(mbox.Name, mbox.Delimiter)
		folders = append(folders, folder)
		m.logger.Debugf("imap folder: %s", folder)
	}

	sort.Strings(folders)
	return folders, nil
}

func (m *ImapBackend) AddFolder(folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.client.Create(m.mailboxName(folder)); err != nil {
		// Some servers answer an error for an existing mailbox. Check
		// before giving up.
		if exists, lerr := m.mailboxExists(folder); lerr == nil && exists {
			return nil
		}
		return m.e.E(m.classify(err))
	}
	return nil
}

func (m *ImapBackend) DeleteFolder(folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.selected == folder {
		m.selected = ""
	}
	if err := m.client.Delete(m.mailboxName(folder)); err != nil {
		if exists, lerr := m.mailboxExists(folder); lerr == nil && !exists {
			return nil
		}
		return m.e.E(m.classify(err))
	}
	return nil
}

func (m *ImapBackend) mailboxExists(folder string) (bool, error) {
	mailboxes, err := m.listMailboxes()
	if err != nil {
		return false, err
	}
	for _, mbox := range mailboxes {
		if NormalizeFolder(mbox.Name, mbox.Delimiter) == folder {
			return true, nil
		}
	}
	return false, nil
}

// selectMailbox selects the folder unless it is already the selected
// mailbox. Callers must hold the mutex.
func (m *ImapBackend) selectMailbox(folder string) (*imap.MailboxStatus, error) {
	mbox, err := m.client.Select(m.mailboxName(folder), false)
	if err != nil {
		m.selected = ""
		return nil, m.classify(err)
	}
	m.selected = folder
	return mbox, nil
}

func (m *ImapBackend) ListEnvelopes(folder string) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mbox, err := m.selectMailbox(folder)
	if err != nil {
		return nil, m.e.E(err)
	}

	envelopes := make([]Envelope, 0, mbox.Messages)
	if mbox.Messages == 0 {
		return envelopes, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, mbox.Messages)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.Fetch(seqset, items, ch)
	}()

	var badmsg error
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			badmsg = fmt.Errorf("server returned no body for uid %d", msg.Uid)
			continue
		}
		raw, rerr := io.ReadAll(body)
		if rerr != nil {
			badmsg = rerr
			continue
		}

		envelopes = append(envelopes, Envelope{
			ID:    strconv.FormatUint(uint64(msg.Uid), 10),
			Hash:  hashMessage(raw),
			Flags: flagsFromImap(msg.Flags),
		})
	}
	if err := <-done; err != nil {
		return nil, m.e.E(m.classify(err))
	}
	if badmsg != nil {
		return nil, m.e.E(badmsg)
	}

	sort.Slice(envelopes, func(i, j int) bool { return envelopes[i].ID < envelopes[j].ID })
	return envelopes, nil
}

// AddEnvelope appends the message. The assigned uid is not cheaply
// available without UIDPLUS, so the returned id is empty and the
// message is picked up by the next listing.
func (m *ImapBackend) AddEnvelope(folder string, raw []byte, flags Flags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.client.Append(m.mailboxName(folder), flagsToImap(flags), time.Now(), bytes.NewBuffer(raw))
	if err != nil {
		return "", m.e.E(m.classify(err))
	}
	return "", nil
}

func (m *ImapBackend) uidSeqSet(id string) (*imap.SeqSet, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("wrong message id %q: %s", id, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	return seqset, nil
}

func (m *ImapBackend) ReadEnvelope(folder string, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.selectMailbox(folder); err != nil {
		return nil, m.e.E(err)
	}

	seqset, err := m.uidSeqSet(id)
	if err != nil {
		return nil, m.e.E(err)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqset, items, ch)
	}()

	var raw []byte
	for msg := range ch {
		if body := msg.GetBody(section); body != nil {
			raw, err = io.ReadAll(body)
		}
	}
	if ferr := <-done; ferr != nil {
		return nil, m.e.E(m.classify(ferr))
	}
	if err != nil {
		return nil, m.e.E(err)
	}
	if raw == nil {
		return nil, m.e.E(fmt.Errorf("cannot find message with id: %s", id))
	}
	return raw, nil
}

func (m *ImapBackend) DeleteEnvelope(folder string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.selectMailbox(folder); err != nil {
		return m.e.E(err)
	}

	seqset, err := m.uidSeqSet(id)
	if err != nil {
		return m.e.E(err)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return m.e.E(m.classify(err))
	}
	if err := m.client.Expunge(nil); err != nil {
		return m.e.E(m.classify(err))
	}
	return nil
}

func (m *ImapBackend) AddFlags(folder string, id string, flags Flags) error {
	return m.storeFlags(folder, id, imap.AddFlags, flags)
}

func (m *ImapBackend) RemoveFlags(folder string, id string, flags Flags) error {
	return m.storeFlags(folder, id, imap.RemoveFlags, flags)
}

func (m *ImapBackend) storeFlags(folder string, id string, op imap.FlagsOp, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.selectMailbox(folder); err != nil {
		return m.e.E(err)
	}

	seqset, err := m.uidSeqSet(id)
	if err != nil {
		return m.e.E(err)
	}

	imapflags := flagsToImap(flags)
	items := make([]interface{}, 0, len(imapflags))
	for _, f := range imapflags {
		items = append(items, f)
	}

	item := imap.FormatFlagsOp(op, true)
	if err := m.client.UidStore(seqset, item, items, nil); err != nil {
		return m.e.E(m.classify(err))
	}
	return nil
}

func (m *ImapBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.e.E(m.client.Logout())
}

func (m *ImapBackend) classify(err error) error {
	var nerr net.Error
	if stderrors.As(err, &nerr) || stderrors.Is(err, io.EOF) {
		return errors.WithKind(errors.KindConnection, err)
	}
	return err
}

// flagsFromImap maps server flags to canonical names. The \Recent
// session flag is dropped, unknown keywords keep their lowercased
// name.
func flagsFromImap(imapflags []string) Flags {
	flags := NewFlags()
	for _, f := range imapflags {
		if name, ok := imapFlagMap[f]; ok {
			flags.Add(name)
			continue
		}
		if f == imap.RecentFlag {
			continue
		}
		flags.Add(strings.ToLower(strings.TrimPrefix(f, "\\")))
	}
	return flags
}

func flagsToImap(flags Flags) []string {
	imapflags := make([]string, 0, len(flags))
	for name := range flags {
		switch name {
		case FlagSeen:
			imapflags = append(imapflags, imap.SeenFlag)
		case FlagAnswered:
			imapflags = append(imapflags, imap.AnsweredFlag)
		case FlagFlagged:
			imapflags = append(imapflags, imap.FlaggedFlag)
		case FlagDeleted:
			imapflags = append(imapflags, imap.DeletedFlag)
		case FlagDraft:
			imapflags = append(imapflags, imap.DraftFlag)
		default:
			imapflags = append(imapflags, name)
		}
	}
	sort.Strings(imapflags)
	return imapflags
}
