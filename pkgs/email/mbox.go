package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-mbox"
	"github.com/rs/zerolog/log"

	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// MboxTransport serves an mbox file as a mailbox. Messages are parsed once
// on Connect; parts are sliced from memory instead of fetched one by one.
//
// UIDs are assigned in file order on Connect and survive Expunge within a
// session, but not across sessions.
type MboxTransport struct {
	path string

	mu       sync.RWMutex
	open     bool
	loadedAt time.Time
	messages []*mboxMessage
}

var _ mailrec.Transport = (*MboxTransport)(nil)

type mboxMessage struct {
	uid     uint32
	raw     []byte
	header  textproto.Header
	root    *rawPart
	summary mailrec.MessageSummary
	cc      string
	bcc     string
	date    time.Time
	flags   map[mailrec.Flag]bool
}

// NewMboxTransport returns a transport over the mbox file at path.
func NewMboxTransport(path string) *MboxTransport {
	return &MboxTransport{path: path}
}

// Connect reads and parses the whole mbox file.
func (t *MboxTransport) Connect(_ context.Context) error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open mbox file: %w", err)
	}
	defer f.Close()

	var messages []*mboxMessage
	mr := mbox.NewReader(f)
	for {
		msgReader, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading mbox message: %w", err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("reading mbox message: %w", err)
		}
		msg, err := newMboxMessage(uint32(len(messages)+1), raw)
		if err != nil {
			log.Warn().Str("module", "email").Str("path", t.path).Err(err).
				Int("index", len(messages)+1).Msg("Skipping unparseable mbox message")
			continue
		}
		messages = append(messages, msg)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = messages
	t.renumber()
	t.open = true
	t.loadedAt = time.Now()
	return nil
}

// Close forgets the loaded messages.
func (t *MboxTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	t.messages = nil
	return nil
}

// Concurrent implements mailrec.Transport.
func (t *MboxTransport) Concurrent() bool {
	return true
}

func newMboxMessage(uid uint32, raw []byte) (*mboxMessage, error) {
	h, root, err := parseRawMessage(raw)
	if err != nil {
		return nil, err
	}
	mh := mail.Header{Header: gomessage.Header{Header: h}}

	msg := &mboxMessage{
		uid:    uid,
		raw:    raw,
		header: h,
		root:   root,
		flags:  parseMboxFlags(h),
	}
	s := &msg.summary
	s.UID = uid
	s.Size = uint32(len(raw))
	s.Subject, _ = mh.Subject()
	if s.Subject == "" {
		s.Subject = h.Get("Subject")
	}
	s.From = formatMailAddresses(mh, "From")
	s.To = formatMailAddresses(mh, "To")
	msg.cc = formatMailAddresses(mh, "Cc")
	msg.bcc = formatMailAddresses(mh, "Bcc")
	if date, err := mh.Date(); err == nil {
		s.Date = date
		msg.date = date
	}
	if id, err := mh.MessageID(); err == nil {
		s.MessageID = formatMessageID(id)
	}
	if ids, err := mh.MsgIDList("In-Reply-To"); err == nil {
		s.InReplyTo = formatMessageIDs(ids)
	}
	if ids, err := mh.MsgIDList("References"); err == nil {
		s.References = formatMessageIDs(ids)
	}
	msg.applyFlags()
	return msg, nil
}

// parseMboxFlags reads the Status/X-Status headers written by mail readers:
// R read, O old; A answered, F flagged, D deleted, T draft.
func parseMboxFlags(h textproto.Header) map[mailrec.Flag]bool {
	flags := make(map[mailrec.Flag]bool)
	status := h.Get("Status")
	if strings.Contains(status, "R") {
		flags[mailrec.FlagSeen] = true
	}
	if !strings.Contains(status, "O") {
		flags[mailrec.FlagRecent] = true
	}
	xstatus := h.Get("X-Status")
	for ch, f := range map[string]mailrec.Flag{
		"A": mailrec.FlagAnswered,
		"F": mailrec.FlagFlagged,
		"D": mailrec.FlagDeleted,
		"T": mailrec.FlagDraft,
	} {
		if strings.Contains(xstatus, ch) {
			flags[f] = true
		}
	}
	for _, kw := range strings.Fields(h.Get("X-Keywords")) {
		flags[mailrec.Flag(strings.TrimSuffix(kw, ","))] = true
	}
	return flags
}

func (m *mboxMessage) applyFlags() {
	s := &m.summary
	s.Seen = m.flags[mailrec.FlagSeen]
	s.Recent = m.flags[mailrec.FlagRecent]
	s.Answered = m.flags[mailrec.FlagAnswered]
	s.Flagged = m.flags[mailrec.FlagFlagged]
	s.Deleted = m.flags[mailrec.FlagDeleted]
	s.Draft = m.flags[mailrec.FlagDraft]
}

func formatMailAddresses(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, formatAddress(a.Name, a.Address))
	}
	return strings.Join(parts, ", ")
}

// renumber assigns sequence numbers in file order. Callers hold mu.
func (t *MboxTransport) renumber() {
	for i, m := range t.messages {
		m.summary.SeqNum = uint32(i + 1)
	}
}

func (t *MboxTransport) byseq(seqNum uint32) (*mboxMessage, error) {
	if !t.open {
		return nil, mailrec.ErrConnectionLost
	}
	if seqNum == 0 || int(seqNum) > len(t.messages) {
		return nil, fmt.Errorf("message %d not found", seqNum)
	}
	return t.messages[seqNum-1], nil
}

// Status reports the loaded message counts.
func (t *MboxTransport) Status(_ context.Context) (*mailrec.MailboxStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.open {
		return nil, mailrec.ErrConnectionLost
	}
	status := &mailrec.MailboxStatus{
		Messages: uint32(len(t.messages)),
		Date:     t.loadedAt,
		Driver:   "mbox",
		Mailbox:  filepath.Base(t.path),
	}
	return status, nil
}

// CountRecent counts loaded messages without an O in their Status header.
func (t *MboxTransport) CountRecent(_ context.Context) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.open {
		return 0, mailrec.ErrConnectionLost
	}
	var recent uint32
	for _, m := range t.messages {
		if m.summary.Recent {
			recent++
		}
	}
	return recent, nil
}

// SearchSort filters and sorts the loaded messages in memory.
func (t *MboxTransport) SearchSort(_ context.Context, key mailrec.SortKey, reverse bool, criteria *mailrec.SearchCriteria) ([]uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.open {
		return nil, mailrec.ErrConnectionLost
	}
	entries := make([]sortEntry, 0, len(t.messages))
	for _, m := range t.messages {
		if !m.matches(criteria) {
			continue
		}
		entries = append(entries, sortEntry{
			seqNum:  m.summary.SeqNum,
			date:    m.date,
			arrival: m.date,
			from:    strings.ToLower(m.summary.From),
			to:      strings.ToLower(m.summary.To),
			cc:      strings.ToLower(m.cc),
			subject: m.summary.Subject,
			size:    m.summary.Size,
		})
	}
	return sortSeqNums(entries, key, reverse), nil
}

// matches evaluates c against the message. A nil c matches everything.
func (m *mboxMessage) matches(c *mailrec.SearchCriteria) bool {
	if c == nil {
		return true
	}
	for _, f := range c.Flags {
		if !m.flags[f] {
			return false
		}
	}
	for _, f := range c.NotFlags {
		if m.flags[f] {
			return false
		}
	}
	for _, hm := range c.Header {
		if !containsFold(m.headerValue(hm.Key), hm.Value) {
			return false
		}
	}
	if len(c.Body) > 0 || len(c.Text) > 0 {
		body := m.root.text()
		for _, s := range c.Body {
			if !containsFold(body, s) {
				return false
			}
		}
		for _, s := range c.Text {
			if !containsFold(body, s) && !containsFold(m.headerText(), s) {
				return false
			}
		}
	}
	day := truncateDay(m.date)
	if !c.Since.IsZero() && day.Before(truncateDay(c.Since)) {
		return false
	}
	if !c.Before.IsZero() && !day.Before(truncateDay(c.Before)) {
		return false
	}
	if !c.On.IsZero() && !day.Equal(truncateDay(c.On)) {
		return false
	}
	return true
}

func (m *mboxMessage) headerValue(key string) string {
	switch strings.ToLower(key) {
	case "from":
		return m.summary.From
	case "to":
		return m.summary.To
	case "cc":
		return m.cc
	case "bcc":
		return m.bcc
	case "subject":
		return m.summary.Subject
	}
	return m.header.Get(key)
}

func (m *mboxMessage) headerText() string {
	var sb strings.Builder
	fields := m.header.Fields()
	for fields.Next() {
		sb.WriteString(fields.Key())
		sb.WriteString(": ")
		sb.WriteString(fields.Value())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// FetchOverview returns copies of the summaries for seqNums.
func (t *MboxTransport) FetchOverview(_ context.Context, seqNums []uint32) ([]*mailrec.MessageSummary, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.open {
		return nil, mailrec.ErrConnectionLost
	}
	out := make([]*mailrec.MessageSummary, 0, len(seqNums))
	for _, n := range seqNums {
		m, err := t.byseq(n)
		if err != nil {
			continue
		}
		s := m.summary
		out = append(out, &s)
	}
	return out, nil
}

// FetchStructure returns the part tree parsed on Connect.
func (t *MboxTransport) FetchStructure(_ context.Context, seqNum uint32) (*mailrec.PartNode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, err := t.byseq(seqNum)
	if err != nil {
		return nil, err
	}
	return m.root.node, nil
}

// FetchPart slices the raw part bytes from memory.
func (t *MboxTransport) FetchPart(_ context.Context, seqNum uint32, addr mailrec.PartAddress) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, err := t.byseq(seqNum)
	if err != nil {
		return nil, err
	}
	p, ok := m.root.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("message %d has no part %s", seqNum, addr)
	}
	return p.body, nil
}

// Delete flags the message with uid as deleted.
func (t *MboxTransport) Delete(_ context.Context, uid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return mailrec.ErrConnectionLost
	}
	for _, m := range t.messages {
		if m.uid == uid {
			m.flags[mailrec.FlagDeleted] = true
			m.applyFlags()
			return nil
		}
	}
	return fmt.Errorf("no message with uid %d", uid)
}

// Expunge drops deleted messages and rewrites the mbox file.
func (t *MboxTransport) Expunge(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return mailrec.ErrConnectionLost
	}

	kept := t.messages[:0:0]
	for _, m := range t.messages {
		if !m.flags[mailrec.FlagDeleted] {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(t.messages) {
		return nil
	}
	if err := writeMbox(t.path, kept); err != nil {
		return err
	}
	t.messages = kept
	t.renumber()
	return nil
}

// writeMbox atomically replaces path with messages.
func writeMbox(path string, messages []*mboxMessage) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mailrec-*.mbox")
	if err != nil {
		return fmt.Errorf("create temp mbox: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := mbox.NewWriter(tmp)
	for _, m := range messages {
		fromAddr := "MAILER-DAEMON"
		mh := mail.Header{Header: gomessage.Header{Header: m.header}}
		if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
			fromAddr = addrs[0].Address
		}
		msgDate := m.date
		if msgDate.IsZero() {
			msgDate = time.Now()
		}
		mw, err := w.CreateMessage(fromAddr, msgDate)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("creating message: %w", err)
		}
		if _, err := mw.Write(m.raw); err != nil {
			tmp.Close()
			return fmt.Errorf("writing message: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("closing mbox writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace mbox file: %w", err)
	}
	return nil
}

// ListMailboxes lists the mbox files next to the open one.
func (t *MboxTransport) ListMailboxes(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(t.path))
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	ext := filepath.Ext(t.path)
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if filepath.Ext(e.Name()) == ext {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, errors.New("no mbox files found")
	}
	return names, nil
}
