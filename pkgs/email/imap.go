package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// IMAPTransport is a mailrec.Transport backed by an IMAP session.
type IMAPTransport struct {
	config  IMAPConfig
	client  *imapclient.Client
	limiter *rate.Limiter
}

var _ mailrec.Transport = (*IMAPTransport)(nil)

// IMAPConfig holds IMAP configuration
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string

	SSL                bool
	StartTLS           bool
	InsecureSkipVerify bool

	// Auth selects the authentication mechanism: "login" (default) or "plain".
	Auth string

	// FetchRate limits FETCH commands per second; zero means unlimited.
	FetchRate float64
}

// NewIMAPTransport creates a new, unconnected IMAP transport
func NewIMAPTransport(config IMAPConfig) *IMAPTransport {
	if config.Mailbox == "" {
		config.Mailbox = "INBOX"
	}
	t := &IMAPTransport{config: config}
	if config.FetchRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(config.FetchRate), 1)
	}
	return t
}

// Connect establishes a connection to the IMAP server, authenticates and
// selects the configured mailbox.
func (t *IMAPTransport) Connect(_ context.Context) error {
	addr := net.JoinHostPort(t.config.Host, fmt.Sprint(t.config.Port))
	opts := &imapclient.Options{}
	if t.config.InsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var client *imapclient.Client
	var err error

	if t.config.SSL {
		client, err = imapclient.DialTLS(addr, opts)
	} else if t.config.StartTLS {
		client, err = imapclient.DialStartTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}

	// Authenticate
	if strings.EqualFold(t.config.Auth, "plain") {
		err = client.Authenticate(sasl.NewPlainClient("", t.config.Username, t.config.Password))
	} else {
		err = client.Login(t.config.Username, t.config.Password).Wait()
	}
	if err != nil {
		client.Close()
		return fmt.Errorf("IMAP authentication failed: %w", err)
	}

	if _, err := client.Select(t.config.Mailbox, nil).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("failed to select folder %s: %w", t.config.Mailbox, err)
	}

	t.client = client
	log.Debug().Str("module", "email").Str("addr", addr).
		Str("mailbox", t.config.Mailbox).Msg("IMAP session opened")
	return nil
}

// Close closes the IMAP connection
func (t *IMAPTransport) Close() error {
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// Concurrent implements mailrec.Transport; imapclient pipelines commands
// issued from several goroutines.
func (t *IMAPTransport) Concurrent() bool {
	return true
}

func (t *IMAPTransport) ready() error {
	if t.client == nil {
		return mailrec.ErrConnectionLost
	}
	return nil
}

// Status reports the message count of the selected mailbox as tracked from
// untagged EXISTS responses. A NOOP is sent first so pending updates are
// applied and a dead session surfaces as mailrec.ErrConnectionLost.
func (t *IMAPTransport) Status(_ context.Context) (*mailrec.MailboxStatus, error) {
	if err := t.Ping(); err != nil {
		return nil, err
	}
	status := &mailrec.MailboxStatus{
		Date:    time.Now(),
		Driver:  "imap",
		Mailbox: t.config.Mailbox,
	}
	if mbox := t.client.Mailbox(); mbox != nil {
		status.Messages = mbox.NumMessages
	}
	return status, nil
}

// CountRecent counts messages carrying \Recent. imapclient does not surface
// the RECENT count, so this fetches the flags of every message.
func (t *IMAPTransport) CountRecent(ctx context.Context) (uint32, error) {
	status, err := t.Status(ctx)
	if err != nil {
		return 0, err
	}
	if status.Messages == 0 {
		return 0, nil
	}
	seqSet := imap.SeqSet{}
	seqSet.AddRange(1, status.Messages)
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	msgs, err := t.client.Fetch(seqSet, &imap.FetchOptions{Flags: true}).Collect()
	if err != nil {
		return 0, wrapIMAPError(err)
	}
	var recent uint32
	for _, buf := range msgs {
		if hasFlag(buf.Flags, imap.Flag(mailrec.FlagRecent)) {
			recent++
		}
	}
	return recent, nil
}

// SearchSort runs SORT when the server supports it and otherwise searches
// and sorts on the client.
func (t *IMAPTransport) SearchSort(ctx context.Context, key mailrec.SortKey, reverse bool, criteria *mailrec.SearchCriteria) ([]uint32, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	imapCriteria, wantRecent := convertSearchCriteria(criteria)

	var seqNums []uint32
	if t.client.Caps().Has(imap.CapSort) {
		nums, err := t.client.Sort(&imapclient.SortOptions{
			SearchCriteria: imapCriteria,
			SortCriteria:   []imapclient.SortCriterion{{Key: sortKeys[key], Reverse: reverse}},
		}).Wait()
		if err != nil {
			return nil, wrapIMAPError(err)
		}
		seqNums = nums
	} else {
		searchData, err := t.client.Search(imapCriteria, nil).Wait()
		if err != nil {
			return nil, wrapIMAPError(err)
		}
		seqNums = searchData.AllSeqNums()
		if len(seqNums) == 0 {
			return nil, nil
		}
		entries, err := t.fetchSortEntries(ctx, seqNums)
		if err != nil {
			return nil, err
		}
		seqNums = sortSeqNums(entries, key, reverse)
	}

	if wantRecent {
		return t.filterRecent(ctx, seqNums)
	}
	return seqNums, nil
}

var sortKeys = map[mailrec.SortKey]imapclient.SortKey{
	mailrec.SortDate:    imapclient.SortKeyDate,
	mailrec.SortArrival: imapclient.SortKeyArrival,
	mailrec.SortFrom:    imapclient.SortKeyFrom,
	mailrec.SortSubject: imapclient.SortKeySubject,
	mailrec.SortTo:      imapclient.SortKeyTo,
	mailrec.SortCc:      imapclient.SortKeyCc,
	mailrec.SortSize:    imapclient.SortKeySize,
}

func (t *IMAPTransport) fetchSortEntries(ctx context.Context, seqNums []uint32) ([]sortEntry, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := t.client.Fetch(imap.SeqSetNum(seqNums...), &imap.FetchOptions{
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
	}).Collect()
	if err != nil {
		return nil, wrapIMAPError(err)
	}
	entries := make([]sortEntry, 0, len(msgs))
	for _, buf := range msgs {
		e := sortEntry{
			seqNum:  buf.SeqNum,
			arrival: buf.InternalDate,
			size:    uint32(buf.RFC822Size),
		}
		if env := buf.Envelope; env != nil {
			e.date = env.Date
			e.subject = env.Subject
			e.from = firstMailbox(env.From)
			e.to = firstMailbox(env.To)
			e.cc = firstMailbox(env.Cc)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// filterRecent keeps the messages flagged \Recent, preserving order.
func (t *IMAPTransport) filterRecent(ctx context.Context, seqNums []uint32) ([]uint32, error) {
	if len(seqNums) == 0 {
		return nil, nil
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := t.client.Fetch(imap.SeqSetNum(seqNums...), &imap.FetchOptions{Flags: true}).Collect()
	if err != nil {
		return nil, wrapIMAPError(err)
	}
	recent := make(map[uint32]bool, len(msgs))
	for _, buf := range msgs {
		recent[buf.SeqNum] = hasFlag(buf.Flags, imap.Flag(mailrec.FlagRecent))
	}
	out := seqNums[:0]
	for _, n := range seqNums {
		if recent[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// referencesSection fetches the one header the envelope does not carry.
var referencesSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"References"},
	Peek:         true,
}

// FetchOverview fetches envelope, flags and size of the given messages.
func (t *IMAPTransport) FetchOverview(ctx context.Context, seqNums []uint32) ([]*mailrec.MessageSummary, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	if len(seqNums) == 0 {
		return nil, nil
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{referencesSection},
	}
	msgs, err := t.client.Fetch(imap.SeqSetNum(seqNums...), fetchOptions).Collect()
	if err != nil {
		return nil, wrapIMAPError(err)
	}

	bySeq := make(map[uint32]*mailrec.MessageSummary, len(msgs))
	for _, buf := range msgs {
		bySeq[buf.SeqNum] = convertIMAPFetchBuffer(buf)
	}
	summaries := make([]*mailrec.MessageSummary, 0, len(seqNums))
	for _, n := range seqNums {
		if s, ok := bySeq[n]; ok {
			summaries = append(summaries, s)
		}
	}
	return summaries, nil
}

// FetchStructure fetches BODYSTRUCTURE and converts it to a part tree.
func (t *IMAPTransport) FetchStructure(ctx context.Context, seqNum uint32) (*mailrec.PartNode, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := t.client.Fetch(imap.SeqSetNum(seqNum), &imap.FetchOptions{
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}).Collect()
	if err != nil {
		return nil, wrapIMAPError(err)
	}
	if len(msgs) == 0 || msgs[0].BodyStructure == nil {
		return nil, fmt.Errorf("message %d not found", seqNum)
	}
	return convertBodyStructure(msgs[0].BodyStructure), nil
}

// FetchPart fetches BODY.PEEK[part], or BODY.PEEK[TEXT] for the whole body.
func (t *IMAPTransport) FetchPart(ctx context.Context, seqNum uint32, addr mailrec.PartAddress) ([]byte, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	if addr.IsWhole() {
		section.Specifier = imap.PartSpecifierText
	} else {
		section.Part = []int(addr)
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	msgs, err := t.client.Fetch(imap.SeqSetNum(seqNum), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, wrapIMAPError(err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d not found", seqNum)
	}
	return msgs[0].FindBodySection(section), nil
}

// Delete marks a message as deleted by UID
func (t *IMAPTransport) Delete(_ context.Context, uid uint32) error {
	if err := t.ready(); err != nil {
		return err
	}
	uidSet := imap.UIDSetNum(imap.UID(uid))
	_, err := t.client.Store(uidSet, &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}, nil).Collect()
	if err != nil {
		return fmt.Errorf("failed to mark message as deleted: %w", wrapIMAPError(err))
	}
	return nil
}

// Expunge permanently removes messages marked as deleted
func (t *IMAPTransport) Expunge(_ context.Context) error {
	if err := t.ready(); err != nil {
		return err
	}
	if _, err := t.client.Expunge().Collect(); err != nil {
		return fmt.Errorf("failed to expunge messages: %w", wrapIMAPError(err))
	}
	return nil
}

// ListMailboxes lists all folders/mailboxes
func (t *IMAPTransport) ListMailboxes(_ context.Context) ([]string, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	mailboxes, err := t.client.List("", "*", &imap.ListOptions{}).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", wrapIMAPError(err))
	}
	names := make([]string, 0, len(mailboxes))
	for _, mb := range mailboxes {
		names = append(names, mb.Mailbox)
	}
	sort.Strings(names)
	return names, nil
}

// Ping sends a NOOP command to keep the connection alive
func (t *IMAPTransport) Ping() error {
	if err := t.ready(); err != nil {
		return err
	}
	return wrapIMAPError(t.client.Noop().Wait())
}

// wait blocks until the fetch rate limiter allows another command.
func (t *IMAPTransport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// --- internal helpers ---

// wrapIMAPError marks errors caused by a dead connection with
// mailrec.ErrConnectionLost.
func wrapIMAPError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", mailrec.ErrConnectionLost, err)
	}
	return err
}

// convertIMAPFetchBuffer converts a FetchMessageBuffer to a summary
func convertIMAPFetchBuffer(buf *imapclient.FetchMessageBuffer) *mailrec.MessageSummary {
	msg := &mailrec.MessageSummary{
		UID:    uint32(buf.UID),
		SeqNum: buf.SeqNum,
		Size:   uint32(buf.RFC822Size),
	}

	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		msg.MessageID = formatMessageID(env.MessageID)
		msg.InReplyTo = formatMessageIDs(env.InReplyTo)
		msg.From = formatIMAPAddresses(env.From)
		msg.To = formatIMAPAddresses(env.To)
	}
	if raw := buf.FindBodySection(referencesSection); len(raw) > 0 {
		msg.References = parseReferences(raw)
	}

	// Convert flags
	for _, f := range buf.Flags {
		switch f {
		case imap.FlagSeen:
			msg.Seen = true
		case imap.FlagFlagged:
			msg.Flagged = true
		case imap.FlagAnswered:
			msg.Answered = true
		case imap.FlagDraft:
			msg.Draft = true
		case imap.FlagDeleted:
			msg.Deleted = true
		case imap.Flag(mailrec.FlagRecent):
			msg.Recent = true
		}
	}

	return msg
}

func parseReferences(raw []byte) string {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(h.Get("References")), " ")
}

// formatIMAPAddresses renders addresses the way overview data shows them.
func formatIMAPAddresses(addrs []imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		parts = append(parts, formatAddress(a.Name, a.Addr()))
	}
	return strings.Join(parts, ", ")
}

func firstMailbox(addrs []imap.Address) string {
	for _, a := range addrs {
		if a.Mailbox != "" {
			return strings.ToLower(a.Mailbox)
		}
	}
	return ""
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(want)) {
			return true
		}
	}
	return false
}

// convertSearchCriteria maps mailrec criteria onto IMAP SEARCH keys. RECENT
// has no imap.SearchCriteria field, so it is reported back for client side
// filtering.
func convertSearchCriteria(c *mailrec.SearchCriteria) (*imap.SearchCriteria, bool) {
	out := &imap.SearchCriteria{}
	if c == nil {
		return out, false
	}
	wantRecent := false
	for _, f := range c.Flags {
		if f == mailrec.FlagRecent {
			wantRecent = true
			continue
		}
		out.Flag = append(out.Flag, imap.Flag(f))
	}
	for _, f := range c.NotFlags {
		if f == mailrec.FlagRecent {
			// OLD: not expressible either, and rarely meaningful; ignored.
			continue
		}
		out.NotFlag = append(out.NotFlag, imap.Flag(f))
	}
	for _, h := range c.Header {
		out.Header = append(out.Header, imap.SearchCriteriaHeaderField{Key: h.Key, Value: h.Value})
	}
	out.Body = append(out.Body, c.Body...)
	out.Text = append(out.Text, c.Text...)
	out.Since = c.Since
	out.Before = c.Before
	if !c.On.IsZero() {
		out.Since = c.On
		out.Before = c.On.AddDate(0, 0, 1)
	}
	return out, wantRecent
}

// convertBodyStructure converts BODYSTRUCTURE data into a part tree.
func convertBodyStructure(bs imap.BodyStructure) *mailrec.PartNode {
	switch bs := bs.(type) {
	case *imap.BodyStructureSinglePart:
		node := &mailrec.PartNode{
			Type:     mailrec.ParseMediaType(bs.Type),
			Subtype:  strings.ToLower(bs.Subtype),
			Encoding: mailrec.ParseTransferEncoding(bs.Encoding),
			Params:   convertParams(bs.Params),
		}
		if bs.Extended != nil && bs.Extended.Disposition != nil {
			node.DispositionParams = convertParams(bs.Extended.Disposition.Params)
		}
		if bs.MessageRFC822 != nil && bs.MessageRFC822.BodyStructure != nil {
			node.Children = embeddedChildren(convertBodyStructure(bs.MessageRFC822.BodyStructure))
		}
		return node
	case *imap.BodyStructureMultiPart:
		node := &mailrec.PartNode{
			Type:    mailrec.TypeMultipart,
			Subtype: strings.ToLower(bs.Subtype),
		}
		if bs.Extended != nil {
			node.Params = convertParams(bs.Extended.Params)
			if bs.Extended.Disposition != nil {
				node.DispositionParams = convertParams(bs.Extended.Disposition.Params)
			}
		}
		for _, child := range bs.Children {
			node.Children = append(node.Children, convertBodyStructure(child))
		}
		return node
	}
	return &mailrec.PartNode{Type: mailrec.TypeOther}
}

// embeddedChildren returns the parts of an embedded message with root inner:
// a multipart body contributes its children, a single part body is part 1.
func embeddedChildren(inner *mailrec.PartNode) []*mailrec.PartNode {
	if inner.Type == mailrec.TypeMultipart {
		return inner.Children
	}
	return []*mailrec.PartNode{inner}
}

// convertParams turns a parameter map into a list sorted by attribute.
func convertParams(m map[string]string) []mailrec.Param {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]mailrec.Param, 0, len(keys))
	for _, k := range keys {
		params = append(params, mailrec.Param{Attribute: k, Value: m[k]})
	}
	return params
}
