package mailrec

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// fakeMessage is one message served by fakeTransport. Parts are keyed by
// PartAddress.String(); "0" holds the body of a non-multipart message.
type fakeMessage struct {
	summary *MessageSummary
	root    *PartNode
	parts   map[string][]byte
}

// fakeTransport is an in-memory Transport that records the calls it gets.
type fakeTransport struct {
	mu         sync.Mutex
	messages   []*fakeMessage
	concurrent bool

	connectErr error
	partErr    map[string]error
	structErr  map[uint32]error
	statusErr  error
	deleteErr  error

	connected bool
	calls     map[string]int
	deleted   []uint32
	expunged  int
	lastSort  SortKey
	lastRev   bool
	lastCrit  *SearchCriteria
}

func newFakeTransport(msgs ...*fakeMessage) *fakeTransport {
	for i, m := range msgs {
		if m.summary == nil {
			m.summary = &MessageSummary{}
		}
		m.summary.SeqNum = uint32(i + 1)
		if m.summary.UID == 0 {
			m.summary.UID = uint32(100 + i)
		}
	}
	return &fakeTransport{messages: msgs, calls: make(map[string]int)}
}

func (f *fakeTransport) called(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTransport) message(seqNum uint32) (*fakeMessage, error) {
	if seqNum == 0 || int(seqNum) > len(f.messages) {
		return nil, errors.New("no such message")
	}
	return f.messages[seqNum-1], nil
}

func (f *fakeTransport) Connect(context.Context) error {
	f.called("connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.called("close")
	f.connected = false
	return nil
}

func (f *fakeTransport) Status(context.Context) (*MailboxStatus, error) {
	f.called("status")
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &MailboxStatus{
		Messages: uint32(len(f.messages)),
		Driver:   "fake",
		Mailbox:  "INBOX",
	}, nil
}

func (f *fakeTransport) CountRecent(context.Context) (uint32, error) {
	f.called("recent")
	var recent uint32
	for _, m := range f.messages {
		if m.summary.Recent {
			recent++
		}
	}
	return recent, nil
}

func (f *fakeTransport) SearchSort(_ context.Context, key SortKey, reverse bool, criteria *SearchCriteria) ([]uint32, error) {
	f.called("search")
	f.lastSort, f.lastRev, f.lastCrit = key, reverse, criteria
	seqs := make([]uint32, 0, len(f.messages))
	for _, m := range f.messages {
		seqs = append(seqs, m.summary.SeqNum)
	}
	if key == SortSize {
		sort.SliceStable(seqs, func(i, j int) bool {
			return f.messages[seqs[i]-1].summary.Size < f.messages[seqs[j]-1].summary.Size
		})
	}
	if reverse {
		for i, j := 0, len(seqs)-1; i < j; i, j = i+1, j-1 {
			seqs[i], seqs[j] = seqs[j], seqs[i]
		}
	}
	return seqs, nil
}

func (f *fakeTransport) FetchOverview(_ context.Context, seqNums []uint32) ([]*MessageSummary, error) {
	f.called("overview")
	out := make([]*MessageSummary, 0, len(seqNums))
	for _, n := range seqNums {
		if m, err := f.message(n); err == nil {
			out = append(out, m.summary)
		}
	}
	return out, nil
}

func (f *fakeTransport) FetchStructure(_ context.Context, seqNum uint32) (*PartNode, error) {
	f.called("structure")
	if err := f.structErr[seqNum]; err != nil {
		return nil, err
	}
	m, err := f.message(seqNum)
	if err != nil {
		return nil, err
	}
	return m.root, nil
}

func (f *fakeTransport) FetchPart(_ context.Context, seqNum uint32, addr PartAddress) ([]byte, error) {
	f.called("part")
	if err := f.partErr[addr.String()]; err != nil {
		return nil, err
	}
	m, err := f.message(seqNum)
	if err != nil {
		return nil, err
	}
	return m.parts[addr.String()], nil
}

func (f *fakeTransport) Delete(_ context.Context, uid uint32) error {
	f.called("delete")
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, uid)
	return nil
}

func (f *fakeTransport) Expunge(context.Context) error {
	f.called("expunge")
	f.expunged++
	return nil
}

func (f *fakeTransport) ListMailboxes(context.Context) ([]string, error) {
	f.called("list")
	return []string{"INBOX", "Sent"}, nil
}

func (f *fakeTransport) Concurrent() bool {
	return f.concurrent
}

// Part tree helpers.

func textPart(subtype string, params ...Param) *PartNode {
	return &PartNode{Type: TypeText, Subtype: subtype, Params: params}
}

func multipart(subtype string, children ...*PartNode) *PartNode {
	return &PartNode{Type: TypeMultipart, Subtype: subtype, Children: children}
}

func attachmentPart(filename string, enc TransferEncoding) *PartNode {
	return &PartNode{
		Type:              TypeApplication,
		Subtype:           "octet-stream",
		Encoding:          enc,
		DispositionParams: []Param{{Attribute: "filename", Value: filename}},
	}
}

// helloWithAttachment is a 2-part message: "Hello" and a base64 a.txt.
func helloWithAttachment() *fakeMessage {
	return &fakeMessage{
		summary: &MessageSummary{Subject: "greeting", From: "alice@example.com", Size: 512},
		root: multipart("mixed",
			textPart("plain"),
			attachmentPart("a.txt", EncodingBase64),
		),
		parts: map[string][]byte{
			"1": []byte("Hello"),
			"2": []byte("SGk="),
		},
	}
}
