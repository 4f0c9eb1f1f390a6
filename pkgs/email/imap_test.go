package email

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/google/go-cmp/cmp"

	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// ---------------------------------------------------------------------------
// IMAP mock server helper
// ---------------------------------------------------------------------------

const (
	imapTestUser = "testuser"
	imapTestPass = "testpass"
)

// newTestIMAPServer starts an in-memory IMAP server and returns the listen
// address.  The server is closed via t.Cleanup.
func newTestIMAPServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return serveTestIMAP(t, ln)
}

// newTestIMAPServerTLS is newTestIMAPServer behind implicit TLS with a
// self-signed certificate.
func newTestIMAPServerTLS(t *testing.T) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", newTestTLSConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	return serveTestIMAP(t, ln)
}

func serveTestIMAP(t *testing.T, ln net.Listener) string {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(imapTestUser, imapTestPass)
	user.Create("INBOX", nil)
	user.Create("Archive", nil)
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1:      {},
			imap.Cap("AUTH=PLAIN"): {},
		},
	})

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr().String()
}

// appendTestMail appends raw RFC 5322 messages to mailbox via a direct IMAP
// client (not through the transport).
func appendTestMail(t *testing.T, addr, mailbox string, rawMsgs ...string) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	defer c.Close()
	if err := c.Login(imapTestUser, imapTestPass).Wait(); err != nil {
		t.Fatal(err)
	}

	for _, rawMsg := range rawMsgs {
		appendCmd := c.Append(mailbox, int64(len(rawMsg)), nil)
		if _, err := appendCmd.Write([]byte(rawMsg)); err != nil {
			t.Fatal(err)
		}
		if err := appendCmd.Close(); err != nil {
			t.Fatal(err)
		}
		if _, err := appendCmd.Wait(); err != nil {
			t.Fatal(err)
		}
	}
}

func testIMAPConfig(t *testing.T, addr string) IMAPConfig {
	t.Helper()
	host, port := splitHostPort(t, addr)
	return IMAPConfig{
		Host:     host,
		Port:     port,
		Username: imapTestUser,
		Password: imapTestPass,
	}
}

// newIMAPTestTransport creates a connected IMAPTransport pointed at the test
// server.
func newIMAPTestTransport(t *testing.T, addr string) *IMAPTransport {
	t.Helper()
	transport := NewIMAPTransport(testIMAPConfig(t, addr))
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { transport.Close() })
	return transport
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestIMAPConnect(t *testing.T) {
	addr := newTestIMAPServer(t)
	transport := NewIMAPTransport(testIMAPConfig(t, addr))
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer transport.Close()

	if err := transport.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestIMAPConnect_ImplicitTLS(t *testing.T) {
	addr := newTestIMAPServerTLS(t)
	cfg := testIMAPConfig(t, addr)
	cfg.SSL = true

	strict := NewIMAPTransport(cfg)
	if err := strict.Connect(context.Background()); err == nil {
		strict.Close()
		t.Fatal("expected certificate error without InsecureSkipVerify")
	}

	cfg.InsecureSkipVerify = true
	transport := NewIMAPTransport(cfg)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	transport.Close()
}

func TestIMAPConnect_PlainAuth(t *testing.T) {
	addr := newTestIMAPServer(t)
	cfg := testIMAPConfig(t, addr)
	cfg.Auth = "plain"
	transport := NewIMAPTransport(cfg)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	transport.Close()
}

func TestIMAPConnect_BadCredentials(t *testing.T) {
	addr := newTestIMAPServer(t)
	cfg := testIMAPConfig(t, addr)
	cfg.Username = "wrong"
	cfg.Password = "wrong"

	transport := NewIMAPTransport(cfg)
	if err := transport.Connect(context.Background()); err == nil {
		transport.Close()
		t.Fatal("expected auth error, got nil")
	}
}

func TestIMAPConnect_MissingMailbox(t *testing.T) {
	addr := newTestIMAPServer(t)
	cfg := testIMAPConfig(t, addr)
	cfg.Mailbox = "Nope"

	transport := NewIMAPTransport(cfg)
	if err := transport.Connect(context.Background()); err == nil {
		transport.Close()
		t.Fatal("expected select error, got nil")
	}
}

func TestIMAPNotConnected(t *testing.T) {
	transport := NewIMAPTransport(IMAPConfig{Host: "127.0.0.1", Port: 1})
	ctx := context.Background()

	if _, err := transport.Status(ctx); !errors.Is(err, mailrec.ErrConnectionLost) {
		t.Errorf("Status() error = %v, want ErrConnectionLost", err)
	}
	if _, err := transport.FetchPart(ctx, 1, nil); !errors.Is(err, mailrec.ErrConnectionLost) {
		t.Errorf("FetchPart() error = %v, want ErrConnectionLost", err)
	}
	if err := transport.Delete(ctx, 1); !errors.Is(err, mailrec.ErrConnectionLost) {
		t.Errorf("Delete() error = %v, want ErrConnectionLost", err)
	}
	if err := transport.Ping(); !errors.Is(err, mailrec.ErrConnectionLost) {
		t.Errorf("Ping() error = %v, want ErrConnectionLost", err)
	}
}

func TestIMAPStatus(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailMultipart)
	transport := newIMAPTestTransport(t, addr)

	status, err := transport.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.Messages != 2 {
		t.Errorf("Messages = %d, want 2", status.Messages)
	}
	if status.Driver != "imap" || status.Mailbox != "INBOX" {
		t.Errorf("Driver/Mailbox = %q/%q", status.Driver, status.Mailbox)
	}
	if status.Date.IsZero() {
		t.Error("Date is zero")
	}
}

func TestIMAPStatus_TracksExists(t *testing.T) {
	addr := newTestIMAPServer(t)
	transport := newIMAPTestTransport(t, addr)
	ctx := context.Background()

	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailMultipart)

	status, err := transport.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.Messages != 2 {
		t.Errorf("Messages = %d after append, want 2", status.Messages)
	}
	if _, err := transport.CountRecent(ctx); err != nil {
		t.Errorf("CountRecent() error: %v", err)
	}
}

func TestIMAPStatus_Empty(t *testing.T) {
	addr := newTestIMAPServer(t)
	transport := newIMAPTestTransport(t, addr)

	status, err := transport.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if status.Messages != 0 {
		t.Errorf("status = %+v, want empty", status)
	}
	if recent, err := transport.CountRecent(context.Background()); err != nil || recent != 0 {
		t.Errorf("CountRecent() = %d, %v, want 0", recent, err)
	}
}

func TestIMAPListMailboxes(t *testing.T) {
	addr := newTestIMAPServer(t)
	transport := newIMAPTestTransport(t, addr)

	got, err := transport.ListMailboxes(context.Background())
	if err != nil {
		t.Fatalf("ListMailboxes() error: %v", err)
	}
	if diff := cmp.Diff([]string{"Archive", "INBOX"}, got); diff != "" {
		t.Errorf("ListMailboxes() mismatch (-want +got):\n%s", diff)
	}
}

func TestIMAPSearchSort_ClientSideFallback(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailMultipart, testMailNested)
	transport := newIMAPTestTransport(t, addr)
	ctx := context.Background()

	// Subjects: 1 "Test Subject", 2 "Multipart Test", 3 "Nested Multipart".
	got, err := transport.SearchSort(ctx, mailrec.SortSubject, false, nil)
	if err != nil {
		t.Fatalf("SearchSort() error: %v", err)
	}
	if diff := cmp.Diff([]uint32{2, 3, 1}, got); diff != "" {
		t.Errorf("ascending mismatch (-want +got):\n%s", diff)
	}

	got, err = transport.SearchSort(ctx, mailrec.SortSubject, true, nil)
	if err != nil {
		t.Fatalf("SearchSort() error: %v", err)
	}
	if diff := cmp.Diff([]uint32{1, 3, 2}, got); diff != "" {
		t.Errorf("descending mismatch (-want +got):\n%s", diff)
	}
}

func TestIMAPSearchSort_Criteria(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailMultipart, testMailNested)
	transport := newIMAPTestTransport(t, addr)

	criteria, err := mailrec.ParseSearch(`SUBJECT "Multipart"`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := transport.SearchSort(context.Background(), mailrec.SortDate, false, criteria)
	if err != nil {
		t.Fatalf("SearchSort() error: %v", err)
	}
	if diff := cmp.Diff([]uint32{2, 3}, got); diff != "" {
		t.Errorf("SearchSort() mismatch (-want +got):\n%s", diff)
	}
}

func TestIMAPSearchSort_NoMatch(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822)
	transport := newIMAPTestTransport(t, addr)

	criteria, _ := mailrec.ParseSearch(`SUBJECT "no such subject"`)
	got, err := transport.SearchSort(context.Background(), mailrec.SortDate, true, criteria)
	if err != nil {
		t.Fatalf("SearchSort() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("SearchSort() = %v, want empty", got)
	}
}

func TestIMAPFetchOverview(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailReply)
	transport := newIMAPTestTransport(t, addr)

	got, err := transport.FetchOverview(context.Background(), []uint32{2, 1})
	if err != nil {
		t.Fatalf("FetchOverview() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FetchOverview() returned %d summaries, want 2", len(got))
	}
	if got[0].SeqNum != 2 || got[1].SeqNum != 1 {
		t.Errorf("order = %d,%d, want request order 2,1", got[0].SeqNum, got[1].SeqNum)
	}

	first := got[1]
	if first.Subject != "Test Subject" {
		t.Errorf("Subject = %q", first.Subject)
	}
	if first.From != "sender@example.com" {
		t.Errorf("From = %q", first.From)
	}
	if first.MessageID != "<test-1@example.com>" {
		t.Errorf("MessageID = %q", first.MessageID)
	}
	if first.UID == 0 || first.Size == 0 {
		t.Errorf("UID/Size = %d/%d, want non-zero", first.UID, first.Size)
	}

	reply := got[0]
	if reply.From != "Alice Example <alice@example.com>" {
		t.Errorf("reply From = %q", reply.From)
	}
	if reply.InReplyTo != "<test-1@example.com>" {
		t.Errorf("InReplyTo = %q", reply.InReplyTo)
	}
	if reply.References != "<test-0@example.com> <test-1@example.com>" {
		t.Errorf("References = %q", reply.References)
	}
}

func TestIMAPFetchStructureAndPart(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailNested)
	transport := newIMAPTestTransport(t, addr)
	ctx := context.Background()

	root, err := transport.FetchStructure(ctx, 1)
	if err != nil {
		t.Fatalf("FetchStructure() error: %v", err)
	}
	if root.Type != mailrec.TypeMultipart || root.Subtype != "mixed" {
		t.Fatalf("root = %v/%q, want multipart/mixed", root.Type, root.Subtype)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(root.Children))
	}
	alt := root.Children[0]
	if alt.Type != mailrec.TypeMultipart || len(alt.Children) != 2 {
		t.Fatalf("first child = %+v, want multipart with 2 children", alt)
	}
	image := root.Children[1]
	if image.Type != mailrec.TypeImage {
		t.Errorf("second child type = %v, want image", image.Type)
	}
	if image.ParamMap()["filename"] != "image.png" {
		t.Errorf("image params = %v", image.ParamMap())
	}

	body, err := transport.FetchPart(ctx, 1, mailrec.PartAddress{1, 2})
	if err != nil {
		t.Fatalf("FetchPart(1.2) error: %v", err)
	}
	if string(body) != "<p>HTML version</p>" {
		t.Errorf("FetchPart(1.2) = %q", body)
	}
}

func TestIMAPAssembleThroughSource(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailNested)
	transport := NewIMAPTransport(testIMAPConfig(t, addr))
	src := mailrec.NewSource(transport, mailrec.Options{Workers: 2})
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	records, err := src.Read(ctx, "INBOX", mailrec.QuerySpec{
		Fields: []string{"subject", "body", "attachments"},
		Order:  mailrec.OrderSpec{Criterion: "subject"},
	})
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Read() returned %d records, want 2", len(records))
	}

	nested := records[0]["INBOX"]
	if nested["subject"] != "Nested Multipart" {
		t.Fatalf("first record subject = %v", nested["subject"])
	}
	if nested["plainmsg"] != "Plain version\n\n" {
		t.Errorf("plainmsg = %q", nested["plainmsg"])
	}
	if nested["htmlmsg"] != "<p>HTML version</p><br/><br/>" {
		t.Errorf("htmlmsg = %q", nested["htmlmsg"])
	}
	atts, ok := nested["attachments"].(map[string][]byte)
	if !ok || string(atts["image.png"]) != "PNG-DATA" {
		t.Errorf("attachments = %v", nested["attachments"])
	}

	simple := records[1]["INBOX"]
	if simple["plainmsg"] != "Hello, World!\n\n" {
		t.Errorf("plainmsg = %q", simple["plainmsg"])
	}
}

func TestIMAPDeleteAndExpunge(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822, testMailMultipart)
	transport := newIMAPTestTransport(t, addr)
	ctx := context.Background()

	summaries, err := transport.FetchOverview(ctx, []uint32{1})
	if err != nil || len(summaries) != 1 {
		t.Fatalf("FetchOverview() = %v, %v", summaries, err)
	}
	if err := transport.Delete(ctx, summaries[0].UID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := transport.Expunge(ctx); err != nil {
		t.Fatalf("Expunge() error: %v", err)
	}

	status, err := transport.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Messages != 1 {
		t.Errorf("Messages = %d after expunge, want 1", status.Messages)
	}
}

func TestIMAPFetchRateLimit(t *testing.T) {
	addr := newTestIMAPServer(t)
	appendTestMail(t, addr, "INBOX", testMailRFC822)
	cfg := testIMAPConfig(t, addr)
	cfg.FetchRate = 1000
	transport := NewIMAPTransport(cfg)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := transport.FetchStructure(ctx, 1); err == nil {
		t.Error("FetchStructure() with canceled context succeeded")
	}
}

func TestWrapIMAPError(t *testing.T) {
	if wrapIMAPError(nil) != nil {
		t.Error("wrapIMAPError(nil) != nil")
	}
	if err := wrapIMAPError(net.ErrClosed); !errors.Is(err, mailrec.ErrConnectionLost) {
		t.Errorf("net.ErrClosed not mapped: %v", err)
	}
	other := errors.New("NO [TRYCREATE] nope")
	if err := wrapIMAPError(other); errors.Is(err, mailrec.ErrConnectionLost) {
		t.Errorf("unrelated error mapped to ErrConnectionLost")
	}
}

func TestConvertBodyStructure_EmbeddedMessage(t *testing.T) {
	pdf := &imap.BodyStructureSinglePart{
		Type:     "application",
		Subtype:  "pdf",
		Encoding: "base64",
		Extended: &imap.BodyStructureSinglePartExt{
			Disposition: &imap.BodyStructureDisposition{
				Value:  "attachment",
				Params: map[string]string{"filename": "q3.pdf"},
			},
		},
	}
	text := &imap.BodyStructureSinglePart{Type: "text", Subtype: "plain"}
	fwd := &imap.BodyStructureSinglePart{
		Type:    "message",
		Subtype: "rfc822",
		MessageRFC822: &imap.BodyStructureMessageRFC822{
			BodyStructure: &imap.BodyStructureMultiPart{
				Subtype:  "mixed",
				Children: []imap.BodyStructure{text, pdf},
			},
		},
	}

	node := convertBodyStructure(fwd)
	if node.Type != mailrec.TypeMessage || len(node.Children) != 2 {
		t.Fatalf("node = %+v, want message with 2 parts", node)
	}
	if got := node.Children[1].Filename(); got != "q3.pdf" {
		t.Errorf("part 2.2 filename = %q", got)
	}

	single := &imap.BodyStructureSinglePart{
		Type:          "message",
		Subtype:       "rfc822",
		MessageRFC822: &imap.BodyStructureMessageRFC822{BodyStructure: text},
	}
	if node := convertBodyStructure(single); len(node.Children) != 1 || node.Children[0].Type != mailrec.TypeText {
		t.Errorf("single part embedded message = %+v", node)
	}
}

func TestConvertSearchCriteria(t *testing.T) {
	criteria, err := mailrec.ParseSearch(`UNSEEN FROM "bob" NEW ON "5-Mar-2024"`)
	if err != nil {
		t.Fatal(err)
	}
	got, wantRecent := convertSearchCriteria(criteria)
	if !wantRecent {
		t.Error("NEW should request client-side RECENT filtering")
	}
	if len(got.Header) != 1 || got.Header[0].Key != "From" {
		t.Errorf("Header = %+v", got.Header)
	}
	if got.Before.Sub(got.Since).Hours() != 24 {
		t.Errorf("ON range = %v..%v, want one day", got.Since, got.Before)
	}
	for _, f := range got.Flag {
		if f == imap.Flag(mailrec.FlagRecent) {
			t.Error("\\Recent leaked into the IMAP criteria")
		}
	}
}
