// Package mailrec flattens mailbox messages into field/value records.
//
// A Source drives a Transport (IMAP, mbox, ...) to search, sort and fetch
// message overviews, walks each message's MIME part tree with the part
// decoder, and formats the result into sparse records keyed by a caller
// supplied alias.
package mailrec

import (
	"strconv"
	"strings"
	"time"
)

// MessageSummary is one row of mailbox overview data. SeqNum is only valid
// for the lifetime of the session that produced it.
type MessageSummary struct {
	Subject    string
	From       string
	To         string
	Date       time.Time
	MessageID  string
	References string
	InReplyTo  string
	Size       uint32
	UID        uint32
	SeqNum     uint32

	Recent   bool
	Flagged  bool
	Answered bool
	Deleted  bool
	Seen     bool
	Draft    bool
}

// Overview field names accepted in a projection.
const (
	FieldSubject    = "subject"
	FieldFrom       = "from"
	FieldTo         = "to"
	FieldDate       = "date"
	FieldMessageID  = "message_id"
	FieldReferences = "references"
	FieldInReplyTo  = "in_reply_to"
	FieldSize       = "size"
	FieldUID        = "uid"
	FieldMsgno      = "msgno"
	FieldRecent     = "recent"
	FieldFlagged    = "flagged"
	FieldAnswered   = "answered"
	FieldDeleted    = "deleted"
	FieldSeen       = "seen"
	FieldDraft      = "draft"
)

// Projection switches and the body output fields they enable.
const (
	TokenBody        = "body"
	TokenAttachments = "attachments"
	// tokenAttachment is the spelling used by the historical default field list.
	tokenAttachment = "attachment"

	FieldID          = "id"
	FieldHTMLMsg     = "htmlmsg"
	FieldPlainMsg    = "plainmsg"
	FieldCharset     = "charset"
	FieldAttachments = "attachments"
)

// DateLayout is the layout used for the date field in records.
const DateLayout = time.RFC1123Z

// DefaultFields is the projection used when a query names no fields.
var DefaultFields = []string{
	FieldSubject,
	FieldFrom,
	FieldTo,
	FieldDate,
	FieldMessageID,
	FieldReferences,
	FieldInReplyTo,
	FieldSize,
	FieldUID,
	FieldMsgno,
	FieldRecent,
	FieldFlagged,
	FieldAnswered,
	FieldDeleted,
	FieldSeen,
	FieldDraft,
	TokenBody,
	TokenAttachments,
}

// Field returns the overview value for a projection name. The second result
// is false when the summary has no such field or its value is empty.
func (m *MessageSummary) Field(name string) (any, bool) {
	var v any
	switch name {
	case FieldSubject:
		v = m.Subject
	case FieldFrom:
		v = m.From
	case FieldTo:
		v = m.To
	case FieldDate:
		if m.Date.IsZero() {
			return nil, false
		}
		v = m.Date.Format(DateLayout)
	case FieldMessageID:
		v = m.MessageID
	case FieldReferences:
		v = m.References
	case FieldInReplyTo:
		v = m.InReplyTo
	case FieldSize:
		v = m.Size
	case FieldUID:
		v = m.UID
	case FieldMsgno:
		v = m.SeqNum
	case FieldRecent:
		v = m.Recent
	case FieldFlagged:
		v = m.Flagged
	case FieldAnswered:
		v = m.Answered
	case FieldDeleted:
		v = m.Deleted
	case FieldSeen:
		v = m.Seen
	case FieldDraft:
		v = m.Draft
	default:
		return nil, false
	}
	if isEmpty(v) {
		return nil, false
	}
	return v, true
}

// MediaType is the major MIME content type of a part.
type MediaType int

// Major types, numbered as mail servers report them in structure data.
const (
	TypeText MediaType = iota
	TypeMultipart
	TypeMessage
	TypeApplication
	TypeAudio
	TypeImage
	TypeVideo
	TypeModel
	TypeOther
)

var mediaTypeNames = map[MediaType]string{
	TypeText:        "text",
	TypeMultipart:   "multipart",
	TypeMessage:     "message",
	TypeApplication: "application",
	TypeAudio:       "audio",
	TypeImage:       "image",
	TypeVideo:       "video",
	TypeModel:       "model",
}

// ParseMediaType maps a MIME major type name to a MediaType.
func ParseMediaType(s string) MediaType {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range mediaTypeNames {
		if name == s {
			return t
		}
	}
	return TypeOther
}

func (t MediaType) String() string {
	if name, ok := mediaTypeNames[t]; ok {
		return name
	}
	return "other"
}

// TransferEncoding is the Content-Transfer-Encoding of a part.
type TransferEncoding int

const (
	Encoding7Bit TransferEncoding = iota
	Encoding8Bit
	EncodingBinary
	EncodingBase64
	EncodingQuotedPrintable
	EncodingOther
)

var encodingNames = map[TransferEncoding]string{
	Encoding7Bit:            "7bit",
	Encoding8Bit:            "8bit",
	EncodingBinary:          "binary",
	EncodingBase64:          "base64",
	EncodingQuotedPrintable: "quoted-printable",
}

// ParseTransferEncoding maps a Content-Transfer-Encoding value to a
// TransferEncoding. An empty value means 7bit.
func ParseTransferEncoding(s string) TransferEncoding {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Encoding7Bit
	}
	for e, name := range encodingNames {
		if name == s {
			return e
		}
	}
	return EncodingOther
}

func (e TransferEncoding) String() string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	return "other"
}

// Param is a single MIME parameter as reported by the server.
type Param struct {
	Attribute string
	Value     string
}

// PartNode is one node of a message's MIME structure.
type PartNode struct {
	Type              MediaType
	Subtype           string
	Encoding          TransferEncoding
	Params            []Param
	DispositionParams []Param
	// Children of a message/rfc822 part are the parts of the embedded
	// message, numbered as IMAP numbers them.
	Children []*PartNode
}

// ParamMap merges content-type and disposition parameters into one map with
// lower-cased attribute names. Disposition parameters win on collision.
func (p *PartNode) ParamMap() map[string]string {
	m := make(map[string]string, len(p.Params)+len(p.DispositionParams))
	for _, x := range p.Params {
		m[strings.ToLower(x.Attribute)] = x.Value
	}
	for _, x := range p.DispositionParams {
		m[strings.ToLower(x.Attribute)] = x.Value
	}
	return m
}

// PartAddress locates a part inside a message ("1", "2.1.3"). The zero value
// addresses the body of a message that has no part list.
type PartAddress []int

// Child returns the address of the i-th (1-based) child of a.
func (a PartAddress) Child(i int) PartAddress {
	child := make(PartAddress, len(a)+1)
	copy(child, a)
	child[len(a)] = i
	return child
}

// IsWhole reports whether a addresses the whole message body.
func (a PartAddress) IsWhole() bool {
	return len(a) == 0
}

func (a PartAddress) String() string {
	if a.IsWhole() {
		return "0"
	}
	parts := make([]string, len(a))
	for i, n := range a {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// ParsePartAddress parses a dotted part address. "" and "0" yield the whole
// message address.
func ParsePartAddress(s string) (PartAddress, error) {
	if s == "" || s == "0" {
		return nil, nil
	}
	fields := strings.Split(s, ".")
	addr := make(PartAddress, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, &PartAddressError{Address: s}
		}
		addr[i] = n
	}
	return addr, nil
}

// PartAddressError is returned for a malformed part address.
type PartAddressError struct {
	Address string
}

func (e *PartAddressError) Error() string {
	return "invalid part address: " + strconv.Quote(e.Address)
}

// MailboxStatus is what a Transport reports about the open mailbox.
type MailboxStatus struct {
	Messages uint32
	Date     time.Time
	Driver   string
	Mailbox  string
}

// MailboxInfo is the mailbox level metadata returned by Source.Describe.
type MailboxInfo struct {
	Date     string `json:"date"`
	Driver   string `json:"driver"`
	Mailbox  string `json:"mailbox"`
	Messages uint32 `json:"messages"`
	Recent   uint32 `json:"recent"`
}

// Fields holds the projected values of one message.
type Fields map[string]any

// Record is one result row, with its Fields nested under the caller's alias.
type Record map[string]Fields

// isEmpty reports values that the sparse record policy leaves out.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case uint32:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case []byte:
		return len(x) == 0
	case map[string][]byte:
		return len(x) == 0
	case time.Time:
		return x.IsZero()
	}
	return false
}
