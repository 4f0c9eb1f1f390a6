package mailrec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
)

// PartKind classifies a decoded part.
type PartKind int

const (
	KindContainer PartKind = iota
	KindAttachment
	KindText
	KindEmbeddedMessage
)

func (k PartKind) String() string {
	switch k {
	case KindAttachment:
		return "attachment"
	case KindText:
		return "text"
	case KindEmbeddedMessage:
		return "message"
	}
	return "container"
}

// DecodedPart is the decoder output for one PartNode.
type DecodedPart struct {
	Kind    PartKind
	Payload []byte

	// Set for KindText.
	HTML    bool
	Charset string

	// Set for KindAttachment.
	Filename string
}

// cutset matches the characters stripped around text payloads.
const cutset = " \t\n\r\x00\x0b"

// DecodeTransfer undoes the transfer encoding of raw part bytes. Base64 and
// quoted-printable are decoded; every other encoding passes through.
func DecodeTransfer(enc TransferEncoding, raw []byte) ([]byte, error) {
	if enc != EncodingBase64 && enc != EncodingQuotedPrintable {
		return raw, nil
	}

	var h gomessage.Header
	h.Set("Content-Transfer-Encoding", enc.String())
	entity, err := gomessage.New(h, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", enc, err)
	}
	decoded, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", enc, err)
	}
	return decoded, nil
}

// Filename returns the part's file name from its disposition or content type
// parameters, or "" when it has none.
func (p *PartNode) Filename() string {
	params := p.ParamMap()
	if name := params["filename"]; name != "" {
		return name
	}
	return params["name"]
}

// DecodePart decodes raw and classifies node. A decoding failure yields an
// empty payload together with the error; the part is still classified so
// the traversal can carry on.
func DecodePart(node *PartNode, raw []byte) (DecodedPart, error) {
	payload, decErr := DecodeTransfer(node.Encoding, raw)
	if decErr != nil {
		payload = nil
	}

	params := node.ParamMap()

	// Any part with a file name is an attachment, even text parts.
	if filename := node.Filename(); filename != "" {
		if payload == nil {
			payload = []byte{}
		}
		return DecodedPart{Kind: KindAttachment, Payload: payload, Filename: filename}, decErr
	}

	switch {
	case node.Type == TypeText && len(payload) > 0:
		return DecodedPart{
			Kind:    KindText,
			Payload: payload,
			HTML:    !strings.EqualFold(node.Subtype, "plain"),
			Charset: params["charset"],
		}, decErr
	case node.Type == TypeMessage && len(payload) > 0:
		return DecodedPart{Kind: KindEmbeddedMessage, Payload: payload}, decErr
	}
	return DecodedPart{Kind: KindContainer}, decErr
}

// AssembledMessage accumulates the decoded parts of one message.
type AssembledMessage struct {
	PlainText   string
	HTMLText    string
	Charset     string
	Attachments map[string][]byte
}

// NewAssembledMessage returns an empty accumulator.
func NewAssembledMessage() *AssembledMessage {
	return &AssembledMessage{Attachments: make(map[string][]byte)}
}

// Add merges one decoded part into the message.
func (m *AssembledMessage) Add(p DecodedPart) {
	switch p.Kind {
	case KindAttachment:
		// Same-named attachments overwrite each other.
		m.Attachments[p.Filename] = p.Payload
	case KindText:
		if p.HTML {
			m.HTMLText += string(p.Payload) + "<br/><br/>"
		} else {
			m.PlainText += string(bytes.Trim(p.Payload, cutset)) + "\n\n"
		}
		if m.Charset == "" && p.Charset != "" {
			m.Charset = p.Charset
		}
	case KindEmbeddedMessage:
		m.PlainText += string(bytes.Trim(p.Payload, cutset)) + "\n\n"
	}
}
