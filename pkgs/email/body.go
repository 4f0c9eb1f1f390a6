package email

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// rawPart is one node of a message parsed in memory. body holds the part's
// content exactly as a server would return it for BODY[part]: without the
// part header and still transfer-encoded.
type rawPart struct {
	node     *mailrec.PartNode
	body     []byte
	children []*rawPart
}

// parseRawMessage splits an RFC 5322 message into its header and part tree.
func parseRawMessage(raw []byte) (textproto.Header, *rawPart, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return h, parseRawEntity(h, body), nil
}

// parseRawEntity builds the part for one entity, recursing into multipart
// bodies and embedded messages.
func parseRawEntity(h textproto.Header, body []byte) *rawPart {
	mh := gomessage.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil || !h.Has("Content-Type") {
		mediaType, params = "text/plain", nil
	}
	major, minor, _ := strings.Cut(mediaType, "/")
	if strings.EqualFold(major, "text") && params["charset"] == "" {
		// RFC 2045 default, as IMAP servers report it in BODYSTRUCTURE.
		if params == nil {
			params = make(map[string]string)
		}
		params["charset"] = "us-ascii"
	}

	part := &rawPart{
		node: &mailrec.PartNode{
			Type:     mailrec.ParseMediaType(major),
			Subtype:  strings.ToLower(minor),
			Encoding: mailrec.ParseTransferEncoding(h.Get("Content-Transfer-Encoding")),
			Params:   convertParams(params),
		},
		body: body,
	}
	if _, dparams, err := mh.ContentDisposition(); err == nil {
		part.node.DispositionParams = convertParams(dparams)
	}

	if part.node.Type == mailrec.TypeMessage && strings.EqualFold(minor, "rfc822") {
		if _, inner, err := parseRawMessage(decodedBody(part.node.Encoding, body)); err == nil {
			if inner.node.Type == mailrec.TypeMultipart {
				part.children = inner.children
			} else {
				part.children = []*rawPart{inner}
			}
			for _, c := range part.children {
				part.node.Children = append(part.node.Children, c.node)
			}
		}
		return part
	}
	if part.node.Type != mailrec.TypeMultipart || params["boundary"] == "" {
		return part
	}

	// Multipart bodies are never transfer-encoded.
	part.node.Encoding = mailrec.Encoding7Bit
	mr := textproto.NewMultipartReader(bytes.NewReader(body), params["boundary"])
	for {
		p, err := mr.NextPart()
		if err != nil {
			// io.EOF ends the list; a broken part ends it too.
			break
		}
		childBody, err := io.ReadAll(p)
		if err != nil {
			break
		}
		child := parseRawEntity(p.Header, childBody)
		part.children = append(part.children, child)
		part.node.Children = append(part.node.Children, child.node)
	}
	return part
}

// lookup returns the part at addr. As on an IMAP server, part 1 of a
// non-multipart message is its body and the parts of an embedded message
// are numbered below it.
func (p *rawPart) lookup(addr mailrec.PartAddress) (*rawPart, bool) {
	cur := p
	for i, n := range addr {
		if i == 0 && n == 1 && len(addr) == 1 && cur.node.Type != mailrec.TypeMultipart {
			return cur, true
		}
		if cur.node.Type != mailrec.TypeMultipart && cur.node.Type != mailrec.TypeMessage {
			return nil, false
		}
		if n < 1 || n > len(cur.children) {
			return nil, false
		}
		cur = cur.children[n-1]
	}
	return cur, true
}

// text returns the decoded text of every text part, for BODY/TEXT search.
func (p *rawPart) text() string {
	var sb strings.Builder
	p.appendText(&sb)
	return sb.String()
}

// decodedBody undoes a transfer encoding, falling back to the raw bytes.
func decodedBody(enc mailrec.TransferEncoding, body []byte) []byte {
	decoded, err := mailrec.DecodeTransfer(enc, body)
	if err != nil {
		return body
	}
	return decoded
}

func (p *rawPart) appendText(sb *strings.Builder) {
	if p.node.Type == mailrec.TypeText {
		decoded, err := mailrec.DecodeTransfer(p.node.Encoding, p.body)
		if err == nil {
			sb.Write(decoded)
			sb.WriteByte('\n')
		}
	}
	for _, c := range p.children {
		c.appendText(sb)
	}
}
