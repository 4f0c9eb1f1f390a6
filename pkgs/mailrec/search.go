package mailrec

import (
	"fmt"
	"strings"
	"time"
)

// Flag is an IMAP system flag or keyword.
type Flag string

const (
	FlagSeen     Flag = `\Seen`
	FlagAnswered Flag = `\Answered`
	FlagFlagged  Flag = `\Flagged`
	FlagDeleted  Flag = `\Deleted`
	FlagDraft    Flag = `\Draft`
	FlagRecent   Flag = `\Recent`
)

// HeaderMatch requires a header field to contain Value (case-insensitive).
type HeaderMatch struct {
	Key   string
	Value string
}

// SearchCriteria is a conjunction of message predicates. The zero value
// matches every message.
type SearchCriteria struct {
	Flags    []Flag
	NotFlags []Flag
	Header   []HeaderMatch
	Body     []string
	Text     []string

	// Dates compare against the internal date, day granularity.
	Since  time.Time
	Before time.Time
	On     time.Time
}

// SearchDateLayout is the date format used in search strings.
const SearchDateLayout = "2-Jan-2006"

var searchFlagKeys = map[string]struct {
	flag Flag
	not  bool
}{
	"ANSWERED":   {FlagAnswered, false},
	"UNANSWERED": {FlagAnswered, true},
	"DELETED":    {FlagDeleted, false},
	"UNDELETED":  {FlagDeleted, true},
	"FLAGGED":    {FlagFlagged, false},
	"UNFLAGGED":  {FlagFlagged, true},
	"SEEN":       {FlagSeen, false},
	"UNSEEN":     {FlagSeen, true},
	"DRAFT":      {FlagDraft, false},
	"UNDRAFT":    {FlagDraft, true},
	"RECENT":     {FlagRecent, false},
	"OLD":        {FlagRecent, true},
}

var searchHeaderKeys = map[string]string{
	"FROM":    "From",
	"TO":      "To",
	"CC":      "Cc",
	"BCC":     "Bcc",
	"SUBJECT": "Subject",
}

// ParseSearch parses an imap_search style criteria string such as
// `UNSEEN FROM "alice" SINCE 1-Jan-2024`. An empty or "ALL" string yields
// nil, which matches everything.
func ParseSearch(s string) (*SearchCriteria, error) {
	tokens, err := tokenizeSearch(s)
	if err != nil {
		return nil, err
	}
	c := &SearchCriteria{}
	empty := true
	for i := 0; i < len(tokens); i++ {
		key := strings.ToUpper(tokens[i])
		if key == "ALL" {
			continue
		}
		empty = false

		if f, ok := searchFlagKeys[key]; ok {
			if f.not {
				c.NotFlags = append(c.NotFlags, f.flag)
			} else {
				c.Flags = append(c.Flags, f.flag)
			}
			continue
		}
		if key == "NEW" {
			c.Flags = append(c.Flags, FlagRecent)
			c.NotFlags = append(c.NotFlags, FlagSeen)
			continue
		}

		// Everything below takes one argument.
		if i+1 >= len(tokens) {
			return nil, fmt.Errorf("%w: %s needs an argument", ErrBadSearch, key)
		}
		arg := tokens[i+1]
		i++

		if hdr, ok := searchHeaderKeys[key]; ok {
			c.Header = append(c.Header, HeaderMatch{Key: hdr, Value: arg})
			continue
		}
		switch key {
		case "BODY":
			c.Body = append(c.Body, arg)
		case "TEXT":
			c.Text = append(c.Text, arg)
		case "KEYWORD":
			c.Flags = append(c.Flags, Flag(arg))
		case "UNKEYWORD":
			c.NotFlags = append(c.NotFlags, Flag(arg))
		case "SINCE", "BEFORE", "ON":
			t, err := time.Parse(SearchDateLayout, arg)
			if err != nil {
				return nil, fmt.Errorf("%w: bad date %q", ErrBadSearch, arg)
			}
			switch key {
			case "SINCE":
				c.Since = t
			case "BEFORE":
				c.Before = t
			default:
				c.On = t
			}
		default:
			return nil, fmt.Errorf("%w: unknown key %q", ErrBadSearch, tokens[i-1])
		}
	}
	if empty {
		return nil, nil
	}
	return c, nil
}

func tokenizeSearch(s string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		quoted bool
		inTok  bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quoted && ch == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case ch == '"':
			quoted = !quoted
			inTok = true
		case !quoted && (ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n'):
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteByte(ch)
			inTok = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrBadSearch)
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
