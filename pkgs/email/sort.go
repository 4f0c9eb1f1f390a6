package email

import (
	"sort"
	"strings"
	"time"

	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// sortEntry carries the values a message can be sorted by when the server
// cannot sort for us.
type sortEntry struct {
	seqNum  uint32
	date    time.Time
	arrival time.Time
	from    string
	to      string
	cc      string
	subject string
	size    uint32
}

// sortSeqNums orders entries by key, ties broken by sequence number, and
// returns the sequence numbers. reverse flips the whole result.
func sortSeqNums(entries []sortEntry, key mailrec.SortKey, reverse bool) []uint32 {
	less := func(a, b *sortEntry) int {
		switch key {
		case mailrec.SortArrival:
			return compareTime(a.arrival, b.arrival)
		case mailrec.SortFrom:
			return strings.Compare(a.from, b.from)
		case mailrec.SortTo:
			return strings.Compare(a.to, b.to)
		case mailrec.SortCc:
			return strings.Compare(a.cc, b.cc)
		case mailrec.SortSubject:
			return strings.Compare(baseSubject(a.subject), baseSubject(b.subject))
		case mailrec.SortSize:
			return compareUint(a.size, b.size)
		}
		da, db := a.date, b.date
		if da.IsZero() {
			da = a.arrival
		}
		if db.IsZero() {
			db = b.arrival
		}
		return compareTime(da, db)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if c := less(&entries[i], &entries[j]); c != 0 {
			return c < 0
		}
		return entries[i].seqNum < entries[j].seqNum
	})

	out := make([]uint32, len(entries))
	for i, e := range entries {
		out[i] = e.seqNum
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// baseSubject strips reply and forward prefixes, roughly as RFC 5256 does.
func baseSubject(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for {
		trimmed := s
		for _, prefix := range []string{"re:", "fw:", "fwd:"} {
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		}
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "(fwd)"))
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
