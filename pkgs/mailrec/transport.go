package mailrec

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Source operations while no session is open.
	ErrNotConnected = errors.New("mailbox not connected")

	// ErrConnectionLost is wrapped by transports when the session dropped.
	ErrConnectionLost = errors.New("mailbox connection lost")

	// ErrMissingUID is returned by Delete when no UID was given.
	ErrMissingUID = errors.New("missing message uid")

	// ErrUnsupported is returned by Calculate for anything but "count".
	ErrUnsupported = errors.New("unsupported calculation")

	// ErrBadSearch is wrapped by ParseSearch for malformed criteria.
	ErrBadSearch = errors.New("bad search criteria")
)

// Transport is the mailbox session a Source reads from. Calls on one
// Transport are serialized by the Source unless Concurrent reports true.
type Transport interface {
	// Connect opens and authenticates the session and selects the mailbox.
	Connect(ctx context.Context) error

	// Close releases the session.
	Close() error

	// Status reports the message count and mailbox identity. It is called
	// on every read and must stay cheap.
	Status(ctx context.Context) (*MailboxStatus, error)

	// CountRecent returns how many messages carry \Recent. It may scan the
	// whole mailbox and is only used by Describe.
	CountRecent(ctx context.Context) (uint32, error)

	// SearchSort returns the sequence numbers matching criteria, ordered by
	// key. A nil criteria matches every message.
	SearchSort(ctx context.Context, key SortKey, reverse bool, criteria *SearchCriteria) ([]uint32, error)

	// FetchOverview returns one summary per sequence number, in the order
	// the numbers were given. Unknown numbers are skipped.
	FetchOverview(ctx context.Context, seqNums []uint32) ([]*MessageSummary, error)

	// FetchStructure returns the root of a message's part tree.
	FetchStructure(ctx context.Context, seqNum uint32) (*PartNode, error)

	// FetchPart returns the raw, still transfer-encoded bytes of one part.
	// A whole-message address returns the message body without its header.
	FetchPart(ctx context.Context, seqNum uint32, addr PartAddress) ([]byte, error)

	// Delete flags the message with the given UID for deletion.
	Delete(ctx context.Context, uid uint32) error

	// Expunge permanently removes flagged messages.
	Expunge(ctx context.Context) error

	// ListMailboxes returns the names of all mailboxes on the account.
	ListMailboxes(ctx context.Context) ([]string, error)

	// Concurrent reports whether the transport may be called from several
	// goroutines at once.
	Concurrent() bool
}
