package mailrec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CalcCount is the only function supported by Source.Calculate.
const CalcCount = "count"

// Options tunes a Source.
type Options struct {
	// Workers bounds how many message bodies are assembled at once. It only
	// takes effect when the transport is concurrent.
	Workers int
}

// Source reads records from a mailbox through a Transport. Its methods are
// safe to call from several goroutines; transport access is serialized.
type Source struct {
	mu        sync.Mutex
	transport Transport
	opts      Options
	connected bool
	lastErr   error
	countOnly bool
	numRows   int
	log       zerolog.Logger
}

// NewSource returns a disconnected Source over t.
func NewSource(t Transport, opts Options) *Source {
	return &Source{
		transport: t,
		opts:      opts,
		log:       log.With().Str("module", "mailrec").Logger(),
	}
}

// Connect opens the transport session.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Source) connectLocked(ctx context.Context) error {
	s.connected = false
	if err := s.transport.Connect(ctx); err != nil {
		s.lastErr = err
		return fmt.Errorf("connect: %w", err)
	}
	s.connected = true
	s.log.Debug().Msg("Mailbox connected")
	return nil
}

// Reconnect closes and reopens the session.
func (s *Source) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeLocked(); err != nil {
		s.log.Debug().Err(err).Msg("Close before reconnect failed")
	}
	return s.connectLocked(ctx)
}

// Close closes the session. Closing a closed source is a no-op.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Source) closeLocked() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	if err := s.transport.Close(); err != nil {
		s.lastErr = err
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// IsConnected reports whether the session is open.
func (s *Source) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastError returns the most recent transport error, or nil. It does not
// change the connection state.
func (s *Source) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// CountOnly reports whether the last Calculate call was a count.
func (s *Source) CountOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countOnly
}

// NumRows returns the message count seen by the last Calculate or Describe.
func (s *Source) NumRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numRows
}

// record keeps err for LastError and drops the connection when the
// transport reports it lost.
func (s *Source) record(err error) error {
	if err == nil {
		return nil
	}
	s.lastErr = err
	if errors.Is(err, ErrConnectionLost) {
		s.connected = false
	}
	return err
}

// Read runs q against the mailbox and returns the records with fields
// nested under alias. An empty mailbox yields an empty slice.
func (s *Source) Read(ctx context.Context, alias string, q QuerySpec) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	slog := s.log.With().Str("alias", alias).Logger()

	criteria, err := ParseSearch(q.Search)
	if err != nil {
		slog.Warn().Err(err).Str("search", q.Search).Msg("Rejected search criteria")
		return nil, err
	}

	status, err := s.transport.Status(ctx)
	if err != nil {
		return nil, s.record(fmt.Errorf("mailbox status: %w", err))
	}
	n := int(status.Messages)
	if q.Limit > 0 && q.Limit < n {
		n = q.Limit
	}
	if n == 0 {
		return []Record{}, nil
	}

	key, reverse := TranslateOrder(q.Order)
	seqNums, err := s.transport.SearchSort(ctx, key, reverse, criteria)
	if err != nil {
		return nil, s.record(fmt.Errorf("search: %w", err))
	}
	if len(seqNums) > n {
		seqNums = seqNums[:n]
	}
	if len(seqNums) == 0 {
		return []Record{}, nil
	}

	summaries, err := s.transport.FetchOverview(ctx, seqNums)
	if err != nil {
		return nil, s.record(fmt.Errorf("fetch overview: %w", err))
	}

	workers := 1
	if s.transport.Concurrent() {
		workers = s.opts.Workers
	}
	f := NewFormatter(NewAssembler(s.transport), workers)
	records, err := f.Format(ctx, alias, q, summaries)
	if err != nil {
		return nil, s.record(err)
	}
	slog.Debug().Int("records", len(records)).Str("sort", key.String()).
		Bool("reverse", reverse).Msg("Read complete")
	return records, nil
}

// Calculate evaluates an aggregate over the mailbox. Only CalcCount is
// supported; it returns the server reported message count.
func (s *Source) Calculate(ctx context.Context, fn string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	if fn != CalcCount {
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, fn)
	}
	status, err := s.transport.Status(ctx)
	if err != nil {
		return 0, s.record(fmt.Errorf("mailbox status: %w", err))
	}
	s.countOnly = true
	s.numRows = int(status.Messages)
	return s.numRows, nil
}

// Describe returns mailbox level metadata.
func (s *Source) Describe(ctx context.Context) (*MailboxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	status, err := s.transport.Status(ctx)
	if err != nil {
		return nil, s.record(fmt.Errorf("mailbox status: %w", err))
	}
	s.numRows = int(status.Messages)
	recent, err := s.transport.CountRecent(ctx)
	if err != nil {
		return nil, s.record(fmt.Errorf("count recent: %w", err))
	}

	date := status.Date
	if date.IsZero() {
		date = time.Now()
	}
	return &MailboxInfo{
		Date:     date.Format(DateLayout),
		Driver:   status.Driver,
		Mailbox:  status.Mailbox,
		Messages: status.Messages,
		Recent:   recent,
	}, nil
}

// Delete removes the message with the given UID and expunges the mailbox.
func (s *Source) Delete(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if uid == 0 {
		return ErrMissingUID
	}
	if err := s.transport.Delete(ctx, uid); err != nil {
		return s.record(fmt.Errorf("delete uid %d: %w", uid, err))
	}
	if err := s.transport.Expunge(ctx); err != nil {
		return s.record(fmt.Errorf("expunge: %w", err))
	}
	s.log.Info().Uint32("uid", uid).Msg("Message deleted")
	return nil
}

// ListSources returns the account's mailbox names.
func (s *Source) ListSources(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	names, err := s.transport.ListMailboxes(ctx)
	if err != nil {
		return nil, s.record(fmt.Errorf("list mailboxes: %w", err))
	}
	return names, nil
}
