package mailrec

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// QuerySpec is a caller level read request.
type QuerySpec struct {
	// Conditions and Group are carried for the caller; reads ignore them.
	Conditions any
	Group      []string

	// Fields is the projection. Empty selects DefaultFields.
	Fields []string
	Order  OrderSpec

	// Limit caps the number of messages read; zero or less reads all.
	Limit int
	// Offset is accepted but not applied.
	Offset int

	// Search is an imap_search style criteria string.
	Search string
}

// Projection returns the effective field list of q.
func (q *QuerySpec) Projection() []string {
	if len(q.Fields) == 0 {
		return DefaultFields
	}
	return q.Fields
}

// WantsBody reports whether body fields are requested.
func (q *QuerySpec) WantsBody() bool {
	return len(q.Fields) == 0 || contains(q.Fields, TokenBody)
}

// WantsAttachments reports whether attachments are requested. It is only
// consulted when WantsBody is true.
func (q *QuerySpec) WantsAttachments() bool {
	return len(q.Fields) == 0 || contains(q.Fields, TokenAttachments) ||
		contains(q.Fields, tokenAttachment)
}

// Formatter turns message summaries into records.
type Formatter struct {
	assembler *Assembler
	workers   int
}

// NewFormatter returns a Formatter assembling bodies with a. At most workers
// messages are assembled at once; values below one mean one.
func NewFormatter(a *Assembler, workers int) *Formatter {
	if workers < 1 {
		workers = 1
	}
	return &Formatter{assembler: a, workers: workers}
}

// Format builds one record per summary, in input order, with the fields
// nested under alias.
func (f *Formatter) Format(ctx context.Context, alias string, q QuerySpec, summaries []*MessageSummary) ([]Record, error) {
	fields := q.Projection()
	bodies := make([]*AssembledMessage, len(summaries))

	if q.WantsBody() && f.assembler != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.workers)
		for i, s := range summaries {
			i, seqNum := i, s.SeqNum
			g.Go(func() error {
				msg, err := f.assembler.Assemble(gctx, seqNum)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					// The record keeps its overview fields without a body.
					log.Warn().Str("module", "mailrec").Uint32("msgno", seqNum).Err(err).
						Msg("Skipping message body")
					return nil
				}
				bodies[i] = msg
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	attachments := q.WantsAttachments()
	records := make([]Record, 0, len(summaries))
	for i, s := range summaries {
		row := Fields{FieldID: s.SeqNum}
		for _, name := range fields {
			if v, ok := s.Field(name); ok {
				row[name] = v
			}
		}
		if body := bodies[i]; body != nil {
			mergeBody(row, body, attachments)
		}
		records = append(records, Record{alias: row})
	}
	return records, nil
}

func mergeBody(row Fields, body *AssembledMessage, attachments bool) {
	if body.HTMLText != "" {
		row[FieldHTMLMsg] = body.HTMLText
	}
	if body.PlainText != "" {
		row[FieldPlainMsg] = body.PlainText
	}
	if attachments && len(body.Attachments) > 0 {
		row[FieldAttachments] = body.Attachments
	}
	if body.Charset != "" {
		row[FieldCharset] = body.Charset
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
