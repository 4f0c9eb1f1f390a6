package mailrec

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// partFetcher is the slice of Transport the assembler needs.
type partFetcher interface {
	FetchStructure(ctx context.Context, seqNum uint32) (*PartNode, error)
	FetchPart(ctx context.Context, seqNum uint32, addr PartAddress) ([]byte, error)
}

// Assembler walks the part tree of a message and merges every part into an
// AssembledMessage.
type Assembler struct {
	fetcher partFetcher
}

// NewAssembler returns an Assembler fetching through t.
func NewAssembler(t partFetcher) *Assembler {
	return &Assembler{fetcher: t}
}

// Assemble fetches and decodes message seqNum. Only a failure to fetch the
// structure is returned; part level fetch and decode failures leave that
// part empty.
func (a *Assembler) Assemble(ctx context.Context, seqNum uint32) (*AssembledMessage, error) {
	root, err := a.fetcher.FetchStructure(ctx, seqNum)
	if err != nil {
		return nil, fmt.Errorf("fetch structure of message %d: %w", seqNum, err)
	}

	msg := NewAssembledMessage()
	if root == nil {
		return msg, nil
	}
	if root.Type == TypeMultipart {
		// The root container has no body of its own worth fetching.
		for i, child := range root.Children {
			if err := a.walk(ctx, msg, seqNum, child, PartAddress{i + 1}, false); err != nil {
				return nil, err
			}
		}
		return msg, nil
	}
	if err := a.walk(ctx, msg, seqNum, root, nil, false); err != nil {
		return nil, err
	}
	return msg, nil
}

// walk adds node and its descendants to msg. Inside an embedded message only
// attachments are collected; its text is already part of the embedded
// payload.
func (a *Assembler) walk(ctx context.Context, msg *AssembledMessage, seqNum uint32, node *PartNode, addr PartAddress, embedded bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !embedded || node.Filename() != "" {
		a.add(ctx, msg, seqNum, node, addr)
	}

	embedded = embedded || node.Type == TypeMessage
	for i, child := range node.Children {
		if err := a.walk(ctx, msg, seqNum, child, addr.Child(i+1), embedded); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) add(ctx context.Context, msg *AssembledMessage, seqNum uint32, node *PartNode, addr PartAddress) {
	slog := log.With().Str("module", "mailrec").Uint32("msgno", seqNum).
		Str("part", addr.String()).Logger()

	raw, err := a.fetcher.FetchPart(ctx, seqNum, addr)
	if err != nil {
		slog.Debug().Err(err).Msg("Part fetch failed, treating part as empty")
		raw = nil
	}

	part, err := DecodePart(node, raw)
	if err != nil {
		slog.Debug().Err(err).Str("encoding", node.Encoding.String()).
			Msg("Part decode failed, treating part as empty")
	}
	msg.Add(part)
}
