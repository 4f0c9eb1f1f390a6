package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/emx-mail/mailrec/pkgs/config"
	"github.com/emx-mail/mailrec/pkgs/export"
	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

type readFlags struct {
	fields          string
	order           string
	direction       string
	limit           int
	search          string
	format          string
	rawHTML         bool
	saveAttachments string
	export          string
}

func parseReadFlags(args []string) readFlags {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var f readFlags
	fs.StringVar(&f.fields, "fields", "", "Fields to project (comma-separated)")
	fs.StringVar(&f.order, "order", "", "Sort criterion")
	fs.StringVar(&f.direction, "direction", "asc", "Sort direction: asc or desc")
	fs.IntVar(&f.limit, "limit", 0, "Maximum messages to read")
	fs.StringVar(&f.search, "search", "", "IMAP style search criteria")
	fs.StringVar(&f.format, "format", "text", "Output format: text or json")
	fs.BoolVar(&f.rawHTML, "raw-html", false, "Do not sanitize HTML bodies")
	fs.StringVar(&f.saveAttachments, "save-attachments", "", "Save attachments to directory")
	fs.StringVar(&f.export, "export", "", "SQLite database to store records in")
	if err := fs.Parse(args); err != nil {
		fatal("read: %v", err)
	}
	return f
}

// query converts the flags into a read request.
func (f readFlags) query() mailrec.QuerySpec {
	q := mailrec.QuerySpec{
		Fields: splitList(f.fields),
		Limit:  f.limit,
		Search: f.search,
	}
	if f.order != "" {
		q.Order = mailrec.Named(f.order, f.direction)
	}
	return q
}

func handleRead(ctx context.Context, acc *config.AccountConfig, f readFlags) error {
	src, err := openSource(ctx, acc)
	if err != nil {
		return err
	}
	defer src.Close()

	alias := sourceAlias(acc)
	records, err := src.Read(ctx, alias, f.query())
	if err != nil {
		return err
	}
	log.Info().Str("module", "main").Str("alias", alias).Int("records", len(records)).
		Msg("Read mailbox")

	if !f.rawHTML {
		sanitizeRecords(records, alias)
	}

	if f.saveAttachments != "" {
		if err := saveAttachments(f.saveAttachments, records, alias); err != nil {
			return err
		}
	}

	if f.export != "" {
		sink, err := export.NewSQLiteSink(f.export)
		if err != nil {
			return err
		}
		defer sink.Close()
		n, err := sink.Write(ctx, records)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d records to %s\n", n, f.export)
	}

	switch f.format {
	case "json":
		return writeJSON(os.Stdout, records)
	case "text", "":
		writeText(os.Stdout, records, alias)
		return nil
	default:
		return fmt.Errorf("unknown format %q", f.format)
	}
}

var htmlPolicy = bluemonday.UGCPolicy()

// sanitizeRecords strips scripts and unsafe markup from HTML bodies.
func sanitizeRecords(records []mailrec.Record, alias string) {
	for _, rec := range records {
		row := rec[alias]
		if html, ok := row[mailrec.FieldHTMLMsg].(string); ok {
			row[mailrec.FieldHTMLMsg] = htmlPolicy.Sanitize(html)
		}
	}
}

func saveAttachments(dir string, records []mailrec.Record, alias string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}
	for _, rec := range records {
		atts, _ := rec[alias][mailrec.FieldAttachments].(map[string][]byte)
		for name, data := range atts {
			path, err := validateAttachmentPath(dir, name)
			if err != nil {
				log.Warn().Str("module", "main").Str("filename", name).Err(err).
					Msg("Skipping attachment")
				continue
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return fmt.Errorf("failed to save attachment: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Saved: %s (%d bytes)\n", path, len(data))
		}
	}
	return nil
}

func writeJSON(w io.Writer, records []mailrec.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if records == nil {
		records = []mailrec.Record{}
	}
	return enc.Encode(records)
}

// writeText prints one block per record: overview fields sorted by name,
// then attachments and bodies.
func writeText(w io.Writer, records []mailrec.Record, alias string) {
	for _, rec := range records {
		row := rec[alias]
		fmt.Fprintf(w, "[%v]\n", row[mailrec.FieldID])

		keys := make([]string, 0, len(row))
		for k := range row {
			switch k {
			case mailrec.FieldID, mailrec.FieldPlainMsg, mailrec.FieldHTMLMsg, mailrec.FieldAttachments:
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    %s: %v\n", k, row[k])
		}

		if atts, ok := row[mailrec.FieldAttachments].(map[string][]byte); ok {
			names := make([]string, 0, len(atts))
			for name := range atts {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(w, "    attachments (%d):\n", len(names))
			for _, name := range names {
				fmt.Fprintf(w, "      %s (%d bytes)\n", name, len(atts[name]))
			}
		}
		if plain, ok := row[mailrec.FieldPlainMsg].(string); ok {
			fmt.Fprintf(w, "    plainmsg: %s\n", strings.TrimSpace(truncate(plain, 500)))
		}
		if html, ok := row[mailrec.FieldHTMLMsg].(string); ok {
			fmt.Fprintf(w, "    htmlmsg: %s\n", strings.TrimSpace(truncate(html, 500)))
		}
		fmt.Fprintln(w)
	}
}
