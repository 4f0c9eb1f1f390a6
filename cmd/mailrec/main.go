package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

const version = "1.0.0"

// app holds global options parsed from the command line
type app struct {
	account  string
	mailbox  string
	logLevel string
	logJSON  bool
}

func main() {
	a := &app{}

	// Global flags
	flag.StringVar(&a.account, "account", "", "Account name to use")
	flag.StringVarP(&a.mailbox, "mailbox", "m", "", "Mailbox to select (overrides config)")
	flag.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.BoolVar(&a.logJSON, "log-json", false, "Write logs as JSON")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailrec v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	// These don't need config loaded
	switch cmd {
	case "init":
		if err := handleInit(); err != nil {
			fatal("init: %v", err)
		}
		return
	case "env":
		if err := handleEnv(); err != nil {
			fatal("env: %v", err)
		}
		return
	case "help":
		printUsage()
		return
	}

	// Load config and resolve account
	acc, logLevel := a.loadAccount()
	closeLog, err := openLog(logLevel, a.logJSON)
	if err != nil {
		fatal("%v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cmd {
	case "read":
		opts := parseReadFlags(cmdArgs)
		err = handleRead(ctx, acc, opts)
	case "count":
		err = handleCount(ctx, acc)
	case "describe":
		err = handleDescribe(ctx, acc)
	case "delete":
		opts := parseDeleteFlags(cmdArgs)
		err = handleDelete(ctx, acc, opts)
	case "folders":
		err = handleFolders(ctx, acc)
	default:
		fatal("unknown command '%s'", cmd)
	}
	if err != nil {
		log.Debug().Str("module", "main").Str("command", cmd).Err(err).Msg("Command failed")
		fatal("%s: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `mailrec v%s - Read a mailbox as flat records

Usage:
  mailrec [global options] <command> [command options]

Commands:
  read       Read messages as records
  count      Print the number of messages in the mailbox
  describe   Print mailbox status
  delete     Delete a message by UID and expunge
  folders    List all mailboxes
  init       Initialize configuration file
  env        List environment overrides

Global Options:
  --account <name>       Account name to use
  -m, --mailbox <name>   Mailbox to select (overrides config)
  --log-level <level>    debug, info, warn or error (default: config or warn)
  --log-json             Write logs as JSON
  --version              Show version information

Config Resolution:
  Set env var MAILREC_CONFIG_JSON to a JSON config file. MAILREC_* variables
  override the selected account; run 'mailrec env' for the list.

Read Options:
  --fields <list>        Fields to project (comma-separated, default: all)
  --order <criterion>    message_date, arrival_date, from_address, subject,
                         to_address, cc_address or size (default: date)
  --direction <dir>      asc or desc (default: asc)
  --limit <number>       Maximum messages to read (default: all)
  --search <criteria>    IMAP style search, e.g. 'UNSEEN FROM "bob"'
  --format <format>      Output format: text or json (default: text)
  --save-attachments <dir>  Save attachments to directory
  --export <path>        Also store the records in a SQLite database

Delete Options:
  --uid <uid>            Message UID to delete

Examples:
  mailrec read --limit 5 --order message_date --direction desc
  mailrec read --fields subject,from,body --search 'UNSEEN' --format json
  mailrec count
  mailrec delete --uid 12345
  mailrec folders
  mailrec init
`, version)
}
