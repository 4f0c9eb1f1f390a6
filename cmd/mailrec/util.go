package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emx-mail/mailrec/pkgs/config"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadAccount resolves the account and the effective log level. Flags win
// over MAILREC_* variables, which win over the config file.
func (a *app) loadAccount() (*config.AccountConfig, string) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'mailrec init' to create a config file\n")
		os.Exit(1)
	}
	overrides, err := config.ProcessEnv()
	if err != nil {
		fatal("%v", err)
	}

	name := a.account
	if name == "" {
		name = overrides.Account
	}
	acc, err := cfg.GetAccount(name)
	if err != nil {
		fatal("%v", err)
	}
	overrides.Apply(acc)
	if a.mailbox != "" {
		acc.Mailbox = a.mailbox
	}

	level := a.logLevel
	if level == "" {
		level = overrides.LogLevel
	}
	if level == "" {
		level = cfg.LogLevel
	}
	if level == "" {
		level = "warn"
	}
	return acc, level
}

// openLog configures zerolog output on stderr, returns func to flush it.
func openLog(level string, json bool) (close func(), err error) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return nil, fmt.Errorf("log level %q not one of: debug, info, warn, error", level)
	}
	close = func() {}
	var w io.Writer = zerolog.SyncWriter(os.Stderr)
	if json {
		log.Logger = log.Output(w)
		return close, nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:     w,
		NoColor: runtime.GOOS == "windows",
	})
	return close, nil
}

// validateAttachmentPath checks that the resolved path stays within baseDir.
func validateAttachmentPath(baseDir, filename string) (string, error) {
	// Clean the filename to prevent path traversal
	cleaned := filepath.Base(filename) // strip directory components
	if cleaned == "." || cleaned == ".." || cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("invalid attachment filename: %s", filename)
	}
	full := filepath.Join(baseDir, cleaned)
	absBase, _ := filepath.Abs(baseDir)
	absFull, _ := filepath.Abs(full)
	if !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) && absFull != absBase {
		return "", fmt.Errorf("attachment path escapes target directory: %s", filename)
	}
	return full, nil
}

// truncate truncates a string to maxLen runes, preserving UTF-8 boundaries.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
