package main

import (
	"context"
	"fmt"

	"github.com/emx-mail/mailrec/pkgs/config"
	"github.com/emx-mail/mailrec/pkgs/email"
	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

// newTransport picks the mbox transport when the account names a file and
// IMAP otherwise.
func newTransport(acc *config.AccountConfig) (mailrec.Transport, error) {
	if acc.Mbox != "" {
		return email.NewMboxTransport(acc.Mbox), nil
	}
	mode, err := config.ParseConnect(acc.Connect)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acc.Name, err)
	}
	return email.NewIMAPTransport(email.IMAPConfig{
		Host:               acc.Host,
		Port:               acc.Port,
		Username:           acc.Login,
		Password:           acc.Password,
		Mailbox:            acc.Mailbox,
		SSL:                mode.SSL,
		StartTLS:           mode.StartTLS,
		InsecureSkipVerify: mode.InsecureSkipVerify,
		Auth:               acc.Auth,
		FetchRate:          acc.FetchRate,
	}), nil
}

// openSource returns a connected source for acc.
func openSource(ctx context.Context, acc *config.AccountConfig) (*mailrec.Source, error) {
	t, err := newTransport(acc)
	if err != nil {
		return nil, err
	}
	src := mailrec.NewSource(t, mailrec.Options{Workers: acc.Workers})
	if err := src.Connect(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

// sourceAlias is the record key used for acc.
func sourceAlias(acc *config.AccountConfig) string {
	if acc.Mbox != "" {
		return acc.Name
	}
	return acc.Mailbox
}
