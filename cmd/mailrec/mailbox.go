package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/mailrec/pkgs/config"
	"github.com/emx-mail/mailrec/pkgs/mailrec"
)

func handleCount(ctx context.Context, acc *config.AccountConfig) error {
	src, err := openSource(ctx, acc)
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := src.Calculate(ctx, mailrec.CalcCount)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func handleDescribe(ctx context.Context, acc *config.AccountConfig) error {
	src, err := openSource(ctx, acc)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Describe(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

type deleteFlags struct {
	uid string
}

func parseDeleteFlags(args []string) deleteFlags {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	var f deleteFlags
	fs.StringVar(&f.uid, "uid", "", "Message UID to delete")
	if err := fs.Parse(args); err != nil {
		fatal("delete: %v", err)
	}
	return f
}

func handleDelete(ctx context.Context, acc *config.AccountConfig, f deleteFlags) error {
	if f.uid == "" {
		return fmt.Errorf("--uid is required")
	}
	uid, err := strconv.ParseUint(f.uid, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid UID: %s", f.uid)
	}

	src, err := openSource(ctx, acc)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := src.Delete(ctx, uint32(uid)); err != nil {
		return err
	}
	fmt.Println("Message permanently deleted")
	return nil
}

func handleFolders(ctx context.Context, acc *config.AccountConfig) error {
	src, err := openSource(ctx, acc)
	if err != nil {
		return err
	}
	defer src.Close()

	folders, err := src.ListSources(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Folders:")
	for _, f := range folders {
		marker := ""
		if f == acc.Mailbox {
			marker = " [selected]"
		}
		fmt.Printf("  %s%s\n", f, marker)
	}
	return nil
}

func handleInit() error {
	root := config.ExampleRootConfig()

	configPath, err := config.GetEnvConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}
	if err := config.SaveConfig(configPath, root); err != nil {
		return err
	}
	fmt.Printf("Created config file at: %s\n", configPath)
	fmt.Println("Please edit the file to add your mailbox credentials.")
	return nil
}

func handleEnv() error {
	return config.Usage(os.Stdout)
}
