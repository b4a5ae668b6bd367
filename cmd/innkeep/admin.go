package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"innkeep/internal/config"
	"innkeep/internal/store"
	"innkeep/internal/vault"
	logx "innkeep/pkg/logx"
)

// runAdmin handles the credential subcommands and exits without starting the
// daemon:
//
//	innkeep secret set <key> <value>
//	innkeep secret list
//	innkeep secret delete <key>
//	innkeep rotate-key
//
// They run against the same database and key file as the daemon, which is how
// a fresh install gets its channel credentials before the first start.
func runAdmin(configPath string, args []string, out io.Writer) error {
	cfg, err := config.NewManager(configPath).Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	busyTimeout, err := cfg.Storage.BusyTimeout.Or("storage.busy_timeout", 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout})
	if err != nil {
		return err
	}
	defer st.Close()

	masterKey, err := vault.LoadOrCreateKey(cfg.Vault.KeyPath)
	if err != nil {
		return err
	}
	vlt, err := vault.Open(st.DB(), masterKey, logx.Nop())
	if err != nil {
		return err
	}
	return execAdmin(context.Background(), vlt, cfg.Vault.KeyPath, args, out)
}

func execAdmin(ctx context.Context, vlt *vault.Vault, keyPath string, args []string, out io.Writer) error {
	switch args[0] {
	case "secret":
		if len(args) < 2 {
			return errors.New("usage: secret set|list|delete")
		}
		return execSecret(ctx, vlt, args[1:], out)
	case "rotate-key":
		if err := vlt.Rotate(ctx, keyPath); err != nil {
			return err
		}
		fmt.Fprintln(out, "master key rotated")
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func execSecret(ctx context.Context, vlt *vault.Vault, args []string, out io.Writer) error {
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return errors.New("usage: secret set <key> <value>")
		}
		if err := vlt.Store(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Fprintf(out, "secret %s stored\n", args[1])
		return nil
	case "list":
		infos, err := vlt.List(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(out, "vault is empty")
			return nil
		}
		for _, in := range infos {
			fmt.Fprintf(out, "%s\tv%d\t%s\n", in.Key, in.Version, in.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	case "delete":
		if len(args) != 2 {
			return errors.New("usage: secret delete <key>")
		}
		if err := vlt.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "secret %s deleted\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown secret command %q", args[0])
	}
}
