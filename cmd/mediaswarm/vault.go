package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/store"
	"github.com/mtzanidakis/mediaswarm/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("MEDIASWARM_VAULT_PASSPHRASE environment variable is required")
	}

	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	secrets := vault.NewSecrets(v, db)

	switch args[0] {
	case "list":
		return vaultList(secrets)
	case "set":
		return vaultSet(secrets, args[1:])
	case "get":
		return vaultGet(secrets, args[1:])
	case "delete":
		return vaultDelete(secrets, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: mediaswarm vault <command>

Commands:
  list                                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a string secret
  set <name> --file <path> [--description <text>]   Store a secret read from a file
  get <name>                                        Retrieve and decrypt a secret
  delete <name>                                     Delete a secret

Reference a stored secret from the config as "secret:<name>",
for example gateway.api_key: secret:openrouter.

Environment:
  MEDIASWARM_VAULT_PASSPHRASE       Required. Encryption passphrase.
`)
}

func vaultList(secrets *vault.Secrets) error {
	list, err := secrets.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func vaultSet(secrets *vault.Secrets, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: mediaswarm vault set <name> --value <string> | --file <path> [--description <text>]")
	}

	name := args[0]
	var value []byte

	switch args[1] {
	case "--value":
		value = []byte(args[2])
	case "--file":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		value = data
	default:
		return fmt.Errorf("expected --value or --file, got %s", args[1])
	}

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	if err := secrets.Put(name, description, value); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func vaultGet(secrets *vault.Secrets, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mediaswarm vault get <name>")
	}

	plaintext, err := secrets.Get(args[0])
	if errors.Is(err, vault.ErrSecretNotFound) {
		return fmt.Errorf("secret %q not found", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(secrets *vault.Secrets, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mediaswarm vault delete <name>")
	}
	if err := secrets.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
