package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/bucketz/internal/middleware"
	"github.com/matt-riley/bucketz/internal/repository"
)

const commandTimeout = 30 * time.Second

var (
	errNoKeySource    = errors.New("api key validator has no keys")
	errTokenFormat    = errors.New("token must be <id>.<secret>")
	errSecretMismatch = errors.New("api key secret does not match")
	errUnknownAPIKey  = errors.New("unknown api key")
)

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, name string) (string, string, error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// runCommand handles the key-management subcommands. Everything except
// hash-api-key needs DATABASE_URL.
func runCommand(ctx context.Context, name string, args []string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if name == "hash-api-key" {
		return hashAPIKeyCommand(args, out)
	}

	switch name {
	case "create-api-key", "list-api-keys", "revoke-api-key":
	default:
		return fmt.Errorf("unknown command %q (want create-api-key, list-api-keys, revoke-api-key or hash-api-key)", name)
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := runMigrations(ctx, pool, slog.Default()); err != nil {
		return err
	}

	return runAPIKeyCommand(ctx, repository.NewPostgresRepository(pool), name, args, out)
}

func runAPIKeyCommand(ctx context.Context, store apiKeyStore, name string, args []string, out io.Writer) error {
	switch name {
	case "create-api-key":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return errors.New("usage: create-api-key <name>")
		}
		keyID, secret, err := store.CreateAPIKey(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "id: %s\ntoken: %s.%s\n", keyID, keyID, secret)
		return err
	case "list-api-keys":
		keys, err := store.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED")
		for _, key := range keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	case "revoke-api-key":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return errors.New("usage: revoke-api-key <id>")
		}
		if err := store.RevokeAPIKey(ctx, strings.TrimSpace(args[0])); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "revoked %s\n", strings.TrimSpace(args[0]))
		return err
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

// hashAPIKeyCommand prints an API_KEYS entry for a static key.
func hashAPIKeyCommand(args []string, out io.Writer) error {
	if len(args) != 2 || strings.TrimSpace(args[0]) == "" || args[1] == "" {
		return errors.New("usage: hash-api-key <id> <secret>")
	}
	id := strings.TrimSpace(args[0])
	if strings.Contains(id, ".") {
		return errors.New("key id must not contain '.'")
	}
	hash, err := middleware.HashAPIKey(args[1])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s:%s\n", id, hash)
	return err
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

// apiKeyTokenValidator checks "id.secret" bearer tokens against static
// API_KEYS entries first and then the database. The principal is the key id
// for static keys and the key name for database keys.
type apiKeyTokenValidator struct {
	static map[string]string
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || (v.lookup == nil && len(v.static) == 0) {
		return "", errNoKeySource
	}

	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errTokenFormat
	}

	if hash, ok := v.static[keyID]; ok {
		if !middleware.APIKeyMatchesHash(hash, secret) {
			return "", errSecretMismatch
		}
		return keyID, nil
	}
	if v.lookup == nil {
		return "", errUnknownAPIKey
	}

	hash, name, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("look up api key %q: %w", keyID, err)
	}
	if !middleware.APIKeyMatchesHash(hash, secret) {
		return "", errSecretMismatch
	}
	return name, nil
}
