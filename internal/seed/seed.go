// Package seed syncs a declarative strategies.yaml into the database at
// startup, so a deployment can bring its strategies and account
// bindings up without clicking through the API.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradegate/pkg/db"
)

// Binding attaches one of the owner's exchange accounts to a strategy.
// The account is referenced by its display name.
type Binding struct {
	Account string `yaml:"account"`
	Weight  string `yaml:"weight"`
	Capital string `yaml:"capital"`
}

// StrategySeed is one declarative strategy entry.
type StrategySeed struct {
	Owner        string    `yaml:"owner"` // user email
	Name         string    `yaml:"name"`
	Description  string    `yaml:"description"`
	WebhookToken string    `yaml:"webhook_token"`
	Accounts     []Binding `yaml:"accounts"`
}

// File is the top-level YAML structure.
type File struct {
	Strategies []StrategySeed `yaml:"strategies"`
}

// Load reads a seed file. A missing file is not an error; it returns an
// empty File so startup proceeds.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, err
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &file, nil
}

// Sync upserts the seeded strategies and bindings. Entries referencing
// an unknown user or account are skipped with a warning, not an error:
// a partial seed must not block startup. Existing capital rows are
// never overwritten; they carry realized PnL.
func Sync(ctx context.Context, database *db.Database, file *File) error {
	for _, seed := range file.Strategies {
		if seed.Name == "" || seed.Owner == "" {
			log.Printf("⚠️ seed: skipping entry without name or owner")
			continue
		}

		user, err := database.GetUserByEmail(ctx, seed.Owner)
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("⚠️ seed: strategy %q: unknown owner %s, skipped", seed.Name, seed.Owner)
			continue
		}
		if err != nil {
			return err
		}

		strategyID, err := upsertStrategy(ctx, database, user.ID, seed)
		if err != nil {
			return fmt.Errorf("seed strategy %q: %w", seed.Name, err)
		}

		accounts, err := database.ListAccountsByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		byName := make(map[string]db.ExchangeAccount, len(accounts))
		for _, a := range accounts {
			byName[a.Name] = a
		}

		for _, b := range seed.Accounts {
			account, ok := byName[b.Account]
			if !ok {
				log.Printf("⚠️ seed: strategy %q: unknown account %q, skipped", seed.Name, b.Account)
				continue
			}
			weight, err := parseDecDefault(b.Weight, decimal.NewFromInt(1))
			if err != nil {
				return fmt.Errorf("seed strategy %q account %q: bad weight: %w", seed.Name, b.Account, err)
			}
			if err := database.BindAccount(ctx, strategyID, account.ID, weight); err != nil {
				return fmt.Errorf("seed strategy %q: bind %q: %w", seed.Name, b.Account, err)
			}
			if err := seedCapital(ctx, database, strategyID, account.ID, b.Capital); err != nil {
				return fmt.Errorf("seed strategy %q: capital for %q: %w", seed.Name, b.Account, err)
			}
		}
	}
	return nil
}

func upsertStrategy(ctx context.Context, database *db.Database, userID int64, seed StrategySeed) (int64, error) {
	existing, err := database.GetStrategyByName(ctx, userID, seed.Name)
	if errors.Is(err, db.ErrNotFound) {
		token := seed.WebhookToken
		if token == "" {
			token = uuid.NewString()
		}
		id, err := database.CreateStrategy(ctx, db.Strategy{
			UserID:       userID,
			Name:         seed.Name,
			Description:  seed.Description,
			WebhookToken: token,
		})
		if err != nil {
			return 0, err
		}
		log.Printf("✓ seed: created strategy %q (id %d)", seed.Name, id)
		return id, nil
	}
	if err != nil {
		return 0, err
	}

	if seed.WebhookToken != "" && seed.WebhookToken != existing.WebhookToken {
		if err := database.UpdateStrategyWebhookToken(ctx, existing.ID, seed.WebhookToken); err != nil {
			return 0, err
		}
		log.Printf("✓ seed: rotated webhook token for strategy %q", seed.Name)
	}
	return existing.ID, nil
}

func seedCapital(ctx context.Context, database *db.Database, strategyID, accountID int64, capital string) error {
	if capital == "" {
		return nil
	}
	amount, err := decimal.NewFromString(capital)
	if err != nil {
		return err
	}
	if _, err := database.GetCapital(ctx, strategyID, accountID); err == nil {
		return nil // never clobber live capital
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return database.UpsertCapital(ctx, db.StrategyCapital{
		StrategyID: strategyID,
		AccountID:  accountID,
		Allocated:  amount,
		Available:  amount,
	})
}

func parseDecDefault(s string, def decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return def, nil
	}
	return decimal.NewFromString(s)
}
