package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"tradegate/pkg/db"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

const sampleYAML = `
strategies:
  - owner: seed@test.dev
    name: momentum
    description: breakout follower
    webhook_token: tok-momentum
    accounts:
      - account: main
        weight: "2"
        capital: "5000"
      - account: ghost
        weight: "1"
  - owner: nobody@test.dev
    name: orphan
`

func setupSeedDB(t *testing.T) (*db.Database, int64, int64) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	userID, err := database.CreateUser(context.Background(), db.User{Email: "seed@test.dev", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	accountID, err := database.CreateAccount(context.Background(), db.ExchangeAccount{
		UserID: userID, Venue: "binance-spot", Market: "SPOT", Name: "main",
		APIKeyEncrypted: "enc", APISecretEncrypted: "enc", KeyVersion: 1,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return database, userID, accountID
}

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	file, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(file.Strategies) != 0 {
		t.Errorf("strategies = %d, want 0", len(file.Strategies))
	}
}

func TestSyncCreatesStrategyAndBindings(t *testing.T) {
	database, userID, accountID := setupSeedDB(t)
	file, err := Load(writeSeedFile(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Sync(context.Background(), database, file); err != nil {
		t.Fatalf("sync: %v", err)
	}

	strat, err := database.GetStrategyByName(context.Background(), userID, "momentum")
	if err != nil {
		t.Fatalf("strategy not created: %v", err)
	}
	if strat.WebhookToken != "tok-momentum" {
		t.Errorf("token = %q", strat.WebhookToken)
	}

	bindings, err := database.ListBindings(context.Background(), strat.ID)
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].AccountID != accountID || bindings[0].Weight.String() != "2" {
		t.Errorf("bindings = %+v", bindings)
	}

	capital, err := database.GetCapital(context.Background(), strat.ID, accountID)
	if err != nil {
		t.Fatalf("capital: %v", err)
	}
	if capital.Allocated.String() != "5000" {
		t.Errorf("allocated = %s", capital.Allocated)
	}
}

func TestSyncIsIdempotentAndKeepsCapital(t *testing.T) {
	database, userID, accountID := setupSeedDB(t)
	file, err := Load(writeSeedFile(t, sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Sync(context.Background(), database, file); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	strat, err := database.GetStrategyByName(context.Background(), userID, "momentum")
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}

	// Simulate runtime PnL landing on the capital row.
	if err := database.UpsertCapital(context.Background(), db.StrategyCapital{
		StrategyID: strat.ID, AccountID: accountID,
		Allocated: dec(t, "5000"), Available: dec(t, "6200"),
	}); err != nil {
		t.Fatalf("update capital: %v", err)
	}

	if err := Sync(context.Background(), database, file); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	capital, err := database.GetCapital(context.Background(), strat.ID, accountID)
	if err != nil {
		t.Fatalf("capital: %v", err)
	}
	if capital.Available.String() != "6200" {
		t.Errorf("available = %s, want 6200 (seed must not clobber)", capital.Available)
	}

	strategies, err := database.ListStrategiesByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("list strategies: %v", err)
	}
	if len(strategies) != 1 {
		t.Errorf("strategies = %d, want 1", len(strategies))
	}
}
