package gateway

import (
	"context"
	"testing"
	"time"

	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/exchanges/upbit"
)

func setupManager(t *testing.T, cfg Config, factory Factory) (*Manager, *db.Database, *crypto.KeyRing) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	keys, err := crypto.NewKeyRing("test-pool-passphrase")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return NewManager(database, keys, factory, cfg), database, keys
}

func seedAccount(t *testing.T, database *db.Database, keys *crypto.KeyRing, userID int64, venue string) int64 {
	t.Helper()
	encKey, _ := keys.Encrypt("api-key")
	encSecret, _ := keys.Encrypt("api-secret")
	id, err := database.CreateAccount(context.Background(), db.ExchangeAccount{
		UserID:             userID,
		Venue:              venue,
		Market:             "SPOT",
		Name:               "test",
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		KeyVersion:         keys.CurrentVersion(),
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func seedUser(t *testing.T, database *db.Database, email string) int64 {
	t.Helper()
	id, err := database.CreateUser(context.Background(), db.User{Email: email, PasswordHash: "x"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func countingFactory(created *int) Factory {
	return func(acct db.ExchangeAccount, apiKey, apiSecret, extra string) (common.Adapter, error) {
		*created++
		return upbit.New(upbit.Config{AccessKey: apiKey, SecretKey: apiSecret}), nil
	}
}

func TestGetCachesAdapter(t *testing.T) {
	var created int
	m, database, keys := setupManager(t, DefaultConfig(), countingFactory(&created))
	userID := seedUser(t, database, "pool@test.dev")
	accountID := seedAccount(t, database, keys, userID, "upbit")

	a1, err := m.Get(context.Background(), userID, accountID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	a2, err := m.Get(context.Background(), userID, accountID)
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if a1 != a2 {
		t.Error("second Get should return the cached adapter")
	}
	if created != 1 {
		t.Errorf("factory invoked %d times, want 1", created)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	var created int
	m, database, keys := setupManager(t, DefaultConfig(), countingFactory(&created))
	owner := seedUser(t, database, "owner@test.dev")
	other := seedUser(t, database, "other@test.dev")
	accountID := seedAccount(t, database, keys, owner, "upbit")

	if _, err := m.Get(context.Background(), owner, accountID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	if _, err := m.Get(context.Background(), other, accountID); err != ErrAccountNotFound {
		t.Errorf("cross-user Get = %v, want ErrAccountNotFound", err)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	var created int
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.CircuitTimeout = time.Hour
	m, database, keys := setupManager(t, cfg, countingFactory(&created))
	userID := seedUser(t, database, "circuit@test.dev")
	accountID := seedAccount(t, database, keys, userID, "upbit")

	if _, err := m.Get(context.Background(), userID, accountID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	m.RecordFailure(accountID)
	m.RecordFailure(accountID)

	if _, err := m.Get(context.Background(), userID, accountID); err != ErrAdapterUnhealthy {
		t.Errorf("Get with open circuit = %v, want ErrAdapterUnhealthy", err)
	}

	m.RecordSuccess(accountID)
	if _, err := m.Get(context.Background(), userID, accountID); err != nil {
		t.Errorf("Get after recovery: %v", err)
	}
}

func TestLRUEviction(t *testing.T) {
	var created int
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	m, database, keys := setupManager(t, cfg, countingFactory(&created))
	userID := seedUser(t, database, "lru@test.dev")

	ids := []int64{
		seedAccount(t, database, keys, userID, "upbit"),
		seedAccount(t, database, keys, userID, "upbit"),
		seedAccount(t, database, keys, userID, "upbit"),
	}
	for _, id := range ids {
		if _, err := m.Get(context.Background(), userID, id); err != nil {
			t.Fatalf("Get %d: %v", id, err)
		}
	}

	stats := m.Stats()
	if stats.Total != 2 {
		t.Errorf("pool size = %d, want 2 after eviction", stats.Total)
	}
	// The first account was evicted; fetching it again re-creates.
	before := created
	if _, err := m.Get(context.Background(), userID, ids[0]); err != nil {
		t.Fatalf("Get evicted: %v", err)
	}
	if created != before+1 {
		t.Error("evicted adapter was not re-created")
	}
}
