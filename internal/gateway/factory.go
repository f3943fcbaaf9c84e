package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/binance/futures"
	"tradegate/pkg/exchanges/binance/spot"
	"tradegate/pkg/exchanges/bithumb"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/exchanges/kis"
	"tradegate/pkg/exchanges/upbit"
)

// Factory creates an Adapter from an account and its decrypted
// credentials.
type Factory func(acct db.ExchangeAccount, apiKey, apiSecret, extra string) (common.Adapter, error)

// securitiesExtra is the decrypted extra blob for securities accounts.
type securitiesExtra struct {
	AccountNo   string `json:"account_no"`
	ProductCode string `json:"product_code"`
}

// NewFactory builds the default venue factory. Securities adapters get
// a database-backed token store and a refresh lock scoped to the
// account row.
func NewFactory(database *db.Database, locks *db.LockRegistry, autoAdjust bool) Factory {
	return func(acct db.ExchangeAccount, apiKey, apiSecret, extra string) (common.Adapter, error) {
		switch acct.Venue {
		case "binance-spot":
			return spot.New(spot.Config{
				APIKey:     apiKey,
				APISecret:  apiSecret,
				Testnet:    acct.IsTestnet,
				AutoAdjust: autoAdjust,
			}), nil

		case "binance-futures":
			return futures.New(futures.Config{
				APIKey:     apiKey,
				APISecret:  apiSecret,
				Testnet:    acct.IsTestnet,
				AutoAdjust: autoAdjust,
			}), nil

		case "upbit":
			return upbit.New(upbit.Config{
				AccessKey:  apiKey,
				SecretKey:  apiSecret,
				AutoAdjust: autoAdjust,
			}), nil

		case "bithumb":
			return bithumb.New(bithumb.Config{
				AccessKey:  apiKey,
				SecretKey:  apiSecret,
				AutoAdjust: autoAdjust,
			}), nil

		case "kis":
			var se securitiesExtra
			if extra != "" {
				if err := json.Unmarshal([]byte(extra), &se); err != nil {
					return nil, fmt.Errorf("decode securities extra: %w", err)
				}
			}
			return kis.New(kis.Config{
				AppKey:      apiKey,
				AppSecret:   apiSecret,
				AccountNo:   se.AccountNo,
				ProductCode: se.ProductCode,
				Paper:       acct.IsTestnet,
			},
				kis.WithTokenStore(&dbTokenStore{db: database, accountID: acct.ID}),
				kis.WithLock(func() func() {
					return locks.Lock(fmt.Sprintf("securities-token:%d", acct.ID))
				}),
			), nil

		default:
			return nil, fmt.Errorf("unsupported venue: %s", acct.Venue)
		}
	}
}

// dbTokenStore persists securities tokens in the securities_tokens
// table, one row per account.
type dbTokenStore struct {
	db        *db.Database
	accountID int64
}

func (s *dbTokenStore) Load(ctx context.Context) (kis.Token, error) {
	row, err := s.db.GetSecuritiesToken(ctx, s.accountID)
	if err == db.ErrNotFound {
		return kis.Token{}, nil
	}
	if err != nil {
		return kis.Token{}, err
	}
	return kis.Token{
		AccessToken: row.AccessToken,
		IssuedAt:    row.IssuedAt,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}

func (s *dbTokenStore) Save(ctx context.Context, tok kis.Token) error {
	return s.db.UpsertSecuritiesToken(ctx, db.SecuritiesToken{
		AccountID:   s.accountID,
		AccessToken: tok.AccessToken,
		IssuedAt:    tok.IssuedAt,
		ExpiresAt:   tok.ExpiresAt,
	})
}

var _ kis.TokenStore = (*dbTokenStore)(nil)
