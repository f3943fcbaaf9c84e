package kis

import (
	"context"
	"net/http"
	"time"

	"tradegate/pkg/exchanges/common"
)

// Token is a bearer token for the securities API. The venue issues
// tokens valid for 24 hours and returns the same token for repeat
// requests within 6 hours, so callers must reuse a stored token
// instead of re-requesting.
type Token struct {
	AccessToken string
	TokenType   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Valid reports whether the token can still sign requests, with a
// safety margin so an order never flies with a token about to lapse.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-time.Minute))
}

// TokenStore persists the token for one account. Implementations back
// onto the securities_tokens table.
type TokenStore interface {
	Load(ctx context.Context) (Token, error)
	Save(ctx context.Context, tok Token) error
}

// memoryTokenStore is the fallback when no store is wired (tests,
// one-shot tools).
type memoryTokenStore struct{ tok Token }

func (m *memoryTokenStore) Load(ctx context.Context) (Token, error)   { return m.tok, nil }
func (m *memoryTokenStore) Save(ctx context.Context, tok Token) error { m.tok = tok; return nil }

// bearerToken returns a usable token, refreshing at most once across
// concurrent callers. The lock serializes the refresh; after acquiring
// it the store is re-read so the waiters pick up the token the winner
// wrote.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	tok, err := c.tokens.Load(ctx)
	if err != nil {
		return "", err
	}
	if tok.Valid(time.Now()) {
		return tok.AccessToken, nil
	}

	unlock := c.lock()
	defer unlock()

	tok, err = c.tokens.Load(ctx)
	if err != nil {
		return "", err
	}
	if tok.Valid(time.Now()) {
		return tok.AccessToken, nil
	}

	tok, err = c.requestToken(ctx)
	if err != nil {
		return "", err
	}
	if err := c.tokens.Save(ctx, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *Client) requestToken(ctx context.Context) (Token, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	r, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		}).
		SetResult(&resp).
		Post("/oauth2/tokenP")
	if err != nil {
		return Token{}, common.NewAPIError(venueName, common.KindNetwork, "", err.Error())
	}
	if r.StatusCode() >= 300 || resp.AccessToken == "" {
		return Token{}, common.NewAPIError(venueName, common.KindAuth, http.StatusText(r.StatusCode()), string(r.Body()))
	}

	now := time.Now()
	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		IssuedAt:    now,
		ExpiresAt:   now.Add(expiresIn),
	}, nil
}
