// Package db provides user-isolated persistence for the trading gateway.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts a new user row and returns its id.
func (d *Database) CreateUser(ctx context.Context, u User) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (email, password_hash) VALUES (?, ?)
	`, strings.ToLower(u.Email), u.PasswordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// GetUserByEmail returns a user by email or ErrNotFound.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email)).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ----------------------------------------
// Exchange accounts
// ----------------------------------------

const accountColumns = `
	id, user_id, venue, market, name,
	api_key_encrypted, api_secret_encrypted, extra_encrypted,
	key_version, is_testnet, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (ExchangeAccount, error) {
	var a ExchangeAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Venue, &a.Market, &a.Name,
		&a.APIKeyEncrypted, &a.APISecretEncrypted, &a.ExtraEncrypted,
		&a.KeyVersion, &a.IsTestnet, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAccount inserts an exchange credential set (already encrypted)
// and returns its id.
func (d *Database) CreateAccount(ctx context.Context, a ExchangeAccount) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO exchange_accounts (
			user_id, venue, market, name,
			api_key_encrypted, api_secret_encrypted, extra_encrypted, key_version, is_testnet, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, a.UserID, a.Venue, a.Market, a.Name,
		a.APIKeyEncrypted, a.APISecretEncrypted, a.ExtraEncrypted, a.KeyVersion, a.IsTestnet)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// GetAccount returns an account by id, verifying user ownership.
func (d *Database) GetAccount(ctx context.Context, userID, id int64) (*ExchangeAccount, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM exchange_accounts WHERE id = ? AND user_id = ?
	`, id, userID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// GetAccountByID returns an account without an ownership check, for
// internal workers acting on stored bindings.
func (d *Database) GetAccountByID(ctx context.Context, id int64) (*ExchangeAccount, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM exchange_accounts WHERE id = ?
	`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// ListAccountsByUser returns all active accounts for a user.
func (d *Database) ListAccountsByUser(ctx context.Context, userID int64) ([]ExchangeAccount, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM exchange_accounts
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var res []ExchangeAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActiveAccounts returns every active account across users, for
// stream bring-up at startup.
func (d *Database) ListActiveAccounts(ctx context.Context) ([]ExchangeAccount, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM exchange_accounts WHERE is_active = 1
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active accounts: %w", err)
	}
	defer rows.Close()

	var res []ExchangeAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DeactivateAccount soft-deletes an account for a user.
func (d *Database) DeactivateAccount(ctx context.Context, userID, id int64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE exchange_accounts
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Strategies and account bindings
// ----------------------------------------

// CreateStrategy inserts a strategy and returns its id.
func (d *Database) CreateStrategy(ctx context.Context, s Strategy) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategies (user_id, name, description, webhook_token, is_active)
		VALUES (?, ?, ?, ?, 1)
	`, s.UserID, s.Name, s.Description, s.WebhookToken)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert strategy: %w", err)
	}
	return res.LastInsertId()
}

// GetStrategy returns a strategy by id, verifying ownership.
func (d *Database) GetStrategy(ctx context.Context, userID, id int64) (*Strategy, error) {
	var s Strategy
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, webhook_token, is_active, created_at, updated_at
		FROM strategies WHERE id = ? AND user_id = ?
	`, id, userID).Scan(&s.ID, &s.UserID, &s.Name, &s.Description, &s.WebhookToken, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy: %w", err)
	}
	return &s, nil
}

// GetStrategyByName returns a strategy by owner and name.
func (d *Database) GetStrategyByName(ctx context.Context, userID int64, name string) (*Strategy, error) {
	var s Strategy
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, name, description, webhook_token, is_active, created_at, updated_at
		FROM strategies WHERE user_id = ? AND name = ?
	`, userID, name).Scan(&s.ID, &s.UserID, &s.Name, &s.Description, &s.WebhookToken, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy: %w", err)
	}
	return &s, nil
}

// ListStrategiesByName returns every strategy with the given name,
// across users. The webhook path resolves the caller by token, not by
// session, so the name alone may be ambiguous.
func (d *Database) ListStrategiesByName(ctx context.Context, name string) ([]Strategy, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, name, description, webhook_token, is_active, created_at, updated_at
		FROM strategies WHERE name = ?
		ORDER BY id ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var res []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.Description, &s.WebhookToken, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListStrategiesByUser returns all strategies owned by a user.
func (d *Database) ListStrategiesByUser(ctx context.Context, userID int64) ([]Strategy, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, name, description, webhook_token, is_active, created_at, updated_at
		FROM strategies WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var res []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.Description, &s.WebhookToken, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStrategyWebhookToken replaces a strategy's webhook token.
func (d *Database) UpdateStrategyWebhookToken(ctx context.Context, id int64, token string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE strategies SET webhook_token = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, token, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateStrategy soft-deletes a strategy.
func (d *Database) DeactivateStrategy(ctx context.Context, userID, id int64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE strategies SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindAccount attaches an account to a strategy with a fan-out weight,
// replacing any existing binding weight. Re-binding a disabled binding
// reactivates it.
func (d *Database) BindAccount(ctx context.Context, strategyID, accountID int64, weight decimal.Decimal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_accounts (strategy_id, account_id, weight, is_active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(strategy_id, account_id) DO UPDATE SET weight = excluded.weight, is_active = 1
	`, strategyID, accountID, decStr(weight))
	return err
}

// SetBindingActive enables or disables a binding without losing its
// weight or capital.
func (d *Database) SetBindingActive(ctx context.Context, strategyID, accountID int64, active bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE strategy_accounts SET is_active = ? WHERE strategy_id = ? AND account_id = ?
	`, active, strategyID, accountID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserCanAccessStrategy reports whether the user owns the strategy or
// owns any account bound to it.
func (d *Database) UserCanAccessStrategy(ctx context.Context, userID, strategyID int64) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM strategies s
		WHERE s.id = ? AND (
			s.user_id = ?
			OR EXISTS (
				SELECT 1 FROM strategy_accounts sa
				JOIN exchange_accounts a ON a.id = sa.account_id
				WHERE sa.strategy_id = s.id AND a.user_id = ?
			)
		)
	`, strategyID, userID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check strategy access: %w", err)
	}
	return n > 0, nil
}

// UnbindAccount removes a strategy-account binding.
func (d *Database) UnbindAccount(ctx context.Context, strategyID, accountID int64) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM strategy_accounts WHERE strategy_id = ? AND account_id = ?
	`, strategyID, accountID)
	return err
}

// ListBindings returns the active account bindings of a strategy.
// Disabled bindings are excluded so fan-out never routes to them.
func (d *Database) ListBindings(ctx context.Context, strategyID int64) ([]StrategyAccount, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT strategy_id, account_id, weight, is_active, created_at
		FROM strategy_accounts WHERE strategy_id = ? AND is_active = 1
		ORDER BY account_id ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var res []StrategyAccount
	for rows.Next() {
		var b StrategyAccount
		var weight string
		if err := rows.Scan(&b.StrategyID, &b.AccountID, &weight, &b.IsActive, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.Weight = parseDec(weight)
		res = append(res, b)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Securities tokens
// ----------------------------------------

// GetSecuritiesToken returns the cached token for an account.
func (d *Database) GetSecuritiesToken(ctx context.Context, accountID int64) (*SecuritiesToken, error) {
	var t SecuritiesToken
	err := d.DB.QueryRowContext(ctx, `
		SELECT account_id, access_token, issued_at, expires_at, updated_at
		FROM securities_tokens WHERE account_id = ?
	`, accountID).Scan(&t.AccountID, &t.AccessToken, &t.IssuedAt, &t.ExpiresAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query securities token: %w", err)
	}
	return &t, nil
}

// UpsertSecuritiesToken stores a freshly issued token.
func (d *Database) UpsertSecuritiesToken(ctx context.Context, t SecuritiesToken) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO securities_tokens (account_id, access_token, issued_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, t.AccountID, t.AccessToken, t.IssuedAt, t.ExpiresAt)
	return err
}

// ----------------------------------------
// Performance metrics and webhook log
// ----------------------------------------

// RecordMetric stores one timing sample.
func (d *Database) RecordMetric(ctx context.Context, m PerformanceMetric) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO performance_metrics (source, name, duration_ms, success, detail)
		VALUES (?, ?, ?, ?, ?)
	`, m.Source, m.Name, m.DurationMS, m.Success, m.Detail)
	return err
}

// RecordWebhookEvent stores a processed webhook with its fan-out
// outcome.
func (d *Database) RecordWebhookEvent(ctx context.Context, e WebhookEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO webhook_events (strategy_id, payload, accounts_total, accounts_failed, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`, e.StrategyID, e.Payload, e.AccountsTotal, e.AccountsFailed, e.DurationMS)
	return err
}
