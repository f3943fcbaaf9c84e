// Package gateway manages the pool of live exchange adapters, one per
// account, with credential decryption on create, LRU eviction and a
// failure circuit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAdapterUnhealthy = errors.New("adapter is unhealthy")
	ErrPoolFull         = errors.New("adapter pool is full")
)

// cachedAdapter holds an adapter with lifecycle metadata.
type cachedAdapter struct {
	adapter   common.Adapter
	accountID int64
	userID    int64
	venue     string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds pool tuning.
type Config struct {
	MaxSize          int           // cached adapters before LRU eviction
	IdleTimeout      time.Duration // idle adapters are dropped after this
	HealthInterval   time.Duration // ping cadence
	FailureThreshold int           // failures before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit blocks
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager is the adapter pool.
type Manager struct {
	mu       sync.RWMutex
	adapters map[int64]*cachedAdapter // account id -> adapter
	lruOrder []int64                  // oldest first

	config  Config
	keys    *crypto.KeyRing
	db      *db.Database
	factory Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates an adapter pool.
func NewManager(database *db.Database, keys *crypto.KeyRing, factory Factory, cfg Config) *Manager {
	return &Manager{
		adapters: make(map[int64]*cachedAdapter),
		lruOrder: make([]int64, 0),
		config:   cfg,
		keys:     keys,
		db:       database,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.adapters {
		delete(m.adapters, id)
	}
	m.lruOrder = nil
}

// Get returns the adapter for an account owned by userID, creating it
// on first use. An open failure circuit rejects until the timeout
// elapses.
func (m *Manager) Get(ctx context.Context, userID, accountID int64) (common.Adapter, error) {
	m.mu.RLock()
	if cached, ok := m.adapters[accountID]; ok {
		if cached.userID != userID {
			m.mu.RUnlock()
			return nil, ErrAccountNotFound
		}
		if cached.failures >= m.config.FailureThreshold &&
			time.Since(cached.healthyAt) < m.config.CircuitTimeout {
			m.mu.RUnlock()
			return nil, ErrAdapterUnhealthy
		}
		m.mu.RUnlock()
		m.touchLRU(accountID)
		return cached.adapter, nil
	}
	m.mu.RUnlock()

	return m.create(ctx, userID, accountID)
}

// GetInternal returns the adapter for an account without an ownership
// check, for workers acting on stored bindings (streams, cancel queue,
// reconciliation).
func (m *Manager) GetInternal(ctx context.Context, accountID int64) (common.Adapter, error) {
	acct, err := m.db.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return m.Get(ctx, acct.UserID, accountID)
}

func (m *Manager) create(ctx context.Context, userID, accountID int64) (common.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.adapters[accountID]; ok {
		if cached.userID != userID {
			return nil, ErrAccountNotFound
		}
		m.touchLRULocked(accountID)
		return cached.adapter, nil
	}

	if len(m.adapters) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	acct, err := m.db.GetAccount(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !acct.IsActive {
		return nil, ErrAccountNotFound
	}

	apiKey, err := m.keys.Decrypt(acct.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := m.keys.Decrypt(acct.APISecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt api secret: %w", err)
	}
	var extra string
	if acct.ExtraEncrypted != "" {
		extra, err = m.keys.Decrypt(acct.ExtraEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt account extra: %w", err)
		}
	}

	adapter, err := m.factory(*acct, apiKey, apiSecret, extra)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	now := time.Now()
	m.adapters[accountID] = &cachedAdapter{
		adapter:   adapter,
		accountID: accountID,
		userID:    userID,
		venue:     acct.Venue,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, accountID)
	return adapter, nil
}

// Remove drops an account's adapter from the pool.
func (m *Manager) Remove(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[accountID]; ok {
		delete(m.adapters, accountID)
		m.removeLRULocked(accountID)
	}
}

// RemoveByUser drops all adapters owned by a user.
func (m *Manager) RemoveByUser(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.adapters {
		if cached.userID == userID {
			delete(m.adapters, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure advances the failure circuit for an account.
func (m *Manager) RecordFailure(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[accountID]; ok {
		cached.failures++
	}
}

// RecordSuccess resets the failure circuit.
func (m *Manager) RecordSuccess(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.adapters[accountID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	Total          int
	MaxSize        int
	ByVenue        map[string]int
	UnhealthyCount int
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		Total:   len(m.adapters),
		MaxSize: m.config.MaxSize,
		ByVenue: make(map[string]int),
	}
	for _, cached := range m.adapters {
		stats.ByVenue[cached.venue]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

func (m *Manager) touchLRU(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(accountID)
}

func (m *Manager) touchLRULocked(accountID int64) {
	if cached, ok := m.adapters[accountID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(accountID int64) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.adapters, oldest)
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.adapters {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.adapters, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(accountID int64) {
	m.mu.RLock()
	cached, ok := m.adapters[accountID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	adapter := cached.adapter
	m.mu.RUnlock()

	if pinger, ok := adapter.(common.Pinger); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := pinger.Ping(ctx)
		cancel()
		if err != nil {
			m.RecordFailure(accountID)
		} else {
			m.RecordSuccess(accountID)
		}
	}
}
