// Package position maintains per-strategy position and capital state
// as fills arrive.
package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/events"
	"tradegate/pkg/db"
)

// Service applies fills to strategy positions and publishes the
// resulting state.
type Service struct {
	db  *db.Database
	bus *events.Bus
}

// NewService creates a position service.
func NewService(database *db.Database, bus *events.Bus) *Service {
	return &Service{db: database, bus: bus}
}

// ApplyFill folds one fill into the (strategy, account, symbol)
// position and publishes the update. Buying while short or selling
// while long realizes PnL; crossing through zero closes the old
// position and opens the remainder at the fill price.
func (s *Service) ApplyFill(ctx context.Context, userID, strategyID, accountID int64, symbol, side string, qty, price decimal.Decimal) (*db.StrategyPosition, error) {
	pos, err := s.db.ApplyFill(ctx, strategyID, accountID, symbol, side, qty, price)
	if err != nil {
		return nil, fmt.Errorf("apply fill: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(events.EventPositionUpdate, events.PositionUpdate{
			UserID:      userID,
			StrategyID:  strategyID,
			AccountID:   accountID,
			Symbol:      symbol,
			Quantity:    pos.Qty,
			AvgPrice:    pos.AvgPrice,
			RealizedPnL: pos.RealizedPnL,
			Timestamp:   time.Now(),
		})
	}
	return pos, nil
}

// Snapshot returns all positions of a strategy.
func (s *Service) Snapshot(ctx context.Context, strategyID int64) ([]db.StrategyPosition, error) {
	return s.db.ListPositionsByStrategy(ctx, strategyID)
}
