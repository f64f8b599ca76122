// Package market ingests market group logs into events and derives the
// position ledger from them.
package market

import (
	"context"

	"marketScope/internal/model"
)

// EventStore persists decoded events.
type EventStore interface {
	// InsertEvent stores e unless an event with the same key exists. It
	// returns the stored row and whether it was created.
	InsertEvent(ctx context.Context, e model.Event) (model.Event, bool, error)
}

// GroupStore persists market groups and their epochs.
type GroupStore interface {
	GetMarketGroup(ctx context.Context, chainID uint64, address string) (model.MarketGroup, bool, error)
	// UpsertMarketGroup inserts g or fills the deploy and factory fields of
	// the existing row when they are unset. It returns the stored row.
	UpsertMarketGroup(ctx context.Context, g model.MarketGroup) (model.MarketGroup, error)
	// SaveMarketGroup writes owner, collateral, params and the initialized
	// flag of an existing group.
	SaveMarketGroup(ctx context.Context, g model.MarketGroup) error
	GetMarket(ctx context.Context, groupID int64, marketID uint64) (model.Market, bool, error)
	// UpsertMarket writes the epoch definition. Settlement fields are left
	// untouched.
	UpsertMarket(ctx context.Context, m model.Market) error
	// SettleMarket marks an unsettled market settled. It reports false when
	// the market is missing or already settled.
	SettleMarket(ctx context.Context, groupID int64, marketID uint64, priceD18 string) (bool, error)
}

// LedgerStore persists transactions and the positions folded from them.
type LedgerStore interface {
	// UpsertTransaction stores tx keyed by its event, together with its
	// market price and collateral transfer.
	UpsertTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, error)
	PositionTransactions(ctx context.Context, groupID int64, positionID uint64) ([]model.Transaction, error)
	UpdateTransactionDeltas(ctx context.Context, txs []model.Transaction) error
	GetPosition(ctx context.Context, groupID int64, positionID uint64) (model.Position, bool, error)
	UpsertPosition(ctx context.Context, p model.Position) (model.Position, error)
	// SetPositionOwner reports false when the position does not exist.
	SetPositionOwner(ctx context.Context, groupID int64, positionID uint64, owner string) (bool, error)
}

// Store is everything the ingestion pipeline writes to.
type Store interface {
	EventStore
	GroupStore
	LedgerStore
}
