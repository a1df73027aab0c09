package persistence

import (
	"time"

	"binance-hedge-bot-go/internal/models"
)

// DedupStore is the durable backing for the dedup ledger.
type DedupStore interface {
	// CompareAndSwapCandle atomically stores candleIdentity for key unless the
	// stored identity already equals it. It returns whether the swap happened and
	// the record that was replaced (nil if none).
	CompareAndSwapCandle(key models.DedupKey, candleIdentity int64, at time.Time) (bool, *models.DedupRecord, error)

	// RestoreCandle undoes a swap: if key still holds written, the previous
	// record is put back (or the key removed when previous is nil).
	RestoreCandle(key models.DedupKey, written int64, previous *models.DedupRecord) error

	GetDedup(key models.DedupKey) (*models.DedupRecord, error)
	DeleteDedup(key models.DedupKey) error
	ListDedup() ([]models.DedupRecord, error)
}

// GroupStore persists hedge groups, one per symbol.
type GroupStore interface {
	SaveGroup(group *models.HedgeGroup) error
	LoadGroups() (map[string]*models.HedgeGroup, error)
}

// AccountStore persists the simulated account so sim positions survive restarts.
type AccountStore interface {
	SaveSimAccount(acc *models.SimAccount) error
	// LoadSimAccount returns (nil, nil) when no account was saved yet.
	LoadSimAccount() (*models.SimAccount, error)
}

// StateRepository defines the interface for dashboard state persistence.
type StateRepository interface {
	// SaveState atomically saves the entire dashboard state.
	SaveState(state *models.DashboardState) error

	// LoadState loads the dashboard state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.DashboardState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
