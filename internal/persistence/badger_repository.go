package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"binance-hedge-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	dedupPrefix = "dedup/"
	groupPrefix = "group/"
	stateKey    = "dashboard_state"
	simKey      = "sim_account"

	// maxConflictRetries bounds optimistic retries when two transactions touch the same key.
	maxConflictRetries = 5
)

// BadgerRepository is the BadgerDB implementation of DedupStore, GroupStore,
// AccountStore and StateRepository.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a repository at dbPath.
func NewBadgerRepository(dbPath string) (*BadgerRepository, error) {
	return open(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository opens a repository that keeps everything in memory.
func NewInMemoryRepository() (*BadgerRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*BadgerRepository, error) {
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerRepository{db: db}, nil
}

func dedupKey(key models.DedupKey) []byte {
	return []byte(dedupPrefix + key.String())
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (r *BadgerRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		if len(val) == 0 {
			return fmt.Errorf("value for %s is empty in database", key)
		}
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// CompareAndSwapCandle implements DedupStore.
func (r *BadgerRepository) CompareAndSwapCandle(key models.DedupKey, candleIdentity int64, at time.Time) (bool, *models.DedupRecord, error) {
	var (
		allowed  bool
		previous *models.DedupRecord
	)
	err := r.update(func(txn *badger.Txn) error {
		allowed, previous = false, nil

		var current models.DedupRecord
		err := getJSON(txn, dedupKey(key), &current)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if current.CandleIdentity == candleIdentity {
				return nil
			}
			previous = &current
		}

		allowed = true
		return setJSON(txn, dedupKey(key), models.DedupRecord{Key: key, CandleIdentity: candleIdentity, RecordedAt: at})
	})
	if err != nil {
		return false, nil, err
	}
	return allowed, previous, nil
}

// RestoreCandle implements DedupStore.
func (r *BadgerRepository) RestoreCandle(key models.DedupKey, written int64, previous *models.DedupRecord) error {
	return r.update(func(txn *badger.Txn) error {
		var current models.DedupRecord
		err := getJSON(txn, dedupKey(key), &current)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// someone admitted a newer candle since; leave it alone
		if current.CandleIdentity != written {
			return nil
		}
		if previous == nil {
			return txn.Delete(dedupKey(key))
		}
		return setJSON(txn, dedupKey(key), previous)
	})
}

// GetDedup returns the record for key, or (nil, nil) if none exists.
func (r *BadgerRepository) GetDedup(key models.DedupKey) (*models.DedupRecord, error) {
	var rec models.DedupRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, dedupKey(key), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteDedup removes the record for key. Used for manual re-arming.
func (r *BadgerRepository) DeleteDedup(key models.DedupKey) error {
	return r.update(func(txn *badger.Txn) error {
		return txn.Delete(dedupKey(key))
	})
}

// ListDedup returns every dedup record ordered by key.
func (r *BadgerRepository) ListDedup() ([]models.DedupRecord, error) {
	var out []models.DedupRecord
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(dedupPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.DedupRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// SaveGroup implements GroupStore. Flat groups without a pending transition are
// stored too so a restart never resurrects stale exposure.
func (r *BadgerRepository) SaveGroup(group *models.HedgeGroup) error {
	return r.update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(groupPrefix+group.Symbol), group)
	})
}

// LoadGroups implements GroupStore.
func (r *BadgerRepository) LoadGroups() (map[string]*models.HedgeGroup, error) {
	groups := make(map[string]*models.HedgeGroup)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(groupPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var g models.HedgeGroup
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return err
			}
			groups[g.Symbol] = &g
		}
		return nil
	})
	return groups, err
}

// SaveSimAccount implements AccountStore.
func (r *BadgerRepository) SaveSimAccount(acc *models.SimAccount) error {
	return r.update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(simKey), acc)
	})
}

// LoadSimAccount implements AccountStore.
func (r *BadgerRepository) LoadSimAccount() (*models.SimAccount, error) {
	var acc models.SimAccount
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(simKey), &acc)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// SaveState atomically saves the entire dashboard state.
func (r *BadgerRepository) SaveState(state *models.DashboardState) error {
	return r.update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(stateKey), state)
	})
}

// LoadState loads the dashboard state from storage.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *BadgerRepository) LoadState() (*models.DashboardState, error) {
	var state models.DashboardState
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(stateKey), &state)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

// SortedSymbols returns the symbols of groups in a stable order.
func SortedSymbols(groups map[string]*models.HedgeGroup) []string {
	out := make([]string, 0, len(groups))
	for s := range groups {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
