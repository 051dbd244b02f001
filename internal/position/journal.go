package position

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleJournal persists holdings in a local Pebble database, one JSON value
// per account/asset pair.
type PebbleJournal struct {
	db *pebble.DB
}

// OpenPebbleJournal opens (or creates) the journal at path.
func OpenPebbleJournal(path string) (*PebbleJournal, error) {
	cache := pebble.NewCache(32 << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: 16 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble journal at %s: %w", path, err)
	}
	return &PebbleJournal{db: db}, nil
}

// Close closes the database.
func (j *PebbleJournal) Close() error {
	return j.db.Close()
}

// Put overwrites the records for each holding's account/asset pair in one
// atomic batch.
func (j *PebbleJournal) Put(hs ...Holding) error {
	b := j.db.NewBatch()
	defer b.Close()
	for _, h := range hs {
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("failed to marshal holding: %w", err)
		}
		if err := b.Set(holdingKey(h.AccountID, h.AssetID), data, nil); err != nil {
			return fmt.Errorf("failed to stage holding: %w", err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save holdings: %w", err)
	}
	return nil
}

// Load returns every journaled holding.
func (j *PebbleJournal) Load() ([]Holding, error) {
	prefix := []byte(holdingPrefix)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal iterator: %w", err)
	}
	defer iter.Close()

	var out []Holding
	for iter.First(); iter.Valid(); iter.Next() {
		var h Holding
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			return nil, fmt.Errorf("corrupt holding at %q: %w", iter.Key(), err)
		}
		out = append(out, h)
	}
	return out, iter.Error()
}

// Flush syncs buffered writes to disk.
func (j *PebbleJournal) Flush() error {
	return j.db.Flush()
}

const holdingPrefix = "pos/"

func holdingKey(accountID, assetID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", holdingPrefix, accountID, assetID))
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
