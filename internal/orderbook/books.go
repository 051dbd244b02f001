package orderbook

import "sync"

// Books is the registry of per-asset books. The registry itself is safe for
// concurrent use; the books it hands out are not.
type Books struct {
	mu    sync.Mutex
	books map[string]*Book
}

func NewBooks() *Books {
	return &Books{books: make(map[string]*Book)}
}

// For returns the book for assetID, creating it on first use.
func (r *Books) For(assetID string) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.books[assetID]
	if !ok {
		b = New(assetID)
		r.books[assetID] = b
	}
	return b
}

// Assets lists the assets that have a book.
func (r *Books) Assets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.books))
	for id := range r.books {
		ids = append(ids, id)
	}
	return ids
}
