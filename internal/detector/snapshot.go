package detector

import "github.com/testgpt852-arch/korea-stock-bot/internal/market"

// SnapshotStore keeps the last observed Quote per ticker. Entries are
// replaced by assignment every cycle, never merged — accumulating stale
// values would double-count volume deltas. Not safe for concurrent use on
// its own; the owning SpikeDetector serialises access.
type SnapshotStore struct {
	quotes map[string]market.Quote
}

// NewSnapshotStore constructs an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{quotes: make(map[string]market.Quote)}
}

// Get returns the stored quote for symbol, if any.
func (s *SnapshotStore) Get(symbol string) (market.Quote, bool) {
	q, ok := s.quotes[symbol]
	return q, ok
}

// Put overwrites the stored quote for q.Symbol.
func (s *SnapshotStore) Put(q market.Quote) {
	s.quotes[q.Symbol] = q
}

// Len reports the number of tracked tickers.
func (s *SnapshotStore) Len() int {
	return len(s.quotes)
}

// Reset drops all snapshots.
func (s *SnapshotStore) Reset() {
	s.quotes = make(map[string]market.Quote)
}
