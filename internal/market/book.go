// Package market provides the local order book mirror, the regime
// classifier, and the Bollinger/ATR spacing model — the market-data side
// of the tick pipeline.
//
// Book mirrors the venue's L2 book for the single configured pair. Every
// applied snapshot is validated against the venue's CRC32 checksum; a
// mismatch marks the book desynced, which pauses trading until the
// exchange session resubscribes and re-snapshots.
package market

import (
	"hash/crc32"
	"strconv"
	"strings"
	"sync"
	"time"

	"btcfifo-mm/pkg/types"
)

// Book maintains a local mirror of the L2 order book for one pair.
type Book struct {
	mu       sync.RWMutex
	snapshot types.BookSnapshot
	updated  time.Time
	desynced bool
}

// NewBook creates an empty book mirror.
func NewBook() *Book {
	return &Book{}
}

// ApplySnapshot replaces the book wholesale (initial load or re-snapshot
// after a checksum mismatch).
func (b *Book) ApplySnapshot(snap types.BookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = snap
	b.updated = time.Now()
	b.desynced = false
}

// ApplyDelta merges incremental bid/ask updates, then validates the
// venue-supplied CRC32 checksum against the locally recomputed one. On
// mismatch the book is marked desynced and the update is rejected — the
// caller (exchange session) must unsubscribe, resubscribe, and resnapshot.
func (b *Book) ApplyDelta(bids, asks []types.BookLevel, venueChecksum uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := b.snapshot
	merged.Bids = mergeLevels(merged.Bids, bids, true)
	merged.Asks = mergeLevels(merged.Asks, asks, false)

	if venueChecksum != 0 {
		computed := ChecksumLevels(merged.Bids, merged.Asks)
		if computed != venueChecksum {
			b.desynced = true
			return false
		}
	}

	merged.Checksum = venueChecksum
	merged.UpdatedAt = time.Now()
	b.snapshot = merged
	b.updated = time.Now()
	b.desynced = false
	return true
}

// mergeLevels applies size updates (0 size removes the level) and keeps
// bids sorted descending / asks ascending by price.
func mergeLevels(existing, updates []types.BookLevel, descending bool) []types.BookLevel {
	byPrice := make(map[float64]float64, len(existing))
	for _, l := range existing {
		byPrice[l.Price] = l.Size
	}
	for _, u := range updates {
		if u.Size == 0 {
			delete(byPrice, u.Price)
		} else {
			byPrice[u.Price] = u.Size
		}
	}
	out := make([]types.BookLevel, 0, len(byPrice))
	for p, s := range byPrice {
		out = append(out, types.BookLevel{Price: p, Size: s})
	}
	sortLevels(out, descending)
	return out
}

func sortLevels(levels []types.BookLevel, descending bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			less := levels[j].Price < levels[j-1].Price
			if descending {
				less = levels[j].Price > levels[j-1].Price
			}
			if !less {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// ChecksumLevels computes the venue's CRC32 book checksum: the top 10
// bid levels then the top 10 ask levels, each price and size formatted
// without trailing zeros or decimal points and concatenated, CRC32'd.
func ChecksumLevels(bids, asks []types.BookLevel) uint32 {
	var sb strings.Builder
	appendN := func(levels []types.BookLevel) {
		n := 10
		if len(levels) < n {
			n = len(levels)
		}
		for i := 0; i < n; i++ {
			sb.WriteString(compactNum(levels[i].Price))
			sb.WriteString(compactNum(levels[i].Size))
		}
	}
	appendN(bids)
	appendN(asks)
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

func compactNum(v float64) string {
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	s = strings.ReplaceAll(s, ".", "")
	return s
}

// MidPrice returns (bestBid+bestAsk)/2, false if either side is empty.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// BestBidAsk returns the best bid and ask.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.snapshot.Bids) == 0 || len(b.snapshot.Asks) == 0 {
		return 0, 0, false
	}
	return b.snapshot.Bids[0].Price, b.snapshot.Asks[0].Price, true
}

// IsDesynced reports whether the last applied delta failed checksum
// validation and the book requires a re-snapshot.
func (b *Book) IsDesynced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desynced
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Snapshot returns a copy of the current book state.
func (b *Book) Snapshot() types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}
