package market

import (
	"testing"
	"time"

	"btcfifo-mm/pkg/types"
)

func newTestBook() *Book {
	return NewBook()
}

func TestApplySnapshotAndMid(t *testing.T) {
	t.Parallel()
	b := newTestBook()

	b.ApplySnapshot(types.BookSnapshot{
		Bids: []types.BookLevel{{Price: 50000, Size: 1}, {Price: 49990, Size: 2}},
		Asks: []types.BookLevel{{Price: 50010, Size: 1}},
	})

	bid, ask, ok := b.BestBidAsk()
	if !ok {
		t.Fatal("BestBidAsk returned ok=false after applying snapshot")
	}
	if bid != 50000 {
		t.Errorf("bid = %v, want 50000", bid)
	}
	if ask != 50010 {
		t.Errorf("ask = %v, want 50010", ask)
	}

	mid, ok := b.MidPrice()
	if !ok || mid != 50005 {
		t.Errorf("mid = %v, ok=%v, want 50005", mid, ok)
	}
}

func TestApplyDeltaChecksumMismatchDesyncs(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	b.ApplySnapshot(types.BookSnapshot{
		Bids: []types.BookLevel{{Price: 50000, Size: 1}},
		Asks: []types.BookLevel{{Price: 50010, Size: 1}},
	})

	ok := b.ApplyDelta(nil, nil, 0xDEADBEEF)
	if ok {
		t.Fatal("ApplyDelta should reject a bogus checksum")
	}
	if !b.IsDesynced() {
		t.Error("book should be marked desynced after a checksum mismatch")
	}
}

func TestApplyDeltaCorrectChecksumResyncs(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	bids := []types.BookLevel{{Price: 50000, Size: 1}}
	asks := []types.BookLevel{{Price: 50010, Size: 1}}
	b.ApplySnapshot(types.BookSnapshot{Bids: bids, Asks: asks})

	newBids := []types.BookLevel{{Price: 49995, Size: 2}}
	mergedBids := mergeLevels(bids, newBids, true)
	checksum := ChecksumLevels(mergedBids, asks)

	ok := b.ApplyDelta(newBids, nil, checksum)
	if !ok {
		t.Fatal("ApplyDelta should accept a correctly recomputed checksum")
	}
	if b.IsDesynced() {
		t.Error("book should not be desynced after a valid delta")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	b := newTestBook()
	if !b.IsStale(time.Second) {
		t.Error("an empty book should be stale")
	}
	b.ApplySnapshot(types.BookSnapshot{
		Bids: []types.BookLevel{{Price: 1, Size: 1}},
		Asks: []types.BookLevel{{Price: 2, Size: 1}},
	})
	if b.IsStale(time.Minute) {
		t.Error("a freshly updated book should not be stale")
	}
}
