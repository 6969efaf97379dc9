package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"btcfifo-mm/internal/ledger"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

const holding = 365 * 24 * time.Hour

// seedLedger records one short-held (taxable) and one long-held
// (tax-free) round trip in 2026.
func seedLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(holding, nil)

	oldBuy := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	l.RecordBuy(types.Trade{
		VenueOrderID: "O-old", Side: types.Buy, Qty: 0.02, Price: 40000, Fee: 0.8,
		Timestamp: oldBuy, Source: types.SourceGrid,
	}, 1.08)

	// Selling the old lot in 2026 exceeds the holding period.
	if _, err := l.RecordSell(types.Trade{
		VenueOrderID: "O-s1", Side: types.Sell, Qty: 0.02, Price: 50000, Fee: 1.0,
		Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC), Source: types.SourceGrid,
	}, 1.10); err != nil {
		t.Fatalf("sell old lot: %v", err)
	}

	newBuy := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.RecordBuy(types.Trade{
		VenueOrderID: "O-new", Side: types.Buy, Qty: 0.01, Price: 50000, Fee: 0.5,
		Timestamp: newBuy, Source: types.SourceGrid,
	}, 1.10)

	if _, err := l.RecordSell(types.Trade{
		VenueOrderID: "O-s2", Side: types.Sell, Qty: 0.01, Price: 50500, Fee: 0.505,
		Timestamp: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), Source: types.SourceGrid,
	}, 1.10); err != nil {
		t.Fatalf("sell new lot: %v", err)
	}

	return l
}

func TestBuildSplitsTaxableAndFree(t *testing.T) {
	t.Parallel()
	r := Build(seedLedger(t), 2026, money.NewEUR(1000))

	if len(r.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(r.Rows))
	}

	var taxableRows, freeRows int
	for _, row := range r.Rows {
		if row.AssetType != "Bitcoin" {
			t.Errorf("asset_type = %q", row.AssetType)
		}
		if row.HoldingExceeded {
			freeRows++
			if row.AcquisitionDate != "2025-01-10" {
				t.Errorf("tax-free row acquired %s, want 2025-01-10", row.AcquisitionDate)
			}
		} else {
			taxableRows++
		}
	}
	if taxableRows != 1 || freeRows != 1 {
		t.Errorf("taxable=%d free=%d, want 1/1", taxableRows, freeRows)
	}
	if r.ExemptionExceeded {
		t.Error("small gains should not exceed the Freigrenze")
	}
}

func TestBuildFiltersByYear(t *testing.T) {
	t.Parallel()
	r := Build(seedLedger(t), 2025, money.NewEUR(1000))
	if len(r.Rows) != 0 {
		t.Errorf("2025 rows = %d, want 0 (both disposals are 2026)", len(r.Rows))
	}
}

func TestWriteCSVRoundTrips(t *testing.T) {
	t.Parallel()
	r := Build(seedLedger(t), 2026, money.NewEUR(1000))

	var buf bytes.Buffer
	if err := r.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse emitted csv: %v", err)
	}
	if len(records) != 3 { // header + 2 rows
		t.Fatalf("csv records = %d, want 3", len(records))
	}
	if records[0][0] != "asset_type" {
		t.Errorf("header = %v", records[0])
	}
}

func TestWriteJSONParsable(t *testing.T) {
	t.Parallel()
	r := Build(seedLedger(t), 2026, money.NewEUR(1000))

	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var parsed Report
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.Year != 2026 || len(parsed.Rows) != 2 {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestWriteTextMentionsFreigrenze(t *testing.T) {
	t.Parallel()
	r := Build(seedLedger(t), 2026, money.NewEUR(1000))

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Freigrenze") {
		t.Errorf("text summary missing Freigrenze evaluation:\n%s", out)
	}
	if !strings.Contains(out, "2026") {
		t.Errorf("text summary missing year:\n%s", out)
	}
}

func TestWriteYAML(t *testing.T) {
	t.Parallel()
	r := Build(seedLedger(t), 2026, money.NewEUR(1000))

	var buf bytes.Buffer
	if err := r.WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	if !strings.Contains(buf.String(), "asset_type: Bitcoin") {
		t.Errorf("yaml output missing rows:\n%s", buf.String())
	}
}
