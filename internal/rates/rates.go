// Package rates provides the EUR/USD reference-rate lookup the tax
// ledger converts with. The ledger needs the ECB
// daily reference rate valid on a trade's UTC date; weekends and
// holidays fall back to the previous business day's fixing. Fetching
// the ECB feed itself is out of scope for the engine core — FileSource
// loads a local CSV fixture of historical fixings, and FetchECBHistory
// is a convenience downloader for keeping that fixture current.
package rates

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNoRate is returned when no fixing exists on or before the
// requested date (within the lookback window).
var ErrNoRate = errors.New("rates: no EUR/USD rate available for date")

// maxFallbackDays bounds the previous-business-day walk so a sparse
// fixture fails loudly instead of silently using a stale rate.
const maxFallbackDays = 7

// Source resolves the EUR/USD rate valid on a given UTC date.
type Source interface {
	RateFor(date time.Time) (float64, error)
}

// StaticSource returns one constant rate, used by tests and backtests.
type StaticSource float64

func (s StaticSource) RateFor(time.Time) (float64, error) {
	if s <= 0 {
		return 0, ErrNoRate
	}
	return float64(s), nil
}

// FileSource serves rates from a CSV fixture of ECB daily fixings with
// a "date,rate" row per business day (header optional).
type FileSource struct {
	rates map[string]float64 // "2006-01-02" -> rate
}

// NewFileSource loads the fixture at path.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rates fixture: %w", err)
	}
	defer f.Close()
	return parseFixture(f)
}

func parseFixture(r io.Reader) (*FileSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	src := &FileSource{rates: make(map[string]float64)}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse rates fixture: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		date := strings.TrimSpace(row[0])
		if _, err := time.Parse("2006-01-02", date); err != nil {
			continue // header or malformed row
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil || rate <= 0 {
			continue
		}
		src.rates[date] = rate
	}
	if len(src.rates) == 0 {
		return nil, fmt.Errorf("rates fixture contains no usable rows")
	}
	return src, nil
}

// RateFor returns the fixing on the date's UTC day, walking back up to
// a week of previous business days for weekends and holidays.
func (s *FileSource) RateFor(date time.Time) (float64, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	for i := 0; i <= maxFallbackDays; i++ {
		key := day.AddDate(0, 0, -i).Format("2006-01-02")
		if rate, ok := s.rates[key]; ok {
			return rate, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoRate, day.Format("2006-01-02"))
}

// Dates returns the fixture's covered dates, ascending, for diagnostics.
func (s *FileSource) Dates() []string {
	out := make([]string, 0, len(s.rates))
	for d := range s.rates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// FetchECBHistory downloads the ECB's historical USD fixing series and
// writes it to path in the fixture's CSV format. Run by the operator
// (report/setup subcommands), never by the trading engine.
func FetchECBHistory(url, path string) error {
	client := resty.New().SetTimeout(30 * time.Second)
	resp, err := client.R().Get(url)
	if err != nil {
		return fmt.Errorf("fetch ecb history: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch ecb history: status %d", resp.StatusCode())
	}

	// The ECB SDW CSV carries the date in column 0 and the OBS_VALUE
	// fixing in the last column; pass through rows that parse.
	reader := csv.NewReader(strings.NewReader(resp.String()))
	reader.FieldsPerRecord = -1

	var sb strings.Builder
	sb.WriteString("date,rate\n")
	rows := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse ecb csv: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		date := strings.TrimSpace(row[0])
		if _, err := time.Parse("2006-01-02", date); err != nil {
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(row[len(row)-1]), 64)
		if err != nil || rate <= 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s,%s\n", date, strconv.FormatFloat(rate, 'f', -1, 64))
		rows++
	}
	if rows == 0 {
		return fmt.Errorf("ecb history contained no usable rows")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write rates fixture: %w", err)
	}
	return nil
}
