// Package report generates the Anlage SO disposal report from the FIFO
// ledger: one row per disposal with EUR proceeds,
// cost basis, fees, gain/loss, and whether the holding period was
// exceeded. Emitted as CSV, JSON, YAML, and a plain-text summary with
// yearly totals and the Freigrenze evaluation.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"btcfifo-mm/internal/ledger"
	"btcfifo-mm/internal/money"
	"btcfifo-mm/pkg/types"
)

// Row is one Anlage SO line.
type Row struct {
	AssetType       string `json:"asset_type" yaml:"asset_type"`
	AcquisitionDate string `json:"acquisition_date" yaml:"acquisition_date"`
	DisposalDate    string `json:"disposal_date" yaml:"disposal_date"`
	QtyBTC          string `json:"qty_btc" yaml:"qty_btc"`
	ProceedsEUR     string `json:"proceeds_eur" yaml:"proceeds_eur"`
	CostBasisEUR    string `json:"cost_basis_eur" yaml:"cost_basis_eur"`
	FeesEUR         string `json:"fees_eur" yaml:"fees_eur"`
	GainLossEUR     string `json:"gain_loss_eur" yaml:"gain_loss_eur"`
	HoldingExceeded bool   `json:"holding_exceeded" yaml:"holding_exceeded"`
	LotID           string `json:"lot_id" yaml:"lot_id"`
	DisposalID      string `json:"disposal_id" yaml:"disposal_id"`
}

// Report is the assembled Anlage SO data for one tax year.
type Report struct {
	Year               int    `json:"year" yaml:"year"`
	Rows               []Row  `json:"rows" yaml:"rows"`
	TaxableGainEUR     string `json:"taxable_gain_eur" yaml:"taxable_gain_eur"`
	TaxFreeGainEUR     string `json:"tax_free_gain_eur" yaml:"tax_free_gain_eur"`
	AnnualExemptionEUR string `json:"annual_exemption_eur" yaml:"annual_exemption_eur"`
	ExemptionExceeded  bool   `json:"exemption_exceeded" yaml:"exemption_exceeded"`
}

// Build assembles the report for a calendar year from the ledger.
func Build(l *ledger.Ledger, year int, annualExemption money.EUR) Report {
	lotsByID := make(map[string]types.TaxLot)
	for _, lot := range l.AllLots() {
		lotsByID[lot.LotID] = lot
	}

	var rows []Row
	var taxable, taxFree money.EUR

	for _, d := range l.Disposals() {
		if d.DisposedAt.UTC().Year() != year {
			continue
		}
		lot := lotsByID[d.LotID]

		feeEUR := money.ZeroEUR
		if d.EURUSDRate > 0 {
			feeEUR = money.NewEUR(d.SaleFeeUSD.Float64() / d.EURUSDRate)
		}

		rows = append(rows, Row{
			AssetType:       "Bitcoin",
			AcquisitionDate: lot.PurchasedAt.UTC().Format("2006-01-02"),
			DisposalDate:    d.DisposedAt.UTC().Format("2006-01-02"),
			QtyBTC:          d.Qty.String(),
			ProceedsEUR:     d.ProceedsEUR.String(),
			CostBasisEUR:    d.CostBasisEUR.String(),
			FeesEUR:         feeEUR.String(),
			GainLossEUR:     d.GainLossEUR.String(),
			HoldingExceeded: !d.IsTaxable,
			LotID:           d.LotID,
			DisposalID:      d.DisposalID,
		})

		if d.IsTaxable {
			taxable = taxable.Add(d.GainLossEUR)
		} else {
			taxFree = taxFree.Add(d.GainLossEUR)
		}
	}

	return Report{
		Year:               year,
		Rows:               rows,
		TaxableGainEUR:     taxable.String(),
		TaxFreeGainEUR:     taxFree.String(),
		AnnualExemptionEUR: annualExemption.String(),
		// Freigrenze is all-or-nothing: strictly exceeding the limit
		// makes the full year's gains taxable; exactly at it is free.
		ExemptionExceeded: taxable.Cmp(annualExemption) > 0,
	}
}

var csvHeader = []string{
	"asset_type", "acquisition_date", "disposal_date", "qty_btc",
	"proceeds_eur", "cost_basis_eur", "fees_eur", "gain_loss_eur",
	"holding_exceeded", "lot_id", "disposal_id",
}

// WriteCSV emits the report rows as UTF-8 comma-separated values.
func (r Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range r.Rows {
		record := []string{
			row.AssetType, row.AcquisitionDate, row.DisposalDate, row.QtyBTC,
			row.ProceedsEUR, row.CostBasisEUR, row.FeesEUR, row.GainLossEUR,
			fmt.Sprintf("%t", row.HoldingExceeded), row.LotID, row.DisposalID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON emits the full report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML emits the full report as YAML.
func (r Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(r)
}

// WriteText emits the operator-readable summary with yearly totals and
// the Freigrenze evaluation.
func (r Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Anlage SO — private sales report, tax year %d\n", r.Year)
	fmt.Fprintf(w, "Generated %s\n\n", time.Now().UTC().Format("2006-01-02 15:04 UTC"))

	if len(r.Rows) == 0 {
		fmt.Fprintln(w, "No disposals this year.")
		return nil
	}

	fmt.Fprintf(w, "%-12s  %-12s  %-12s  %12s  %12s  %12s  %8s\n",
		"acquired", "disposed", "qty_btc", "proceeds", "cost_basis", "gain_loss", "taxable")
	for _, row := range r.Rows {
		taxable := "yes"
		if row.HoldingExceeded {
			taxable = "no"
		}
		fmt.Fprintf(w, "%-12s  %-12s  %-12s  %12s  %12s  %12s  %8s\n",
			row.AcquisitionDate, row.DisposalDate, row.QtyBTC,
			row.ProceedsEUR, row.CostBasisEUR, row.GainLossEUR, taxable)
	}

	fmt.Fprintf(w, "\nTaxable gain (within holding period): %s EUR\n", r.TaxableGainEUR)
	fmt.Fprintf(w, "Tax-free gain (holding period exceeded): %s EUR\n", r.TaxFreeGainEUR)
	fmt.Fprintf(w, "Annual exemption (Freigrenze): %s EUR\n", r.AnnualExemptionEUR)
	if r.ExemptionExceeded {
		fmt.Fprintf(w, "RESULT: Freigrenze exceeded — the ENTIRE taxable gain of %s EUR is subject to tax.\n", r.TaxableGainEUR)
	} else {
		fmt.Fprintln(w, "RESULT: within the Freigrenze — taxable gains are exempt this year.")
	}
	return nil
}
