package types

import (
	"time"

	"btcfifo-mm/internal/money"
)

// TaxLot is one BTC purchase lot owned exclusively by the FifoLedger.
// A lot never resurrects once closed.
type TaxLot struct {
	LotID        string
	VenueOrderID string
	VenueTradeID string
	Source       LotSource
	PurchasedAt  time.Time
	OriginalQty  money.BTC
	RemainingQty money.BTC
	PriceUSD     money.USD
	TotalUSD     money.USD
	FeeUSD       money.USD
	PriceEUR     money.EUR
	TotalEUR     money.EUR
	EURUSDRate   decimalRate
	TaxFreeAt    time.Time
}

// Status derives the lot's lifecycle state from its remaining quantity.
func (l TaxLot) Status() string {
	switch {
	case l.RemainingQty.IsZero():
		return "closed"
	case l.RemainingQty.Cmp(l.OriginalQty) == 0:
		return "open"
	default:
		return "partial"
	}
}

// Disposal is one lot-consumption record created by a sell fill.
type Disposal struct {
	DisposalID   string
	LotID        string
	DisposedAt   time.Time
	Qty          money.BTC
	SalePriceUSD money.USD
	SaleFeeUSD   money.USD
	EURUSDRate   decimalRate
	ProceedsEUR  money.EUR
	CostBasisEUR money.EUR
	GainLossEUR  money.EUR
	IsTaxable    bool
}

// HarvestRecommendation is one candidate lot TaxAgent.RecommendHarvest
// proposes realizing a loss on before year-end.
type HarvestRecommendation struct {
	Lot               TaxLot
	UnrealizedLossEUR money.EUR
}

// OrderSlot is one logical grid position, owned exclusively by the
// OrderManager for the lifetime of the process.
type OrderSlot struct {
	SlotIndex      int
	Side           Side
	State          SlotState
	LiveOrderID    string
	PendingClOrdID string
	LivePrice      money.USD
	LiveQty        money.BTC
	DesiredPrice   money.USD
	DesiredQty     money.BTC
	LastIntentAt   time.Time
	PendingSince   time.Time
	RejectCount    int
}

// RegimeConfig is the per-regime tuning bundle the RegimeRouter's
// classification selects.
type RegimeConfig struct {
	Tag            Regime
	BTCTargetPct   float64
	BTCMinPct      float64
	BTCMaxPct      float64
	GridLevels     int
	OrderSizeScale float64
	SignalEnabled  bool
}

// Portfolio is a snapshot of current holdings and derived allocation,
// computed fresh each tick.
type Portfolio struct {
	BTCQty      money.BTC
	USDQty      money.USD
	MidPrice    money.USD
	EquityUSD   money.USD
	BTCAllocPct float64
}

// RiskState is RiskManager's exclusively-owned mutable state.
type RiskState struct {
	HighWaterMarkUSD   money.USD
	CurrentEquityUSD   money.USD
	DrawdownPct        float64
	Classification     RiskClassification
	Pause              PauseState
	PauseReason        PauseReason
	CircuitFrozenUntil time.Time
	CircuitFrozen      bool
}

// decimalRate is a plain float64 alias used for the EUR/USD conversion
// rate field: it is a ratio, not itself a monetary amount in any of the
// three tracked currencies, so it does not get a money type.
type decimalRate = float64
