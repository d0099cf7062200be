package query

import (
	"VaultLedger/internal/lending"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceResponse represents a wallet balance for API queries.
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	AccountPath  string    `json:"account_path"`
	Balance      int64     `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"` // last applied event sequence
}

// Health is the derived solvency view of a position. None of it is
// stored; it is recomputed from the projected value and debt.
type Health struct {
	RatioBps     *int64  `json:"ratio_bps,omitempty"` // nil when debt-free
	RatioPct     *string `json:"ratio_pct,omitempty"`
	RequiredBps  int64   `json:"required_bps"`
	MaxBorrow    int64   `json:"max_borrow"`
	Headroom     int64   `json:"headroom"` // max_borrow - borrowed, floored at 0
	Liquidatable bool    `json:"liquidatable"`
}

var hundred = decimal.NewFromInt(100)

// BpsToPercent renders basis points as a percentage with two decimals,
// e.g. 15000 -> "150.00".
func BpsToPercent(bps int64) string {
	return decimal.New(bps, -2).StringFixed(2)
}

// FractionPercent renders num/den as a percentage with two decimals.
// A zero denominator yields "0.00".
func FractionPercent(num, den int64) string {
	if den == 0 {
		return "0.00"
	}
	return decimal.NewFromInt(num).
		Mul(hundred).
		DivRound(decimal.NewFromInt(den), 4).
		StringFixed(2)
}

// DeriveHealth computes the health view with the same integer formulas the
// lending engine uses, so a query never disagrees with a borrow decision.
func DeriveHealth(collateralValue, borrowed, requiredBps int64) Health {
	h := Health{RequiredBps: requiredBps}

	if maxBorrow, err := lending.MaxBorrow(collateralValue, requiredBps); err == nil {
		h.MaxBorrow = maxBorrow
		if maxBorrow > borrowed {
			h.Headroom = maxBorrow - borrowed
		}
	}

	if borrowed > 0 {
		ratio := lending.RatioBps(collateralValue, borrowed)
		pct := BpsToPercent(ratio)
		h.RatioBps = &ratio
		h.RatioPct = &pct
		h.Liquidatable = ratio < requiredBps
	}
	return h
}
