package trade

import (
	"fmt"
	"math"

	"github.com/BelDim04/invest-alphas/internal/broker"
)

// Intent is the ephemeral order plan for one instrument within one
// iteration; it is discarded once the sequencer has run.
type Intent struct {
	Ticker         string
	FIGI           string
	DeltaLots      int64
	Price          float64
	TargetNotional float64
	Weight         float64
}

// SizingError reports an instrument that could not be sized, most
// commonly because no price was available. It is never a silent skip.
type SizingError struct {
	Ticker string
	Reason string
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing %s: %s", e.Ticker, e.Reason)
}

// SizePositions converts the weight vector plus current portfolio state
// into integer lot deltas. Per instrument:
//
//	targetNotional = portfolioValue × weight × safetyFraction
//	targetLots     = roundHalfEven(targetNotional / (price × lot))
//	deltaLots      = targetLots − floor(heldUnits/lot)
//
// positions maps FIGI to held base units. A zero delta produces no Intent;
// note a zero weight with an existing position sizes the unwind, not a
// no-op.
func SizePositions(
	weights map[string]float64,
	portfolioValue float64,
	positions map[string]int64,
	instruments map[string]broker.Instrument,
	prices map[string]float64,
	safetyFraction float64,
) ([]Intent, []SizingError) {
	var intents []Intent
	var errs []SizingError

	for ticker, weight := range weights {
		ins, ok := instruments[ticker]
		if !ok {
			errs = append(errs, SizingError{Ticker: ticker, Reason: "instrument not resolved"})
			continue
		}
		price, ok := prices[ticker]
		if !ok || math.IsNaN(price) || price <= 0 {
			errs = append(errs, SizingError{Ticker: ticker, Reason: "no price available"})
			continue
		}
		lot := ins.Lot
		if lot <= 0 {
			lot = 1
		}

		targetNotional := portfolioValue * weight * safetyFraction
		targetLots := int64(math.RoundToEven(targetNotional / (price * float64(lot))))
		heldLots := floorDiv(positions[ins.FIGI], lot)

		delta := targetLots - heldLots
		if delta == 0 {
			continue
		}
		intents = append(intents, Intent{
			Ticker:         ticker,
			FIGI:           ins.FIGI,
			DeltaLots:      delta,
			Price:          price,
			TargetNotional: targetNotional,
			Weight:         weight,
		})
	}
	return intents, errs
}

// floorDiv divides rounding toward negative infinity, so a short 15 units
// at lot size 10 counts as -2 held lots, not -1.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
