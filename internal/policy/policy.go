package policy

import (
	"github.com/shopspring/decimal"

	"yield-pilot/internal/ledger"
	"yield-pilot/internal/ratesource"
)

// Rounding selects how a percentage is converted to basis points. The value
// written on-chain must be reproducible by auditors, so the mode is fixed per
// deployment.
type Rounding int

const (
	// RoundHalfAway rounds half away from zero (default).
	RoundHalfAway Rounding = iota
	// RoundHalfEven applies banker's rounding.
	RoundHalfEven
)

// Decision is the outcome of evaluating candidates against the current
// allocation. It is derived state, never persisted on its own.
type Decision struct {
	ShouldSwitch  bool
	TargetID      int
	TargetName    string
	TargetAPYBps  int64
	DiffPct       decimal.Decimal
	BestAPYPct    decimal.Decimal
	CurrentAPYPct decimal.Decimal
}

// Policy holds the switching parameters.
type Policy struct {
	ThresholdPct decimal.Decimal
	Rounding     Rounding
}

// New constructs a policy with the given threshold percentage.
func New(thresholdPct decimal.Decimal, rounding Rounding) Policy {
	return Policy{ThresholdPct: thresholdPct, Rounding: rounding}
}

// Decide selects the best candidate and determines whether a switch is
// warranted. Pure and deterministic: no I/O, same inputs always produce the
// same decision. Ties on APY resolve to the first candidate in input order.
func (p Policy) Decide(current ledger.AllocationRecord, candidates []ratesource.RateObservation) Decision {
	currentPct := decimal.NewFromInt(current.CurrentAPYBps).Div(decimal.NewFromInt(100))

	if len(candidates) == 0 {
		return Decision{CurrentAPYPct: currentPct}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.APYPercent.GreaterThan(best.APYPercent) {
			best = c
		}
	}

	diff := best.APYPercent.Sub(currentPct)

	decision := Decision{
		TargetID:      best.ProtocolID,
		TargetName:    best.ProtocolName,
		DiffPct:       diff,
		BestAPYPct:    best.APYPercent,
		CurrentAPYPct: currentPct,
	}

	// Strict inequality: a diff exactly at the threshold never switches,
	// which keeps rounding-equal comparisons from oscillating.
	if best.ProtocolID != current.CurrentProtocolID && diff.GreaterThan(p.ThresholdPct) {
		decision.ShouldSwitch = true
		decision.TargetAPYBps = p.toBasisPoints(best.APYPercent)
	}

	return decision
}

func (p Policy) toBasisPoints(pct decimal.Decimal) int64 {
	bps := pct.Mul(decimal.NewFromInt(100))
	if p.Rounding == RoundHalfEven {
		return bps.RoundBank(0).IntPart()
	}
	return bps.Round(0).IntPart()
}
