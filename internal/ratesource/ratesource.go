package ratesource

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrSourceUnavailable indicates the provider could not be reached or
	// answered with a transport-level failure.
	ErrSourceUnavailable = errors.New("ratesource: provider unavailable")
	// ErrSourceDataInvalid indicates the provider answered but carried no
	// usable datapoint. Absence of data is always an error, never "no change".
	ErrSourceDataInvalid = errors.New("ratesource: provider data invalid")
)

// RateObservation is one protocol's current yield, produced fresh on every
// reconciliation cycle and never persisted.
type RateObservation struct {
	ProtocolID   int
	ProtocolName string
	APYPercent   decimal.Decimal
}

// Fetcher retrieves the current APY for a single tracked protocol.
type Fetcher interface {
	FetchCurrentAPY(ctx context.Context) (RateObservation, error)
	Protocol() (id int, name string)
}
