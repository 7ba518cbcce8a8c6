package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"yield-pilot/internal/ledger"
	"yield-pilot/internal/ratesource"
)

var (
	simulateProtocol int
	simulateAPYBps   int64
	simulateRates    []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-decision",
	Short: "Evaluate the switch policy against supplied rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateRates) == 0 {
			return fmt.Errorf("--rate must be provided at least once")
		}

		candidates, err := parseRateFlags(simulateRates)
		if err != nil {
			return err
		}

		current := ledger.AllocationRecord{
			CurrentProtocolID: simulateProtocol,
			CurrentAPYBps:     simulateAPYBps,
		}

		return getApp().SimulateDecision(cmd.Context(), current, candidates)
	},
}

// parseRateFlags turns "id:name:pct" triples into observations.
func parseRateFlags(flags []string) ([]ratesource.RateObservation, error) {
	candidates := make([]ratesource.RateObservation, 0, len(flags))
	for _, flag := range flags {
		parts := strings.SplitN(flag, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --rate %q; expected id:name:pct", flag)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid protocol id in --rate %q: %w", flag, err)
		}
		pct, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid apy pct in --rate %q: %w", flag, err)
		}
		candidates = append(candidates, ratesource.RateObservation{
			ProtocolID:   id,
			ProtocolName: parts[1],
			APYPercent:   pct,
		})
	}
	return candidates, nil
}

func init() {
	simulateCmd.Flags().IntVar(&simulateProtocol, "current-protocol", 0, "Current allocation protocol id")
	simulateCmd.Flags().Int64Var(&simulateAPYBps, "current-apy-bps", 0, "Current allocation APY in basis points")
	simulateCmd.Flags().StringArrayVar(&simulateRates, "rate", nil, "Candidate rate as id:name:pct (repeatable)")
}
