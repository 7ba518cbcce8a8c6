package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"yield-pilot/internal/ledger"
	"yield-pilot/internal/ratesource"
)

// SimulateDecision evaluates the switch policy against supplied rates,
// without touching the ledger or any provider. Useful for dry-running a
// threshold change before deploying it.
func (a *App) SimulateDecision(_ context.Context, current ledger.AllocationRecord, candidates []ratesource.RateObservation) error {
	pol := a.newPolicy()
	decision := pol.Decide(current, candidates)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "current\tprotocol %d @ %s%%\n", current.CurrentProtocolID, decimal.NewFromInt(current.CurrentAPYBps).Div(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Fprintf(writer, "best\tprotocol %d (%s) @ %s%%\n", decision.TargetID, decision.TargetName, decision.BestAPYPct.StringFixed(3))
	fmt.Fprintf(writer, "diff\t%s%% (threshold %s%%)\n", decision.DiffPct.StringFixed(3), pol.ThresholdPct.StringFixed(3))
	if decision.ShouldSwitch {
		fmt.Fprintf(writer, "decision\tswitch to protocol %d @ %d bps\n", decision.TargetID, decision.TargetAPYBps)
	} else {
		fmt.Fprintf(writer, "decision\tno switch\n")
	}
	return writer.Flush()
}
