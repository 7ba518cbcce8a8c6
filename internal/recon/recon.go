package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"yield-pilot/internal/ledger"
	"yield-pilot/internal/policy"
	"yield-pilot/internal/ratesource"
)

// Stage names each step of a reconciliation cycle.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageReading   Stage = "reading"
	StageDeciding  Stage = "deciding"
	StageWriting   Stage = "writing"
	StageVerifying Stage = "verifying"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeNoSwitch Outcome = "no_switch"
	OutcomeSwitched Outcome = "switched"
	OutcomeFailed   Outcome = "failed"
)

// ErrVerifyMismatch flags a post-write state that does not reflect the
// decided target. The switch may still have landed; this is an anomaly for
// a human to look at, never a silent success.
var ErrVerifyMismatch = errors.New("recon: post-write state does not match decision")

// CycleReport carries everything a caller needs to act on a finished cycle:
// the stage reached, the last good state observed, and the decision taken.
type CycleReport struct {
	Bucket       time.Time
	Stage        Stage
	Outcome      Outcome
	Current      ledger.AllocationRecord
	Observations []ratesource.RateObservation
	Decision     policy.Decision
	Receipt      ledger.Receipt
	Verified     *ledger.AllocationRecord
	Anomaly      string
	Err          error
}

// Engine drives one read-decide-write pass against the allocation record.
//
// Concurrency precondition: the engine does not itself exclude concurrent
// cycles against the same record. Read -> decide -> write is a
// read-modify-write race if two agents run it concurrently; deployments must
// guarantee a single writer (one authority identity, or an external lock such
// as the Postgres advisory lock the run loop takes when a database is
// configured). The ledger's own conflict detection is only a backstop.
type Engine struct {
	state    ledger.ReadWriter
	fetchers []ratesource.Fetcher
	policy   policy.Policy
	logger   zerolog.Logger

	// rereadTimeout bounds the forced state re-read after an ambiguous write.
	rereadTimeout time.Duration
}

// New constructs a reconciliation engine.
func New(state ledger.ReadWriter, fetchers []ratesource.Fetcher, pol policy.Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		state:         state,
		fetchers:      fetchers,
		policy:        pol,
		logger:        logger.With().Str("component", "recon").Logger(),
		rereadTimeout: 15 * time.Second,
	}
}

// RunCycle executes one complete cycle. The returned report is meaningful
// even when err is non-nil: Stage names where the cycle stopped and Current
// holds the last state observed. No stage retries internally; retries belong
// to a scheduler above this layer.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{Bucket: time.Now().UTC(), Stage: StageIdle, Outcome: OutcomeFailed}

	if err := e.read(ctx, &report); err != nil {
		return e.fail(report, err)
	}

	if err := e.decide(ctx, &report); err != nil {
		return e.fail(report, err)
	}

	if !report.Decision.ShouldSwitch {
		report.Outcome = OutcomeNoSwitch
		e.logger.Info().
			Int("current_protocol", report.Current.CurrentProtocolID).
			Str("best_apy_pct", report.Decision.BestAPYPct.String()).
			Str("diff_pct", report.Decision.DiffPct.String()).
			Msg("no switch warranted")
		return report, nil
	}

	if err := e.write(ctx, &report); err != nil {
		// An ambiguous failure (local timeout or cancellation) may mask a
		// landed transaction. Re-read before reporting a false "no switch".
		if errors.Is(err, ledger.ErrWriteTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if landed := e.confirmByReread(&report); landed {
				report.Outcome = OutcomeSwitched
				report.Anomaly = "write timed out locally but landed on the ledger; confirmed by re-read"
				e.logger.Warn().Str("tx", report.Receipt.TxHash).Msg(report.Anomaly)
				return report, nil
			}
		}
		return e.fail(report, err)
	}

	if err := e.verify(ctx, &report); err != nil {
		report.Outcome = OutcomeSwitched
		report.Anomaly = err.Error()
		report.Err = err
		return report, err
	}

	report.Outcome = OutcomeSwitched
	return report, nil
}

// read loads the authoritative allocation record.
func (e *Engine) read(ctx context.Context, report *CycleReport) error {
	report.Stage = StageReading

	current, err := e.state.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	report.Current = current
	e.logger.Debug().
		Int("protocol", current.CurrentProtocolID).
		Int64("apy_bps", current.CurrentAPYBps).
		Msg("state read")
	return nil
}

// decide fetches every tracked protocol's rate and evaluates the policy. Any
// fetch failure aborts the cycle: a partial candidate set must not silently
// degrade the decision.
func (e *Engine) decide(ctx context.Context, report *CycleReport) error {
	report.Stage = StageDeciding

	if len(e.fetchers) == 0 {
		return errors.New("no rate fetchers configured")
	}

	observations := make([]ratesource.RateObservation, 0, len(e.fetchers))
	for _, fetcher := range e.fetchers {
		obs, err := fetcher.FetchCurrentAPY(ctx)
		if err != nil {
			_, name := fetcher.Protocol()
			return fmt.Errorf("fetch rate for %s: %w", name, err)
		}
		observations = append(observations, obs)
	}
	report.Observations = observations

	report.Decision = e.policy.Decide(report.Current, observations)
	e.logger.Info().
		Bool("should_switch", report.Decision.ShouldSwitch).
		Int("target", report.Decision.TargetID).
		Str("diff_pct", report.Decision.DiffPct.String()).
		Msg("decision evaluated")
	return nil
}

// write submits the transition. Failures terminate the cycle; this layer
// never auto-retries an on-chain write, because an ambiguous failure might
// have landed and a retry would double-switch.
func (e *Engine) write(ctx context.Context, report *CycleReport) error {
	report.Stage = StageWriting

	receipt, err := e.state.WriteState(ctx, report.Decision.TargetID, report.Decision.TargetAPYBps)
	report.Receipt = receipt
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// verify re-reads the record and reports the post-write values for audit.
func (e *Engine) verify(ctx context.Context, report *CycleReport) error {
	report.Stage = StageVerifying

	after, err := e.state.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("%w: verification re-read failed: %v", ErrVerifyMismatch, err)
	}
	report.Verified = &after

	if after.CurrentProtocolID != report.Decision.TargetID || after.CurrentAPYBps != report.Decision.TargetAPYBps {
		return fmt.Errorf("%w: decided protocol %d @ %d bps, observed protocol %d @ %d bps",
			ErrVerifyMismatch,
			report.Decision.TargetID, report.Decision.TargetAPYBps,
			after.CurrentProtocolID, after.CurrentAPYBps)
	}

	e.logger.Info().
		Int("protocol", after.CurrentProtocolID).
		Int64("apy_bps", after.CurrentAPYBps).
		Str("tx", report.Receipt.TxHash).
		Msg("post-write state verified")
	return nil
}

// confirmByReread checks, on a fresh deadline detached from the cancelled
// cycle context, whether the ambiguous write actually landed.
func (e *Engine) confirmByReread(report *CycleReport) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.rereadTimeout)
	defer cancel()

	after, err := e.state.ReadState(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("post-cancellation re-read failed; write outcome unknown")
		return false
	}
	report.Verified = &after

	return after.CurrentProtocolID == report.Decision.TargetID &&
		after.CurrentAPYBps == report.Decision.TargetAPYBps
}

func (e *Engine) fail(report CycleReport, err error) (CycleReport, error) {
	report.Err = err
	e.logger.Error().Err(err).Str("stage", string(report.Stage)).Msg("cycle failed")
	if report.Stage == StageWriting {
		e.logger.Warn().Msg("write-stage failure: re-read state before any retry to resolve write-outcome ambiguity")
	}
	return report, err
}
