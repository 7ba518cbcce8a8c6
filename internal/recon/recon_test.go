package recon

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-pilot/internal/ledger"
	"yield-pilot/internal/policy"
	"yield-pilot/internal/ratesource"
)

// fakeLedger is an in-memory allocation record. applyOnError makes a failing
// write land anyway, modelling a transaction that confirmed after the local
// wait gave up.
type fakeLedger struct {
	record   ledger.AllocationRecord
	readErr  error
	writeErr error

	applyOnError bool
	writes       int
}

func (f *fakeLedger) ReadState(context.Context) (ledger.AllocationRecord, error) {
	if f.readErr != nil {
		return ledger.AllocationRecord{}, f.readErr
	}
	return f.record, nil
}

func (f *fakeLedger) WriteState(_ context.Context, protocolID int, apyBps int64) (ledger.Receipt, error) {
	f.writes++
	if f.writeErr != nil {
		if f.applyOnError {
			f.record.CurrentProtocolID = protocolID
			f.record.CurrentAPYBps = apyBps
		}
		return ledger.Receipt{TxHash: "0xambiguous"}, f.writeErr
	}
	f.record.CurrentProtocolID = protocolID
	f.record.CurrentAPYBps = apyBps
	return ledger.Receipt{TxHash: "0xabc", BlockNumber: 7}, nil
}

type fakeFetcher struct {
	id   int
	name string
	pct  float64
	err  error
}

func (f fakeFetcher) Protocol() (int, string) { return f.id, f.name }

func (f fakeFetcher) FetchCurrentAPY(context.Context) (ratesource.RateObservation, error) {
	if f.err != nil {
		return ratesource.RateObservation{}, f.err
	}
	return ratesource.RateObservation{
		ProtocolID:   f.id,
		ProtocolName: f.name,
		APYPercent:   decimal.NewFromFloat(f.pct),
	}, nil
}

func testPolicy() policy.Policy {
	return policy.New(decimal.NewFromFloat(0.5), policy.RoundHalfAway)
}

func TestRunCycleNoSwitch(t *testing.T) {
	state := &fakeLedger{record: ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420}}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", pct: 4.6},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle should succeed: %v", err)
	}

	if report.Outcome != OutcomeNoSwitch {
		t.Fatalf("expected no_switch, got %s", report.Outcome)
	}
	if state.writes != 0 {
		t.Fatalf("no-switch cycle must not write, wrote %d times", state.writes)
	}
	if len(report.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(report.Observations))
	}
}

func TestRunCycleSwitchesAndVerifies(t *testing.T) {
	state := &fakeLedger{record: ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420}}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", pct: 4.9},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle should succeed: %v", err)
	}

	if report.Outcome != OutcomeSwitched {
		t.Fatalf("expected switched, got %s", report.Outcome)
	}
	if state.record.CurrentProtocolID != 1 || state.record.CurrentAPYBps != 490 {
		t.Fatalf("ledger not updated: %+v", state.record)
	}
	if report.Verified == nil || report.Verified.CurrentProtocolID != 1 {
		t.Fatalf("verification not recorded: %+v", report.Verified)
	}
	if report.Receipt.TxHash != "0xabc" {
		t.Fatalf("receipt not captured: %+v", report.Receipt)
	}
}

func TestRunCycleReadFailureAborts(t *testing.T) {
	state := &fakeLedger{readErr: ledger.ErrStateNotFound}
	engine := New(state, []ratesource.Fetcher{fakeFetcher{id: 0, name: "alpha", pct: 5}}, testPolicy(), zerolog.Nop())

	report, err := engine.RunCycle(context.Background())
	if !errors.Is(err, ledger.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
	if report.Stage != StageReading {
		t.Fatalf("failure should be attributed to reading, got %s", report.Stage)
	}
	if report.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", report.Outcome)
	}
}

func TestRunCycleAnyFetchFailureAborts(t *testing.T) {
	// A partial candidate set must not degrade the decision silently.
	state := &fakeLedger{record: ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420}}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", err: fmt.Errorf("%w: status 503", ratesource.ErrSourceUnavailable)},
		fakeFetcher{id: 2, name: "charlie", pct: 9.9},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if !errors.Is(err, ratesource.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if report.Stage != StageDeciding {
		t.Fatalf("failure should be attributed to deciding, got %s", report.Stage)
	}
	if state.writes != 0 {
		t.Fatalf("failed cycle must not write, wrote %d times", state.writes)
	}
}

func TestRunCycleNoFetchersConfigured(t *testing.T) {
	state := &fakeLedger{record: ledger.AllocationRecord{}}
	engine := New(state, nil, testPolicy(), zerolog.Nop())

	if _, err := engine.RunCycle(context.Background()); err == nil {
		t.Fatal("cycle with no fetchers must fail")
	}
}

func TestRunCycleAmbiguousWriteConfirmedByReread(t *testing.T) {
	// The wait for confirmation timed out locally but the transaction landed.
	// The forced re-read must turn this into a confirmed switch, not a
	// failure that invites a double-switching retry.
	state := &fakeLedger{
		record:       ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420},
		writeErr:     fmt.Errorf("%w: gave up waiting", ledger.ErrWriteTimeout),
		applyOnError: true,
	}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", pct: 4.9},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("confirmed ambiguous write must not surface as failure: %v", err)
	}

	if report.Outcome != OutcomeSwitched {
		t.Fatalf("expected switched, got %s", report.Outcome)
	}
	if report.Anomaly == "" {
		t.Fatal("confirmed ambiguous write must be flagged as an anomaly")
	}
	if state.writes != 1 {
		t.Fatalf("the write must not be retried, wrote %d times", state.writes)
	}
}

func TestRunCycleAmbiguousWriteNotLanded(t *testing.T) {
	state := &fakeLedger{
		record:   ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420},
		writeErr: fmt.Errorf("%w: gave up waiting", ledger.ErrWriteTimeout),
	}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", pct: 4.9},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if !errors.Is(err, ledger.ErrWriteTimeout) {
		t.Fatalf("unconfirmed ambiguous write must fail with ErrWriteTimeout, got %v", err)
	}
	if report.Stage != StageWriting {
		t.Fatalf("failure should be attributed to writing, got %s", report.Stage)
	}
}

func TestRunCycleUnambiguousWriteFailureAborts(t *testing.T) {
	state := &fakeLedger{
		record:       ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420},
		writeErr:     fmt.Errorf("%w: execution reverted", ledger.ErrWriteRejected),
		applyOnError: true, // even if state moved, a rejection is not re-read
	}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", pct: 4.9},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if !errors.Is(err, ledger.ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	if report.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", report.Outcome)
	}
}

// verifyMismatchLedger reports a different state on the post-write read.
type verifyMismatchLedger struct {
	fakeLedger
}

func (v *verifyMismatchLedger) WriteState(ctx context.Context, protocolID int, apyBps int64) (ledger.Receipt, error) {
	receipt, err := v.fakeLedger.WriteState(ctx, protocolID, apyBps)
	v.record.CurrentAPYBps = apyBps + 1 // something else moved the record
	return receipt, err
}

func TestRunCycleVerifyMismatchIsAnomalyNotSilentSuccess(t *testing.T) {
	state := &verifyMismatchLedger{fakeLedger{record: ledger.AllocationRecord{CurrentProtocolID: 0, CurrentAPYBps: 420}}}
	fetchers := []ratesource.Fetcher{
		fakeFetcher{id: 0, name: "alpha", pct: 4.2},
		fakeFetcher{id: 1, name: "bravo", pct: 4.9},
	}

	engine := New(state, fetchers, testPolicy(), zerolog.Nop())
	report, err := engine.RunCycle(context.Background())
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("expected ErrVerifyMismatch, got %v", err)
	}
	if report.Outcome != OutcomeSwitched {
		t.Fatalf("the switch did execute; outcome must be switched, got %s", report.Outcome)
	}
	if report.Anomaly == "" {
		t.Fatal("verify mismatch must be recorded as an anomaly")
	}
}
