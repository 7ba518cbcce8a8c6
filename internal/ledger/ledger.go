package ledger

import (
	"context"
	"errors"
)

var (
	// ErrStateNotFound indicates the allocation record has not been
	// initialised at the configured address.
	ErrStateNotFound = errors.New("ledger: allocation state not found")
	// ErrStateRead indicates a transport-level failure while reading state.
	ErrStateRead = errors.New("ledger: state read failed")
	// ErrUnauthorized indicates the configured authority key does not match
	// the record's authority.
	ErrUnauthorized = errors.New("ledger: unauthorized authority")
	// ErrWriteRejected indicates the ledger refused the transition
	// (insufficient fee, stale reference, conflicting update, revert).
	ErrWriteRejected = errors.New("ledger: write rejected")
	// ErrWriteTimeout indicates finality was not observed within the bounded
	// wait. The transaction may still have landed; callers must re-read state
	// before concluding that no switch occurred.
	ErrWriteTimeout = errors.New("ledger: write finality timeout")
)

// AllocationRecord is the authoritative allocation state held on-chain. The
// agent holds only a read/write capability to it; the record is created once
// by an external initialisation step and mutated solely through signed
// transition requests.
type AllocationRecord struct {
	Authority         string
	CurrentProtocolID int
	CurrentAPYBps     int64
}

// Receipt describes an accepted state transition.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Reader reads the current allocation record.
type Reader interface {
	ReadState(ctx context.Context) (AllocationRecord, error)
}

// Writer submits a signed transition that atomically sets both the protocol
// id and the APY basis points. Partial application is impossible: the two
// fields travel in a single instruction.
type Writer interface {
	WriteState(ctx context.Context, protocolID int, apyBps int64) (Receipt, error)
}

// ReadWriter combines both capabilities.
type ReadWriter interface {
	Reader
	Writer
}
