package storage

import (
	"encoding/json"
	"time"
)

// CycleRecord is the persisted audit trail of one reconciliation cycle.
type CycleRecord struct {
	Bucket          time.Time
	Stage           string
	Outcome         string
	CurrentProtocol int
	CurrentAPYBps   int64
	TargetProtocol  int
	TargetAPYBps    int64
	DiffPct         string
	Rates           json.RawMessage
	TxHash          *string
	Anomaly         *string
	Error           *string
	CreatedAt       time.Time
}

// ObservedRate is the per-protocol observation embedded in a CycleRecord's
// Rates payload.
type ObservedRate struct {
	ProtocolID   int    `json:"protocol_id"`
	ProtocolName string `json:"protocol_name"`
	APYPct       string `json:"apy_pct"`
}

// SettlementRecord captures one consumed payment proof for the gate's
// exactly-once discipline.
type SettlementRecord struct {
	Nonce     string
	Payer     string
	Receiver  string
	Amount    string
	Currency  string
	Resource  string
	Network   string
	SettledAt time.Time
}
