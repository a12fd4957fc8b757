package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AuditKind discriminates audit log entries
type AuditKind int32

const (
	AuditDeposited AuditKind = iota
	AuditBorrowInitiated
	AuditRepaid
	AuditLiquidated
	AuditRevertEvent
	AuditOutboundSettled
)

func (k AuditKind) String() string {
	switch k {
	case AuditDeposited:
		return "Deposited"
	case AuditBorrowInitiated:
		return "BorrowInitiated"
	case AuditRepaid:
		return "Repaid"
	case AuditLiquidated:
		return "Liquidated"
	case AuditRevertEvent:
		return "RevertEvent"
	case AuditOutboundSettled:
		return "OutboundSettled"
	default:
		return "Unknown"
	}
}

// AuditEntry is one record in the append-only audit log. Entries are never
// mutated after emission; external monitoring consumes them in sequence order.
type AuditEntry struct {
	EntryID    uuid.UUID
	Sequence   int64
	Kind       AuditKind
	Owner      common.Address
	Amount     *big.Int       // nil for entries without an amount
	Asset      common.Address // zero for entries without an asset
	ChainID    uint64
	RequestID  uuid.UUID // zero for entries without a correlation token
	ReasonCode string
	Timestamp  time.Time
}

// NewAuditEntry stamps a fresh entry id; sequence is assigned by the engine
// when the entry is committed.
func NewAuditEntry(kind AuditKind, owner common.Address, ts time.Time) *AuditEntry {
	return &AuditEntry{
		EntryID:   uuid.New(),
		Kind:      kind,
		Owner:     owner,
		Timestamp: ts,
	}
}
