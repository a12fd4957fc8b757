package event

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// BorrowRequested is a user's request to borrow against collateral, with the
// proceeds delivered to Receiver on DestChainID.
type BorrowRequested struct {
	ActionID    uuid.UUID
	Borrower    common.Address
	Amount      *big.Int
	DestAsset   common.Address
	DestChainID uint64
	Receiver    []byte // destination-chain address encoding (opaque bytes)
	GasBudget   uint64
	Timestamp   time.Time
}

func (b *BorrowRequested) IdempotencyKey() string {
	return b.ActionID.String()
}

func (b *BorrowRequested) EventType() EventType {
	return EventTypeBorrowRequested
}

func (b *BorrowRequested) Account() common.Address {
	return b.Borrower
}

func (b *BorrowRequested) SourceSequence() int64 {
	return 0 // user action, no transport ordering
}

// RepaymentReceived clears debt once repayment funds are confirmed locally.
type RepaymentReceived struct {
	PaymentID uuid.UUID
	Borrower  common.Address
	Amount    *big.Int
	Timestamp time.Time
}

func (r *RepaymentReceived) IdempotencyKey() string {
	return r.PaymentID.String()
}

func (r *RepaymentReceived) EventType() EventType {
	return EventTypeRepaymentReceived
}

func (r *RepaymentReceived) Account() common.Address {
	return r.Borrower
}

func (r *RepaymentReceived) SourceSequence() int64 {
	return 0
}

// LiquidationRequested force-closes an under-collateralized position.
// Only the configured operator identity may issue it.
type LiquidationRequested struct {
	ActionID  uuid.UUID
	Operator  common.Address
	Target    common.Address
	Timestamp time.Time
}

func (l *LiquidationRequested) IdempotencyKey() string {
	return l.ActionID.String()
}

func (l *LiquidationRequested) EventType() EventType {
	return EventTypeLiquidationRequested
}

func (l *LiquidationRequested) Account() common.Address {
	return l.Target
}

func (l *LiquidationRequested) SourceSequence() int64 {
	return 0
}
