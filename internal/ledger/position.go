package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PositionState tracks the lifecycle of a collateral position
type PositionState int32

const (
	PositionStateEmpty PositionState = iota
	PositionStateCollateralized
	PositionStateBorrowing
	PositionStateLiquidated
)

func (ps PositionState) String() string {
	switch ps {
	case PositionStateEmpty:
		return "Empty"
	case PositionStateCollateralized:
		return "Collateralized"
	case PositionStateBorrowing:
		return "Borrowing"
	case PositionStateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ps PositionState) CanTransitionTo(next PositionState) bool {
	validTransitions := map[PositionState][]PositionState{
		PositionStateEmpty: {
			PositionStateCollateralized,
		},
		PositionStateCollateralized: {
			PositionStateBorrowing,
			PositionStateLiquidated,
		},
		PositionStateBorrowing: {
			PositionStateCollateralized, // revert or repay-to-zero
			PositionStateLiquidated,
		},
		PositionStateLiquidated: {
			// terminal: no reset semantics exposed
		},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// PendingOutbound records an in-flight withdraw-and-call issued by a borrow.
// It is set by exactly one borrow at a time and cleared by exactly one of
// settlement or revert.
type PendingOutbound struct {
	RequestID   uuid.UUID
	Amount      *big.Int
	DestAsset   common.Address
	DestChainID uint64
}

// Position is the per-account collateral/debt record. Amounts are in the
// smallest unit of the collateral asset (wei-scale, uint256-safe).
type Position struct {
	Owner            common.Address
	CollateralAmount *big.Int
	CollateralAsset  common.Address
	OriginChainID    uint64
	DebtAmount       *big.Int
	PendingOutbound  *PendingOutbound
	State            PositionState
	Version          int64 // bumped on every mutation
}

// NewPosition creates an empty position for owner.
func NewPosition(owner common.Address) *Position {
	return &Position{
		Owner:            owner,
		CollateralAmount: new(big.Int),
		DebtAmount:       new(big.Int),
		State:            PositionStateEmpty,
	}
}

// TransitionTo moves the position to next, enforcing the transition table
// at the mutation site.
func (p *Position) TransitionTo(next PositionState) error {
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid state transition: %s -> %s", p.State, next)
	}
	p.State = next
	return nil
}

// HasDebt reports whether any debt is outstanding.
func (p *Position) HasDebt() bool {
	return p.DebtAmount != nil && p.DebtAmount.Sign() > 0
}

// Clone returns a deep copy safe to hand outside the store.
func (p *Position) Clone() *Position {
	cp := *p
	cp.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	cp.DebtAmount = new(big.Int).Set(p.DebtAmount)
	if p.PendingOutbound != nil {
		po := *p.PendingOutbound
		po.Amount = new(big.Int).Set(p.PendingOutbound.Amount)
		cp.PendingOutbound = &po
	}
	return &cp
}

// CanonicalBytes returns deterministic serialization for state hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	// owner (20 bytes)
	buf = append(buf, p.Owner.Bytes()...)

	// collateral_asset (20 bytes) + origin_chain_id (8 bytes LE)
	buf = append(buf, p.CollateralAsset.Bytes()...)
	buf = appendUint64LE(buf, p.OriginChainID)

	// collateral_amount, debt_amount (length-prefixed big-endian)
	buf = appendBig(buf, p.CollateralAmount)
	buf = appendBig(buf, p.DebtAmount)

	// state (1 byte)
	buf = append(buf, byte(p.State))

	// pending outbound (flag + request_id + amount + dest)
	if p.PendingOutbound == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = append(buf, p.PendingOutbound.RequestID[:]...)
		buf = appendBig(buf, p.PendingOutbound.Amount)
		buf = append(buf, p.PendingOutbound.DestAsset.Bytes()...)
		buf = appendUint64LE(buf, p.PendingOutbound.DestChainID)
	}

	return buf
}

func appendBig(buf []byte, v *big.Int) []byte {
	b := v.Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
