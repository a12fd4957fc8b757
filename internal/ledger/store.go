package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PositionStore exclusively owns all position records. All mutation goes
// through the engine's handlers; no other component retains a mutable copy.
// Not thread-safe — only accessed from the single-threaded engine.
type PositionStore struct {
	positions map[common.Address]*Position

	// requestId → owner index for revert/settlement correlation
	inflight map[uuid.UUID]common.Address
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[common.Address]*Position),
		inflight:  make(map[uuid.UUID]common.Address),
	}
}

// Get returns the existing position or nil.
func (ps *PositionStore) Get(owner common.Address) *Position {
	return ps.positions[owner]
}

// GetOrCreate returns the existing position or creates a new empty one.
func (ps *PositionStore) GetOrCreate(owner common.Address) *Position {
	pos := ps.positions[owner]
	if pos == nil {
		pos = NewPosition(owner)
		ps.positions[owner] = pos
	}
	return pos
}

// Resolve looks up the owner of an in-flight outbound by its correlation
// token. A miss means the request was already resolved, the position was
// liquidated, or the id is unknown.
func (ps *PositionStore) Resolve(requestID uuid.UUID) (*Position, bool) {
	owner, ok := ps.inflight[requestID]
	if !ok {
		return nil, false
	}
	return ps.positions[owner], true
}

// IndexRequest registers an in-flight outbound for later correlation.
func (ps *PositionStore) IndexRequest(requestID uuid.UUID, owner common.Address) {
	ps.inflight[requestID] = owner
}

// DropRequest removes a resolved or abandoned correlation token.
func (ps *PositionStore) DropRequest(requestID uuid.UUID) {
	delete(ps.inflight, requestID)
}

// All returns every position (snapshot restore and state hashing).
func (ps *PositionStore) All() []*Position {
	result := make([]*Position, 0, len(ps.positions))
	for _, pos := range ps.positions {
		result = append(result, pos)
	}
	return result
}

// Restore directly sets a position and re-indexes any pending outbound
// (used when rebuilding from the projection or event replay).
func (ps *PositionStore) Restore(pos *Position) {
	ps.positions[pos.Owner] = pos
	if pos.PendingOutbound != nil {
		ps.inflight[pos.PendingOutbound.RequestID] = pos.Owner
	}
}

// Len returns the number of tracked positions.
func (ps *PositionStore) Len() int {
	return len(ps.positions)
}

// CheckInvariants validates the structural invariants of a single position.
// Violations are programming errors, not business-rule rejections.
func (ps *PositionStore) CheckInvariants(pos *Position, policy Policy) error {
	switch pos.State {
	case PositionStateEmpty:
		if pos.CollateralAmount.Sign() != 0 || pos.DebtAmount.Sign() != 0 || pos.PendingOutbound != nil {
			return fmt.Errorf("empty position %s carries balances", pos.Owner.Hex())
		}
	case PositionStateLiquidated:
		if pos.CollateralAmount.Sign() != 0 || pos.DebtAmount.Sign() != 0 || pos.PendingOutbound != nil {
			return fmt.Errorf("liquidated position %s not zeroed", pos.Owner.Hex())
		}
	}

	if pos.CollateralAmount.Sign() < 0 {
		return fmt.Errorf("position %s has negative collateral", pos.Owner.Hex())
	}
	if pos.DebtAmount.Sign() < 0 {
		return fmt.Errorf("position %s has negative debt", pos.Owner.Hex())
	}

	if pos.PendingOutbound != nil && pos.State != PositionStateBorrowing && pos.State != PositionStateCollateralized {
		return fmt.Errorf("position %s has pending outbound in state %s", pos.Owner.Hex(), pos.State)
	}

	if policy != nil && pos.State != PositionStateLiquidated {
		if pos.DebtAmount.Cmp(policy.MaxDebt(pos.CollateralAmount)) > 0 {
			return fmt.Errorf("position %s over-leveraged: debt=%s collateral=%s",
				pos.Owner.Hex(), pos.DebtAmount, pos.CollateralAmount)
		}
	}

	return nil
}
