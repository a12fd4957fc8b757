package transport

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OutboundInstruction is a withdraw-and-call request handed to the gateway.
// Delivery is fire-and-forget from the ledger's perspective: only the
// gateway's eventual settle/revert notification matters.
type OutboundInstruction struct {
	RequestID   uuid.UUID
	Amount      *big.Int
	DestAsset   common.Address
	DestChainID uint64
	Receiver    []byte
	GasBudget   uint64
}

// Gateway is the trusted external messaging layer that carries outbound
// instructions. A synchronous error means the gateway rejected the request
// before accepting it for delivery; the caller must roll back any
// provisional state tied to the instruction.
type Gateway interface {
	WithdrawAndCall(ctx context.Context, instr OutboundInstruction) error
}

// MemoryGateway is an in-process Gateway that records every instruction.
// It implements the same contract as the real transport and is injected at
// construction for tests and local development; a configurable rejection
// hook exercises the synchronous-failure path.
type MemoryGateway struct {
	mu           sync.Mutex
	instructions []OutboundInstruction

	// RejectNext, when set, fails the next dispatch with the given error
	// and then clears itself.
	rejectNext error
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{}
}

func (g *MemoryGateway) WithdrawAndCall(_ context.Context, instr OutboundInstruction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rejectNext != nil {
		err := g.rejectNext
		g.rejectNext = nil
		return err
	}

	g.instructions = append(g.instructions, instr)
	return nil
}

// RejectNext makes the next WithdrawAndCall fail with err.
func (g *MemoryGateway) RejectNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectNext = err
}

// Instructions returns a copy of all accepted instructions.
func (g *MemoryGateway) Instructions() []OutboundInstruction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OutboundInstruction, len(g.instructions))
	copy(out, g.instructions)
	return out
}
