package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Sentinel identifies the caller of an inbound cross-chain notification as
// observed at the trust boundary. The engine compares Sender against the
// configured gateway identity before trusting any payload field.
type Sentinel struct {
	Sender      common.Address
	SourceChain uint64
}

// DepositReceived is an inbound collateral deposit notification from the
// gateway. DeliveryID is the transport's delivery identifier (origin-chain
// tx hash or message id) and doubles as the dedup key, since gateways
// redeliver at-least-once.
type DepositReceived struct {
	DeliveryID    common.Hash
	Payer         common.Address
	Asset         common.Address
	Amount        *big.Int
	OriginChainID uint64
	Origin        Sentinel
	Sequence      int64
	Timestamp     time.Time
}

func (d *DepositReceived) IdempotencyKey() string {
	return d.DeliveryID.Hex()
}

func (d *DepositReceived) EventType() EventType {
	return EventTypeDepositReceived
}

func (d *DepositReceived) Account() common.Address {
	return d.Payer
}

func (d *DepositReceived) SourceSequence() int64 {
	return d.Sequence
}

// OutboundReverted is the gateway's asynchronous failure notification for a
// previously dispatched withdraw-and-call. RequestID correlates back to the
// borrow that caused it; reverts may arrive duplicated or out of order.
type OutboundReverted struct {
	RequestID  uuid.UUID
	Amount     *big.Int
	Asset      common.Address
	ReasonCode string
	Origin     Sentinel
	Sequence   int64
	Timestamp  time.Time
}

func (r *OutboundReverted) IdempotencyKey() string {
	return fmt.Sprintf("%s:revert", r.RequestID)
}

func (r *OutboundReverted) EventType() EventType {
	return EventTypeOutboundReverted
}

func (r *OutboundReverted) Account() common.Address {
	return common.Address{} // resolved via the requestId index
}

func (r *OutboundReverted) SourceSequence() int64 {
	return r.Sequence
}

// OutboundSettled is the gateway's success notification for a dispatched
// withdraw-and-call. It resolves the pending outbound without touching debt.
type OutboundSettled struct {
	RequestID uuid.UUID
	Origin    Sentinel
	Sequence  int64
	Timestamp time.Time
}

func (s *OutboundSettled) IdempotencyKey() string {
	return fmt.Sprintf("%s:settled", s.RequestID)
}

func (s *OutboundSettled) EventType() EventType {
	return EventTypeOutboundSettled
}

func (s *OutboundSettled) Account() common.Address {
	return common.Address{}
}

func (s *OutboundSettled) SourceSequence() int64 {
	return s.Sequence
}
