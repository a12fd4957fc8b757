package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositReceived
	EventTypeBorrowRequested
	EventTypeRepaymentReceived
	EventTypeLiquidationRequested
	EventTypeOutboundReverted
	EventTypeOutboundSettled
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Account the event touches (zero address for unmatched reverts)
	Owner common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for replay detection
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Account returns the position the event targets
	// (zero address when the target is resolved by correlation, e.g. reverts)
	Account() common.Address

	// SourceSequence returns the upstream ordering key (0 for user actions)
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositReceived:
		return "DepositReceived"
	case EventTypeBorrowRequested:
		return "BorrowRequested"
	case EventTypeRepaymentReceived:
		return "RepaymentReceived"
	case EventTypeLiquidationRequested:
		return "LiquidationRequested"
	case EventTypeOutboundReverted:
		return "OutboundReverted"
	case EventTypeOutboundSettled:
		return "OutboundSettled"
	default:
		return "Unknown"
	}
}
