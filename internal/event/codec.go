package event

import (
	"encoding/json"
	"fmt"
)

// UnmarshalPayload rebuilds the typed event from a logged envelope payload.
// Used during warm-restart replay; the payload was produced by
// json.Marshal on the concrete event struct.
func UnmarshalPayload(eventType EventType, payload []byte) (Event, error) {
	var evt Event

	switch eventType {
	case EventTypeDepositReceived:
		evt = &DepositReceived{}
	case EventTypeBorrowRequested:
		evt = &BorrowRequested{}
	case EventTypeRepaymentReceived:
		evt = &RepaymentReceived{}
	case EventTypeLiquidationRequested:
		evt = &LiquidationRequested{}
	case EventTypeOutboundReverted:
		evt = &OutboundReverted{}
	case EventTypeOutboundSettled:
		evt = &OutboundSettled{}
	default:
		return nil, fmt.Errorf("unknown event type %d", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", eventType, err)
	}
	return evt, nil
}
