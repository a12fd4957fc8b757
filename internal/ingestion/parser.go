package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"omnilend/internal/event"
	"omnilend/internal/transport"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and parses before anything reaches
// the engine; unparseable notifications never enter the log.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "DepositReceived":
		return parseDepositReceived(raw.Data)
	case "OutboundReverted":
		return parseOutboundReverted(raw.Data)
	case "OutboundSettled":
		return parseOutboundSettled(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Amounts are decimal strings (uint256-safe), addresses and hashes 0x-hex.
// Field names use snake_case to match the gateway connector.

type depositJSON struct {
	DeliveryID    string `json:"delivery_id"`
	Sender        string `json:"sender"`
	SourceChainID uint64 `json:"source_chain_id"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	Message       string `json:"message"` // ABI-encoded (payer, asset, chainId)
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseDepositReceived(data []byte) (*event.DepositReceived, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositReceived: %w", err)
	}

	deliveryID, err := parseHash(j.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery_id: %w", err)
	}
	sender, err := parseAddress(j.Sender)
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}
	asset, err := parseAddress(j.Asset)
	if err != nil {
		return nil, fmt.Errorf("parse asset: %w", err)
	}
	amount, err := parseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	msg, err := transport.DecodeDepositMessage(common.FromHex(j.Message))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	// The delivered token and the message's asset claim must agree; a
	// disagreement means the connector relayed a forged or corrupted payload.
	if msg.Asset != asset {
		return nil, fmt.Errorf("message asset %s does not match delivered asset %s", msg.Asset, asset)
	}

	return &event.DepositReceived{
		DeliveryID:    deliveryID,
		Payer:         msg.Payer,
		Asset:         asset,
		Amount:        amount,
		OriginChainID: msg.OriginChainID,
		Origin: event.Sentinel{
			Sender:      sender,
			SourceChain: j.SourceChainID,
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type revertJSON struct {
	RequestID     string `json:"request_id"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	ReasonCode    string `json:"reason_code"`
	Sender        string `json:"sender"`
	SourceChainID uint64 `json:"source_chain_id"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseOutboundReverted(data []byte) (*event.OutboundReverted, error) {
	var j revertJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OutboundReverted: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	amount, err := parseAmount(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	asset, err := parseAddress(j.Asset)
	if err != nil {
		return nil, fmt.Errorf("parse asset: %w", err)
	}
	sender, err := parseAddress(j.Sender)
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}

	return &event.OutboundReverted{
		RequestID:  requestID,
		Amount:     amount,
		Asset:      asset,
		ReasonCode: j.ReasonCode,
		Origin: event.Sentinel{
			Sender:      sender,
			SourceChain: j.SourceChainID,
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type settlementJSON struct {
	RequestID     string `json:"request_id"`
	Sender        string `json:"sender"`
	SourceChainID uint64 `json:"source_chain_id"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseOutboundSettled(data []byte) (*event.OutboundSettled, error) {
	var j settlementJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OutboundSettled: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	sender, err := parseAddress(j.Sender)
	if err != nil {
		return nil, fmt.Errorf("parse sender: %w", err)
	}

	return &event.OutboundSettled{
		RequestID: requestID,
		Origin: event.Sentinel{
			Sender:      sender,
			SourceChain: j.SourceChainID,
		},
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

// --- field parsers ---

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("not a hex address: %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("not a 32-byte hash: %q", s)
	}
	return common.BytesToHash(b), nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %q", s)
	}
	return v, nil
}
