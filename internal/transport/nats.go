package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectWithdrawals carries outbound withdraw-and-call instructions to the
// gateway connector.
const SubjectWithdrawals = "omnilend.gateway.withdrawals"

// withdrawalWire is the JSON wire format of an outbound instruction.
// Amounts are decimal strings (uint256-safe); addresses are 0x-hex.
type withdrawalWire struct {
	RequestID   string `json:"request_id"`
	Amount      string `json:"amount"`
	DestAsset   string `json:"dest_asset"`
	DestChainID uint64 `json:"dest_chain_id"`
	Receiver    string `json:"receiver"` // 0x-hex bytes
	GasBudget   uint64 `json:"gas_budget"`
}

// NATSGateway publishes outbound instructions to the gateway connector via
// JetStream. Publish is synchronous: a rejection here is the gateway
// refusing the request before accepting it for delivery, which the engine
// treats as the rollback trigger.
type NATSGateway struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

func NewNATSGateway(js jetstream.JetStream, logger zerolog.Logger) *NATSGateway {
	return &NATSGateway{js: js, logger: logger}
}

func (g *NATSGateway) WithdrawAndCall(ctx context.Context, instr OutboundInstruction) error {
	wire := withdrawalWire{
		RequestID:   instr.RequestID.String(),
		Amount:      instr.Amount.String(),
		DestAsset:   instr.DestAsset.Hex(),
		DestChainID: instr.DestChainID,
		Receiver:    fmt.Sprintf("0x%x", instr.Receiver),
		GasBudget:   instr.GasBudget,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal withdrawal: %w", err)
	}

	if _, err := g.js.Publish(ctx, SubjectWithdrawals, data); err != nil {
		return fmt.Errorf("publish withdrawal %s: %w", instr.RequestID, err)
	}

	g.logger.Info().
		Str("request_id", instr.RequestID.String()).
		Str("amount", instr.Amount.String()).
		Uint64("dest_chain_id", instr.DestChainID).
		Msg("outbound withdraw-and-call dispatched")

	return nil
}

// EnsureOutboundStream creates the withdrawals stream if it doesn't exist.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "OMNILEND_WITHDRAWALS",
		Subjects:  []string{SubjectWithdrawals},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream OMNILEND_WITHDRAWALS: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
