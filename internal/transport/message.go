package transport

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Inbound deposit notifications carry an ABI-encoded message
// (address payer, address asset, uint256 chainId) produced by the
// origin-chain connector. The ledger must decode it before trusting any
// field; undecodable payloads are rejected upstream as malformed.

var depositMessageArgs abi.Arguments

func init() {
	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi address type: %v", err))
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi uint256 type: %v", err))
	}
	depositMessageArgs = abi.Arguments{
		{Name: "payer", Type: addressTy},
		{Name: "asset", Type: addressTy},
		{Name: "chainId", Type: uint256Ty},
	}
}

// DepositMessage is the decoded inbound deposit payload.
type DepositMessage struct {
	Payer         common.Address
	Asset         common.Address
	OriginChainID uint64
}

// DecodeDepositMessage unpacks the ABI-encoded message field.
func DecodeDepositMessage(data []byte) (*DepositMessage, error) {
	values, err := depositMessageArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack deposit message: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("deposit message has %d fields, want 3", len(values))
	}

	payer, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("deposit message payer is %T, want address", values[0])
	}
	asset, ok := values[1].(common.Address)
	if !ok {
		return nil, fmt.Errorf("deposit message asset is %T, want address", values[1])
	}
	chainID, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("deposit message chainId is %T, want uint256", values[2])
	}
	if !chainID.IsUint64() {
		return nil, fmt.Errorf("deposit message chainId overflows uint64: %s", chainID)
	}

	return &DepositMessage{
		Payer:         payer,
		Asset:         asset,
		OriginChainID: chainID.Uint64(),
	}, nil
}

// EncodeDepositMessage packs a deposit message; used by connectors and tests.
func EncodeDepositMessage(msg *DepositMessage) ([]byte, error) {
	return depositMessageArgs.Pack(msg.Payer, msg.Asset, new(big.Int).SetUint64(msg.OriginChainID))
}
