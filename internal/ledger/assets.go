package ledger

import (
	"github.com/ethereum/go-ethereum/common"
)

// Asset describes a known ZRC-20 representation of a connected-chain token.
type Asset struct {
	Symbol   string
	Address  common.Address
	Decimals int
	ChainID  uint64
}

// AssetRegistry resolves ZRC-20 addresses to their asset metadata. Deposits
// and borrows referencing an unregistered asset are rejected as malformed.
type AssetRegistry struct {
	byAddress map[common.Address]Asset
}

func NewAssetRegistry(assets []Asset) *AssetRegistry {
	r := &AssetRegistry{byAddress: make(map[common.Address]Asset, len(assets))}
	for _, a := range assets {
		r.byAddress[a.Address] = a
	}
	return r
}

// Lookup returns the asset registered at addr.
func (r *AssetRegistry) Lookup(addr common.Address) (Asset, bool) {
	a, ok := r.byAddress[addr]
	return a, ok
}

// Known reports whether addr is a registered asset.
func (r *AssetRegistry) Known(addr common.Address) bool {
	_, ok := r.byAddress[addr]
	return ok
}
