package ledger

import "math/big"

// Policy is the pluggable collateralization bound: the maximum debt a
// position may carry given its current collateral. The ledger only ever
// compares against the bound; where the bound comes from (fixed ratio,
// oracle-fed, per-asset) is the policy's business.
type Policy interface {
	// MaxDebt returns the largest permitted debt for the given collateral.
	MaxDebt(collateral *big.Int) *big.Int

	// Liquidatable reports whether a position with the given debt and
	// collateral is eligible for liquidation.
	Liquidatable(debt, collateral *big.Int) bool
}

// BasisPointsPolicy bounds debt at a fixed fraction of collateral,
// expressed in basis points (7500 = 75% LTV).
type BasisPointsPolicy struct {
	LTVBps int64
}

// DefaultLTVBps matches the original deployment's conservative bound.
const DefaultLTVBps = 7500

func NewBasisPointsPolicy(ltvBps int64) *BasisPointsPolicy {
	if ltvBps <= 0 || ltvBps > 10_000 {
		ltvBps = DefaultLTVBps
	}
	return &BasisPointsPolicy{LTVBps: ltvBps}
}

func (p *BasisPointsPolicy) MaxDebt(collateral *big.Int) *big.Int {
	max := new(big.Int).Mul(collateral, big.NewInt(p.LTVBps))
	return max.Quo(max, big.NewInt(10_000))
}

func (p *BasisPointsPolicy) Liquidatable(debt, collateral *big.Int) bool {
	return debt.Cmp(p.MaxDebt(collateral)) > 0
}
