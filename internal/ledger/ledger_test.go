package ledger_test

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"omnilend/internal/ledger"
)

func testOwner() common.Address {
	return common.HexToAddress("0xAAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAA")
}

func testAsset() common.Address {
	return common.HexToAddress("0x5772c0E91dAa3AA9739691Ccb1631a528957666D")
}

// ============================================================================
// Test: State machine
// ============================================================================

func TestPositionState_Transitions(t *testing.T) {
	cases := []struct {
		from    ledger.PositionState
		to      ledger.PositionState
		allowed bool
	}{
		{ledger.PositionStateEmpty, ledger.PositionStateCollateralized, true},
		{ledger.PositionStateEmpty, ledger.PositionStateBorrowing, false},
		{ledger.PositionStateEmpty, ledger.PositionStateLiquidated, false},
		{ledger.PositionStateCollateralized, ledger.PositionStateBorrowing, true},
		{ledger.PositionStateCollateralized, ledger.PositionStateLiquidated, true},
		{ledger.PositionStateCollateralized, ledger.PositionStateEmpty, false},
		{ledger.PositionStateBorrowing, ledger.PositionStateCollateralized, true},
		{ledger.PositionStateBorrowing, ledger.PositionStateLiquidated, true},
		{ledger.PositionStateBorrowing, ledger.PositionStateEmpty, false},
		{ledger.PositionStateLiquidated, ledger.PositionStateCollateralized, false},
		{ledger.PositionStateLiquidated, ledger.PositionStateEmpty, false},
		{ledger.PositionStateLiquidated, ledger.PositionStateBorrowing, false},
	}

	for _, tc := range cases {
		got := tc.from.CanTransitionTo(tc.to)
		if got != tc.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestPosition_TransitionTo_EnforcesTable(t *testing.T) {
	pos := ledger.NewPosition(testOwner())

	if err := pos.TransitionTo(ledger.PositionStateCollateralized); err != nil {
		t.Fatalf("Empty -> Collateralized must succeed: %v", err)
	}
	if pos.State != ledger.PositionStateCollateralized {
		t.Fatalf("expected Collateralized, got %s", pos.State)
	}

	pos.State = ledger.PositionStateLiquidated
	err := pos.TransitionTo(ledger.PositionStateBorrowing)
	if err == nil {
		t.Fatal("Liquidated -> Borrowing must be rejected")
	}
	if got, want := err.Error(), "invalid state transition: Liquidated -> Borrowing"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if pos.State != ledger.PositionStateLiquidated {
		t.Errorf("rejected transition must leave state untouched, got %s", pos.State)
	}
}

// ============================================================================
// Test: Policy math
// ============================================================================

func TestBasisPointsPolicy_MaxDebt(t *testing.T) {
	p := ledger.NewBasisPointsPolicy(7500)

	cases := []struct {
		collateral int64
		maxDebt    int64
	}{
		{0, 0},
		{1, 0}, // truncates toward zero
		{4, 3},
		{1_000_000, 750_000},
		{13, 9}, // 13 * 7500 / 10000 = 9.75
	}

	for _, tc := range cases {
		got := p.MaxDebt(big.NewInt(tc.collateral))
		if got.Int64() != tc.maxDebt {
			t.Errorf("MaxDebt(%d): expected %d, got %s", tc.collateral, tc.maxDebt, got)
		}
	}
}

func TestBasisPointsPolicy_MaxDebt_Uint256Scale(t *testing.T) {
	p := ledger.NewBasisPointsPolicy(7500)

	// 10^24 wei, beyond int64 range.
	collateral, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	want, _ := new(big.Int).SetString("750000000000000000000000", 10)

	got := p.MaxDebt(collateral)
	if got.Cmp(want) != 0 {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestBasisPointsPolicy_Liquidatable(t *testing.T) {
	p := ledger.NewBasisPointsPolicy(7500)

	if p.Liquidatable(big.NewInt(750_000), big.NewInt(1_000_000)) {
		t.Error("debt at the bound is not liquidatable")
	}
	if !p.Liquidatable(big.NewInt(750_001), big.NewInt(1_000_000)) {
		t.Error("debt over the bound is liquidatable")
	}
}

func TestNewBasisPointsPolicy_DefaultsOnBadInput(t *testing.T) {
	for _, bps := range []int64{0, -1, 10_001} {
		p := ledger.NewBasisPointsPolicy(bps)
		if p.LTVBps != ledger.DefaultLTVBps {
			t.Errorf("bps=%d: expected default %d, got %d", bps, ledger.DefaultLTVBps, p.LTVBps)
		}
	}
}

// ============================================================================
// Test: Position store
// ============================================================================

func TestPositionStore_ResolveByRequestID(t *testing.T) {
	store := ledger.NewPositionStore()
	owner := testOwner()
	requestID := uuid.New()

	pos := store.GetOrCreate(owner)
	pos.State = ledger.PositionStateCollateralized
	store.IndexRequest(requestID, owner)

	resolved, ok := store.Resolve(requestID)
	if !ok {
		t.Fatal("expected resolve to succeed")
	}
	if resolved.Owner != owner {
		t.Errorf("expected owner %s, got %s", owner.Hex(), resolved.Owner.Hex())
	}

	store.DropRequest(requestID)
	if _, ok := store.Resolve(requestID); ok {
		t.Error("expected resolve to miss after drop")
	}
}

func TestPositionStore_RestoreReindexesPending(t *testing.T) {
	store := ledger.NewPositionStore()
	owner := testOwner()
	requestID := uuid.New()

	pos := ledger.NewPosition(owner)
	pos.CollateralAmount = big.NewInt(1000)
	pos.CollateralAsset = testAsset()
	pos.DebtAmount = big.NewInt(500)
	pos.State = ledger.PositionStateBorrowing
	pos.PendingOutbound = &ledger.PendingOutbound{
		RequestID: requestID,
		Amount:    big.NewInt(500),
	}

	store.Restore(pos)

	resolved, ok := store.Resolve(requestID)
	if !ok {
		t.Fatal("restore must re-index the pending outbound")
	}
	if resolved.Owner != owner {
		t.Errorf("expected owner %s, got %s", owner.Hex(), resolved.Owner.Hex())
	}
}

func TestCheckInvariants(t *testing.T) {
	store := ledger.NewPositionStore()
	policy := ledger.NewBasisPointsPolicy(7500)
	owner := testOwner()

	healthy := ledger.NewPosition(owner)
	healthy.CollateralAmount = big.NewInt(1000)
	healthy.CollateralAsset = testAsset()
	healthy.DebtAmount = big.NewInt(500)
	healthy.State = ledger.PositionStateBorrowing
	if err := store.CheckInvariants(healthy, policy); err != nil {
		t.Errorf("healthy position flagged: %v", err)
	}

	overLeveraged := ledger.NewPosition(owner)
	overLeveraged.CollateralAmount = big.NewInt(1000)
	overLeveraged.DebtAmount = big.NewInt(900)
	overLeveraged.State = ledger.PositionStateBorrowing
	if err := store.CheckInvariants(overLeveraged, policy); err == nil {
		t.Error("over-leveraged position must fail invariants")
	}

	dirtyLiquidated := ledger.NewPosition(owner)
	dirtyLiquidated.CollateralAmount = big.NewInt(1)
	dirtyLiquidated.State = ledger.PositionStateLiquidated
	if err := store.CheckInvariants(dirtyLiquidated, policy); err == nil {
		t.Error("liquidated position with balances must fail invariants")
	}

	negativeDebt := ledger.NewPosition(owner)
	negativeDebt.CollateralAmount = big.NewInt(1000)
	negativeDebt.DebtAmount = big.NewInt(-1)
	negativeDebt.State = ledger.PositionStateBorrowing
	if err := store.CheckInvariants(negativeDebt, policy); err == nil {
		t.Error("negative debt must fail invariants")
	}
}

// ============================================================================
// Test: Clone & canonical bytes
// ============================================================================

func TestPosition_Clone_IsDeep(t *testing.T) {
	pos := ledger.NewPosition(testOwner())
	pos.CollateralAmount = big.NewInt(1000)
	pos.DebtAmount = big.NewInt(500)
	pos.PendingOutbound = &ledger.PendingOutbound{
		RequestID: uuid.New(),
		Amount:    big.NewInt(500),
	}

	clone := pos.Clone()
	pos.CollateralAmount.SetInt64(0)
	pos.PendingOutbound.Amount.SetInt64(0)

	if clone.CollateralAmount.Int64() != 1000 {
		t.Error("clone shares collateral amount with original")
	}
	if clone.PendingOutbound.Amount.Int64() != 500 {
		t.Error("clone shares pending amount with original")
	}
}

func TestPosition_CanonicalBytes_Deterministic(t *testing.T) {
	build := func() *ledger.Position {
		pos := ledger.NewPosition(testOwner())
		pos.CollateralAmount = big.NewInt(1_000_000)
		pos.CollateralAsset = testAsset()
		pos.OriginChainID = 84532
		pos.DebtAmount = big.NewInt(500_000)
		pos.State = ledger.PositionStateBorrowing
		return pos
	}

	a := build().CanonicalBytes()
	b := build().CanonicalBytes()
	if !bytes.Equal(a, b) {
		t.Error("identical positions must serialize identically")
	}

	mutated := build()
	mutated.DebtAmount = big.NewInt(500_001)
	if bytes.Equal(a, mutated.CanonicalBytes()) {
		t.Error("different debt must change the serialization")
	}
}

func TestAssetRegistry_Lookup(t *testing.T) {
	registry := ledger.NewAssetRegistry([]ledger.Asset{
		{Symbol: "WETH.BASE", Address: testAsset(), Decimals: 18, ChainID: 84532},
	})

	asset, ok := registry.Lookup(testAsset())
	if !ok {
		t.Fatal("expected registered asset to resolve")
	}
	if asset.Symbol != "WETH.BASE" || asset.ChainID != 84532 {
		t.Errorf("unexpected asset metadata: %+v", asset)
	}

	if registry.Known(common.HexToAddress("0x9999999999999999999999999999999999999999")) {
		t.Error("unregistered asset must not be known")
	}
}
