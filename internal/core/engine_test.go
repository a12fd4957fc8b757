package core_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"omnilend/internal/core"
	"omnilend/internal/event"
	"omnilend/internal/ledger"
	"omnilend/internal/transport"
)

// --- Test helpers ---

var (
	testGatewayAddr  = common.HexToAddress("0x6c533f7fE93fAE114d0954697069Df33C9B74fD7")
	testOperatorAddr = common.HexToAddress("0x00000000000000000000000000000000000Fee1")
	wethBase         = common.HexToAddress("0x5772c0E91dAa3AA9739691Ccb1631a528957666D")
	usdcArb          = common.HexToAddress("0x6569b4776f554d0Ee5C9F798e5D29BC7B8311E29")
)

const (
	baseSepoliaID = uint64(84532)
	arbSepoliaID  = uint64(421614)
)

// newTestCore creates a LedgerCore with buffered channels, an in-memory
// gateway, and no DB checker.
func newTestCore() (*core.LedgerCore, *transport.MemoryGateway, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	gw := transport.NewMemoryGateway()

	registry := ledger.NewAssetRegistry([]ledger.Asset{
		{Symbol: "WETH.BASE", Address: wethBase, Decimals: 18, ChainID: baseSepoliaID},
		{Symbol: "USDC.ARB", Address: usdcArb, Decimals: 6, ChainID: arbSepoliaID},
	})

	c := core.NewLedgerCore(core.CoreConfig{
		TrustedGateway: testGatewayAddr,
		Operator:       testOperatorAddr,
		Registry:       registry,
		Policy:         ledger.NewBasisPointsPolicy(7500),
		Gateway:        gw,
		DedupCapacity:  1024,
		Logger:         zerolog.Nop(),
		PersistChan:    persistChan,
		ProjectionChan: projChan,
	})
	return c, gw, persistChan, projChan
}

func trustedOrigin() event.Sentinel {
	return event.Sentinel{Sender: testGatewayAddr, SourceChain: baseSepoliaID}
}

func mustDeposit(payer common.Address, amount int64, seq int64) *event.DepositReceived {
	return &event.DepositReceived{
		DeliveryID:    common.BigToHash(big.NewInt(1_000_000 + seq)),
		Payer:         payer,
		Asset:         wethBase,
		Amount:        big.NewInt(amount),
		OriginChainID: baseSepoliaID,
		Origin:        trustedOrigin(),
		Sequence:      seq,
		Timestamp:     time.UnixMicro(1000000 + seq*1000),
	}
}

func mustBorrow(borrower common.Address, amount int64) *event.BorrowRequested {
	receiver := make([]byte, 32)
	copy(receiver[12:], borrower.Bytes())
	return &event.BorrowRequested{
		ActionID:    uuid.New(),
		Borrower:    borrower,
		Amount:      big.NewInt(amount),
		DestAsset:   usdcArb,
		DestChainID: arbSepoliaID,
		Receiver:    receiver,
		GasBudget:   500_000,
		Timestamp:   time.UnixMicro(2000000),
	}
}

func mustRepay(borrower common.Address, amount int64) *event.RepaymentReceived {
	return &event.RepaymentReceived{
		PaymentID: uuid.New(),
		Borrower:  borrower,
		Amount:    big.NewInt(amount),
		Timestamp: time.UnixMicro(3000000),
	}
}

func mustLiquidate(operator, target common.Address) *event.LiquidationRequested {
	return &event.LiquidationRequested{
		ActionID:  uuid.New(),
		Operator:  operator,
		Target:    target,
		Timestamp: time.UnixMicro(4000000),
	}
}

func mustRevert(requestID uuid.UUID, amount int64, seq int64) *event.OutboundReverted {
	return &event.OutboundReverted{
		RequestID:  requestID,
		Amount:     big.NewInt(amount),
		Asset:      usdcArb,
		ReasonCode: "out_of_gas",
		Origin:     event.Sentinel{Sender: testGatewayAddr, SourceChain: arbSepoliaID},
		Sequence:   seq,
		Timestamp:  time.UnixMicro(5000000),
	}
}

func mustSettled(requestID uuid.UUID, seq int64) *event.OutboundSettled {
	return &event.OutboundSettled{
		RequestID: requestID,
		Origin:    event.Sentinel{Sender: testGatewayAddr, SourceChain: arbSepoliaID},
		Sequence:  seq,
		Timestamp: time.UnixMicro(6000000),
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func lastPosition(t *testing.T, ch chan core.CoreOutput) *ledger.Position {
	t.Helper()
	outputs := drainOutputs(ch)
	if len(outputs) == 0 {
		t.Fatal("expected at least 1 output")
	}
	return outputs[len(outputs)-1].Position
}

func process(t *testing.T, c *core.LedgerCore, evt event.Event) {
	t.Helper()
	if err := c.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("ProcessEvent(%s) failed: %v", evt.EventType(), err)
	}
}

// ============================================================================
// Test: Deposit flow
// ============================================================================

func TestDeposit_CreditsCollateral(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	process(t, c, mustDeposit(payer, 1_000_000, 1))

	pos := lastPosition(t, persistCh)
	if pos.CollateralAmount.Int64() != 1_000_000 {
		t.Errorf("expected collateral 1_000_000, got %s", pos.CollateralAmount)
	}
	if pos.CollateralAsset != wethBase {
		t.Errorf("expected collateral asset %s, got %s", wethBase.Hex(), pos.CollateralAsset.Hex())
	}
	if pos.State != ledger.PositionStateCollateralized {
		t.Errorf("expected Collateralized, got %s", pos.State)
	}
}

func TestDeposit_Accumulates(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	for i := int64(1); i <= 5; i++ {
		process(t, c, mustDeposit(payer, 100_000, i))
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 5 {
		t.Fatalf("expected 5 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
	}
	final := outputs[4].Position
	if final.CollateralAmount.Int64() != 500_000 {
		t.Errorf("expected collateral 500_000, got %s", final.CollateralAmount)
	}
}

func TestDeposit_Redelivery_IsNoOp(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	evt := mustDeposit(payer, 1_000_000, 1)
	process(t, c, evt)
	drainOutputs(persistCh)

	// Same delivery again — at-least-once transport redelivered it.
	process(t, c, evt)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 0 {
		t.Fatalf("expected no output on redelivery, got %d", len(outputs))
	}

	// State unchanged: a fresh deposit still sees the original balance.
	process(t, c, mustDeposit(payer, 1, 2))
	pos := lastPosition(t, persistCh)
	if pos.CollateralAmount.Int64() != 1_000_001 {
		t.Errorf("expected collateral 1_000_001, got %s", pos.CollateralAmount)
	}
}

func TestDeposit_UntrustedOrigin_Rejected(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	evt := mustDeposit(payer, 1_000_000, 1)
	evt.Origin.Sender = common.HexToAddress("0xdEaDbeefdeadbeefdEadBEEFDEadbEEfdEadbeEF")

	err := c.ProcessEvent(context.Background(), evt)
	if !errors.Is(err, ledger.ErrUnauthorizedOrigin) {
		t.Fatalf("expected ErrUnauthorizedOrigin, got %v", err)
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("rejected event must not emit output")
	}
}

func TestDeposit_AssetMismatch_Rejected(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	process(t, c, mustDeposit(payer, 1_000_000, 1))
	drainOutputs(persistCh)

	evt := mustDeposit(payer, 500_000, 2)
	evt.Asset = usdcArb
	evt.OriginChainID = arbSepoliaID

	err := c.ProcessEvent(context.Background(), evt)
	if !errors.Is(err, ledger.ErrAssetMismatch) {
		t.Fatalf("expected ErrAssetMismatch, got %v", err)
	}
}

func TestDeposit_UnregisteredAsset_Rejected(t *testing.T) {
	c, _, _, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	evt := mustDeposit(payer, 1_000_000, 1)
	evt.Asset = common.HexToAddress("0x9999999999999999999999999999999999999999")

	err := c.ProcessEvent(context.Background(), evt)
	if !errors.Is(err, ledger.ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDeposit_StaleSequence_Dropped(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")

	process(t, c, mustDeposit(payer, 1_000_000, 5))
	drainOutputs(persistCh)

	// New delivery id but a sequence the observer already passed.
	stale := mustDeposit(payer, 999, 3)
	if err := c.ProcessEvent(context.Background(), stale); err != nil {
		t.Fatalf("stale delivery should be a no-op, got %v", err)
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("stale delivery must not emit output")
	}
}

// ============================================================================
// Test: Borrow flow
// ============================================================================

func TestBorrow_BooksProvisionalDebtAndDispatches(t *testing.T) {
	c, gw, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x2222222222222222222222222222222222222222")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	drainOutputs(persistCh)

	borrow := mustBorrow(borrower, 500_000)
	process(t, c, borrow)

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Int64() != 500_000 {
		t.Errorf("expected debt 500_000, got %s", pos.DebtAmount)
	}
	if pos.State != ledger.PositionStateBorrowing {
		t.Errorf("expected Borrowing, got %s", pos.State)
	}
	if pos.PendingOutbound == nil || pos.PendingOutbound.RequestID != borrow.ActionID {
		t.Fatal("expected pending outbound recorded with the borrow's request id")
	}

	instrs := gw.Instructions()
	if len(instrs) != 1 {
		t.Fatalf("expected 1 outbound instruction, got %d", len(instrs))
	}
	if instrs[0].RequestID != borrow.ActionID {
		t.Errorf("instruction request id mismatch: %s vs %s", instrs[0].RequestID, borrow.ActionID)
	}
	if instrs[0].DestChainID != arbSepoliaID {
		t.Errorf("expected dest chain %d, got %d", arbSepoliaID, instrs[0].DestChainID)
	}
}

func TestBorrow_OverCollateralBound_Rejected(t *testing.T) {
	c, gw, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x2222222222222222222222222222222222222222")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	drainOutputs(persistCh)

	// 75% LTV bound: 750_001 exceeds it.
	err := c.ProcessEvent(context.Background(), mustBorrow(borrower, 750_001))
	if !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if len(gw.Instructions()) != 0 {
		t.Error("rejected borrow must not dispatch outbound")
	}

	// Exactly at the bound is allowed.
	process(t, c, mustBorrow(borrower, 750_000))
}

func TestBorrow_WhileOutboundPending_Rejected(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x2222222222222222222222222222222222222222")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	process(t, c, mustBorrow(borrower, 100_000))
	drainOutputs(persistCh)

	err := c.ProcessEvent(context.Background(), mustBorrow(borrower, 100_000))
	if !errors.Is(err, ledger.ErrBorrowAlreadyInFlight) {
		t.Fatalf("expected ErrBorrowAlreadyInFlight, got %v", err)
	}
}

func TestBorrow_NoPosition_Rejected(t *testing.T) {
	c, _, _, _ := newTestCore()

	err := c.ProcessEvent(context.Background(),
		mustBorrow(common.HexToAddress("0x3333333333333333333333333333333333333333"), 1))
	if !errors.Is(err, ledger.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestBorrow_BadReceiver_Rejected(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x2222222222222222222222222222222222222222")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	drainOutputs(persistCh)

	borrow := mustBorrow(borrower, 100_000)
	borrow.Receiver = []byte{0x01, 0x02}

	err := c.ProcessEvent(context.Background(), borrow)
	if !errors.Is(err, ledger.ErrInvalidReceiver) {
		t.Fatalf("expected ErrInvalidReceiver, got %v", err)
	}
}

func TestBorrow_TransportRejected_RollsBack(t *testing.T) {
	c, gw, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x2222222222222222222222222222222222222222")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	drainOutputs(persistCh)

	gw.RejectNext(fmt.Errorf("stream unavailable"))

	err := c.ProcessEvent(context.Background(), mustBorrow(borrower, 500_000))
	if !errors.Is(err, ledger.ErrTransportRejected) {
		t.Fatalf("expected ErrTransportRejected, got %v", err)
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("rolled-back borrow must not emit output")
	}

	// Position is back to its pre-borrow shape: a fresh borrow succeeds.
	process(t, c, mustBorrow(borrower, 500_000))
	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Int64() != 500_000 {
		t.Errorf("expected debt 500_000 after retry, got %s", pos.DebtAmount)
	}
}

// ============================================================================
// Test: Revert / settlement correlation
// ============================================================================

func TestRevert_CompensatesProvisionalDebt(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x4444444444444444444444444444444444444444")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	borrow := mustBorrow(borrower, 500_000)
	process(t, c, borrow)
	drainOutputs(persistCh)

	process(t, c, mustRevert(borrow.ActionID, 500_000, 1))

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Sign() != 0 {
		t.Errorf("expected debt restored to 0, got %s", pos.DebtAmount)
	}
	if pos.PendingOutbound != nil {
		t.Error("expected pending outbound cleared")
	}
	if pos.State != ledger.PositionStateCollateralized {
		t.Errorf("expected Collateralized, got %s", pos.State)
	}
	if pos.CollateralAmount.Int64() != 1_000_000 {
		t.Errorf("collateral must be untouched by revert, got %s", pos.CollateralAmount)
	}
}

func TestRevert_RestoresExactPreBorrowDebt(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x4444444444444444444444444444444444444444")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	first := mustBorrow(borrower, 300_000)
	process(t, c, first)
	process(t, c, mustSettled(first.ActionID, 1))

	second := mustBorrow(borrower, 400_000)
	process(t, c, second)
	drainOutputs(persistCh)

	process(t, c, mustRevert(second.ActionID, 400_000, 2))

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Int64() != 300_000 {
		t.Errorf("expected debt back to 300_000, got %s", pos.DebtAmount)
	}
	if pos.State != ledger.PositionStateBorrowing {
		t.Errorf("expected Borrowing (debt remains), got %s", pos.State)
	}
}

func TestRevert_Redelivery_IsNoOp(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x4444444444444444444444444444444444444444")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	borrow := mustBorrow(borrower, 500_000)
	process(t, c, borrow)
	drainOutputs(persistCh)

	revert := mustRevert(borrow.ActionID, 500_000, 1)
	process(t, c, revert)
	drainOutputs(persistCh)

	// Redelivered revert: caught by idempotency before correlation.
	process(t, c, revert)
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("redelivered revert must not emit output")
	}
}

func TestRevert_UnknownRequest_Stale(t *testing.T) {
	c, _, _, _ := newTestCore()

	err := c.ProcessEvent(context.Background(), mustRevert(uuid.New(), 500_000, 1))
	if !errors.Is(err, ledger.ErrUnknownOrStaleRevert) {
		t.Fatalf("expected ErrUnknownOrStaleRevert, got %v", err)
	}
}

func TestSettled_ClearsPendingKeepsDebt(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x4444444444444444444444444444444444444444")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	borrow := mustBorrow(borrower, 500_000)
	process(t, c, borrow)
	drainOutputs(persistCh)

	process(t, c, mustSettled(borrow.ActionID, 1))

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Int64() != 500_000 {
		t.Errorf("settlement must keep debt booked, got %s", pos.DebtAmount)
	}
	if pos.PendingOutbound != nil {
		t.Error("expected pending outbound cleared")
	}
	if pos.State != ledger.PositionStateBorrowing {
		t.Errorf("expected Borrowing, got %s", pos.State)
	}
}

// ============================================================================
// Test: Repayment flow
// ============================================================================

func TestRepayment_ReducesDebt(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x5555555555555555555555555555555555555555")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	borrow := mustBorrow(borrower, 500_000)
	process(t, c, borrow)
	process(t, c, mustSettled(borrow.ActionID, 1))
	drainOutputs(persistCh)

	process(t, c, mustRepay(borrower, 200_000))

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Int64() != 300_000 {
		t.Errorf("expected debt 300_000, got %s", pos.DebtAmount)
	}
	if pos.State != ledger.PositionStateBorrowing {
		t.Errorf("expected Borrowing, got %s", pos.State)
	}
}

func TestRepayment_FullWhileOutboundPending(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x5555555555555555555555555555555555555555")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	borrow := mustBorrow(borrower, 500_000)
	process(t, c, borrow)
	drainOutputs(persistCh)

	// Full repayment before the outbound resolves: debt clears, state
	// returns to Collateralized, but the correlation record stays alive.
	process(t, c, mustRepay(borrower, 500_000))

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Sign() != 0 {
		t.Errorf("expected debt 0, got %s", pos.DebtAmount)
	}
	if pos.State != ledger.PositionStateCollateralized {
		t.Errorf("expected Collateralized, got %s", pos.State)
	}
	if pos.PendingOutbound == nil {
		t.Fatal("pending outbound must survive full repayment")
	}

	// The surviving pending record still blocks a second borrow.
	err := c.ProcessEvent(context.Background(), mustBorrow(borrower, 100_000))
	if !errors.Is(err, ledger.ErrBorrowAlreadyInFlight) {
		t.Fatalf("expected ErrBorrowAlreadyInFlight, got %v", err)
	}

	// Settlement resolves it and unblocks borrowing.
	process(t, c, mustSettled(borrow.ActionID, 1))
	process(t, c, mustBorrow(borrower, 100_000))
}

func TestRepayment_Overpay_Clamps(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	borrower := common.HexToAddress("0x5555555555555555555555555555555555555555")

	process(t, c, mustDeposit(borrower, 1_000_000, 1))
	borrow := mustBorrow(borrower, 100_000)
	process(t, c, borrow)
	process(t, c, mustSettled(borrow.ActionID, 1))
	drainOutputs(persistCh)

	process(t, c, mustRepay(borrower, 999_999))

	pos := lastPosition(t, persistCh)
	if pos.DebtAmount.Sign() != 0 {
		t.Errorf("expected debt clamped to 0, got %s", pos.DebtAmount)
	}
}

// ============================================================================
// Test: Liquidation flow
// ============================================================================

func TestLiquidation_SeizesEverything(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	target := common.HexToAddress("0x6666666666666666666666666666666666666666")

	process(t, c, mustDeposit(target, 1_000_000, 1))
	borrow := mustBorrow(target, 700_000)
	process(t, c, borrow)
	process(t, c, mustSettled(borrow.ActionID, 1))
	drainOutputs(persistCh)

	process(t, c, mustLiquidate(testOperatorAddr, target))

	outputs := drainOutputs(persistCh)
	pos := outputs[len(outputs)-1].Position
	if pos.State != ledger.PositionStateLiquidated {
		t.Fatalf("expected Liquidated, got %s", pos.State)
	}
	if pos.CollateralAmount.Sign() != 0 || pos.DebtAmount.Sign() != 0 {
		t.Error("liquidation must zero collateral and debt")
	}

	entry := outputs[len(outputs)-1].Audit
	if entry.Kind != ledger.AuditLiquidated {
		t.Errorf("expected AuditLiquidated, got %s", entry.Kind)
	}
	if entry.Amount.Int64() != 1_000_000 {
		t.Errorf("expected seized amount 1_000_000, got %s", entry.Amount)
	}
}

func TestLiquidation_NonOperator_Rejected(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	target := common.HexToAddress("0x6666666666666666666666666666666666666666")

	process(t, c, mustDeposit(target, 1_000_000, 1))
	drainOutputs(persistCh)

	err := c.ProcessEvent(context.Background(), mustLiquidate(target, target))
	if !errors.Is(err, ledger.ErrUnauthorizedOperator) {
		t.Fatalf("expected ErrUnauthorizedOperator, got %v", err)
	}
}

func TestLiquidation_TerminalState(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	target := common.HexToAddress("0x6666666666666666666666666666666666666666")

	process(t, c, mustDeposit(target, 1_000_000, 1))
	process(t, c, mustLiquidate(testOperatorAddr, target))
	drainOutputs(persistCh)

	if err := c.ProcessEvent(context.Background(), mustDeposit(target, 100, 2)); !errors.Is(err, ledger.ErrPositionLiquidated) {
		t.Errorf("deposit after liquidation: expected ErrPositionLiquidated, got %v", err)
	}
	if err := c.ProcessEvent(context.Background(), mustBorrow(target, 100)); !errors.Is(err, ledger.ErrPositionLiquidated) {
		t.Errorf("borrow after liquidation: expected ErrPositionLiquidated, got %v", err)
	}
}

func TestRevert_AfterLiquidation_Stale(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	target := common.HexToAddress("0x7777777777777777777777777777777777777777")

	process(t, c, mustDeposit(target, 1_000_000, 1))
	borrow := mustBorrow(target, 500_000)
	process(t, c, borrow)
	process(t, c, mustLiquidate(testOperatorAddr, target))
	drainOutputs(persistCh)

	// The liquidation orphaned the in-flight outbound; its revert is stale.
	err := c.ProcessEvent(context.Background(), mustRevert(borrow.ActionID, 500_000, 1))
	if !errors.Is(err, ledger.ErrUnknownOrStaleRevert) {
		t.Fatalf("expected ErrUnknownOrStaleRevert, got %v", err)
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("stale revert must not emit output")
	}
}

// ============================================================================
// Test: Hash chain & engine loop
// ============================================================================

func TestHashChain_Links(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	payer := common.HexToAddress("0x8888888888888888888888888888888888888888")

	for i := int64(1); i <= 3; i++ {
		process(t, c, mustDeposit(payer, 100, i))
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d: prev hash does not link to envelope %d", i, i-1)
		}
	}
	if outputs[0].Envelope.StateHash == outputs[1].Envelope.StateHash {
		t.Error("consecutive state hashes must differ")
	}
}

func TestSubmit_RunLoop(t *testing.T) {
	c, _, persistCh, _ := newTestCore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	payer := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if err := c.Submit(ctx, mustDeposit(payer, 1_000_000, 1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	err := c.Submit(ctx, mustBorrow(payer, 900_000))
	if !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral through Submit, got %v", err)
	}

	pos := lastPosition(t, persistCh)
	if pos.CollateralAmount.Int64() != 1_000_000 {
		t.Errorf("expected collateral 1_000_000, got %s", pos.CollateralAmount)
	}
}
