package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"omnilend/internal/event"
	"omnilend/internal/ledger"
	"omnilend/internal/observability"
	"omnilend/internal/transport"
)

// LedgerCore is the single-writer event processor. All position mutation
// flows through ProcessEvent on one goroutine; everything downstream sees
// immutable clones.
type LedgerCore struct {
	sequence    int64
	hasher      *StateHasher
	store       *ledger.PositionStore
	registry    *ledger.AssetRegistry
	policy      ledger.Policy
	gateway     transport.Gateway
	idempotency *IdempotencyChecker
	seqGuard    *SequenceGuard
	metrics     *observability.Metrics
	logger      zerolog.Logger

	trustedGateway common.Address
	operator       common.Address

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	commands chan coreCommand

	// replaying suppresses outbound dispatch while the engine rebuilds
	// state from the event log.
	replaying bool

	// restoredAt records, per owner, the sequence the restored projection
	// row was written at. A replayed event at or below it is already baked
	// into the row and must not be reapplied.
	restoredAt map[common.Address]int64
}

// CoreOutput is what the engine emits per applied event: the envelope for
// the event log, the audit entry, and a clone of the mutated position.
type CoreOutput struct {
	Envelope *event.Envelope
	Audit    *ledger.AuditEntry
	Position *ledger.Position
}

type coreCommand struct {
	ctx   context.Context
	evt   event.Event
	reply chan error
}

// CoreConfig carries the engine's collaborators and trust anchors.
type CoreConfig struct {
	StartSequence  int64
	TrustedGateway common.Address
	Operator       common.Address
	Registry       *ledger.AssetRegistry
	Policy         ledger.Policy
	Gateway        transport.Gateway
	DBChecker      DBIdempotencyChecker
	DedupCapacity  int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewLedgerCore(cfg CoreConfig) *LedgerCore {
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	return &LedgerCore{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		store:          ledger.NewPositionStore(),
		registry:       cfg.Registry,
		policy:         cfg.Policy,
		gateway:        cfg.Gateway,
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker),
		seqGuard:       NewSequenceGuard(),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		trustedGateway: cfg.TrustedGateway,
		operator:       cfg.Operator,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
		commands:       make(chan coreCommand),
	}
}

// Run drains the command channel until ctx is cancelled. All ProcessEvent
// calls happen on this goroutine.
func (c *LedgerCore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			cmd.reply <- c.ProcessEvent(cmd.ctx, cmd.evt)
		}
	}
}

// Submit hands an event to the engine goroutine and waits for the outcome.
func (c *LedgerCore) Submit(ctx context.Context, evt event.Event) error {
	cmd := coreCommand{ctx: ctx, evt: evt, reply: make(chan error, 1)}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessEvent is the main pipeline: trust boundary, dedup, replay guard,
// dispatch, invariant post-check, hash chain, emit.
func (c *LedgerCore) ProcessEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Trust boundary: gateway-origin notifications must carry the configured
	// sentinel identity before any payload field is believed.
	if origin, ok := originSentinel(evt); ok {
		if origin.Sender != c.trustedGateway {
			c.reject(eventType, "unauthorized_origin")
			return fmt.Errorf("%w: sender %s", ledger.ErrUnauthorizedOrigin, origin.Sender.Hex())
		}
	}

	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Replay guard: gateway observers may rewind their log, so a sequence at
	// or below the per-chain watermark is dropped as stale, not failed.
	if seq := evt.SourceSequence(); seq > 0 {
		origin, _ := originSentinel(evt)
		partition := chainPartition(origin.SourceChain)
		if c.seqGuard.Observe(partition, seq) && !isDuplicate {
			c.logger.Warn().
				Str("event_type", eventType).
				Str("partition", partition).
				Int64("source_sequence", seq).
				Msg("stale gateway sequence, dropping")
			if c.metrics != nil {
				c.metrics.StaleSequences.WithLabelValues(partition).Inc()
			}
			c.reject(eventType, "stale_sequence")
			return nil
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.DuplicatesCaught.WithLabelValues(eventType).Inc()
		}
		c.reject(eventType, "duplicate")
		return nil
	}

	pos, entry, err := c.dispatchEvent(ctx, evt)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		return err
	}

	if err := c.store.CheckInvariants(pos, c.policy); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", eventType, err))
	}

	digest := pos.CanonicalBytes()
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: event %s not serializable: %v", eventType, err))
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Owner:          pos.Owner,
		Timestamp:      eventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	entry.Sequence = c.sequence

	output := CoreOutput{
		Envelope: envelope,
		Audit:    entry,
		Position: pos.Clone(),
	}

	// Persistence: blocking send, the engine stalls until the writer drains.
	// Projections: non-blocking, the projection rebuilds from the event log
	// if it falls behind.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.Inc()
		}
	}

	c.sequence++
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.EventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.OpenPositions.Set(float64(c.store.Len()))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		c.metrics.DedupTier2Errors.Set(float64(c.idempotency.Tier2Errors()))
	}

	return nil
}

func (c *LedgerCore) dispatchEvent(ctx context.Context, evt event.Event) (*ledger.Position, *ledger.AuditEntry, error) {
	switch e := evt.(type) {
	case *event.DepositReceived:
		return c.handleDeposit(e)
	case *event.BorrowRequested:
		return c.handleBorrow(ctx, e)
	case *event.RepaymentReceived:
		return c.handleRepayment(e)
	case *event.LiquidationRequested:
		return c.handleLiquidation(e)
	case *event.OutboundReverted:
		return c.handleRevert(e)
	case *event.OutboundSettled:
		return c.handleSettled(e)
	default:
		return nil, nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// handleDeposit credits inbound collateral. A position holds exactly one
// collateral asset; mixed deposits are rejected.
func (c *LedgerCore) handleDeposit(evt *event.DepositReceived) (*ledger.Position, *ledger.AuditEntry, error) {
	if evt.Amount == nil || evt.Amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: non-positive deposit amount", ledger.ErrMalformedMessage)
	}
	if !c.registry.Known(evt.Asset) {
		return nil, nil, fmt.Errorf("%w: unregistered asset %s", ledger.ErrMalformedMessage, evt.Asset.Hex())
	}

	pos := c.store.GetOrCreate(evt.Payer)
	if pos.State == ledger.PositionStateLiquidated {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionLiquidated, evt.Payer.Hex())
	}
	if pos.State != ledger.PositionStateEmpty && pos.CollateralAsset != evt.Asset {
		return nil, nil, fmt.Errorf("%w: position holds %s, deposit is %s",
			ledger.ErrAssetMismatch, pos.CollateralAsset.Hex(), evt.Asset.Hex())
	}

	if pos.State == ledger.PositionStateEmpty {
		if err := pos.TransitionTo(ledger.PositionStateCollateralized); err != nil {
			return nil, nil, err
		}
		pos.CollateralAsset = evt.Asset
		pos.OriginChainID = evt.OriginChainID
	}

	pos.CollateralAmount.Add(pos.CollateralAmount, evt.Amount)
	pos.Version++

	entry := ledger.NewAuditEntry(ledger.AuditDeposited, pos.Owner, evt.Timestamp)
	entry.Amount = new(big.Int).Set(evt.Amount)
	entry.Asset = evt.Asset
	entry.ChainID = evt.OriginChainID

	if c.metrics != nil {
		c.metrics.DepositsCredited.WithLabelValues(fmt.Sprintf("%d", evt.OriginChainID)).Inc()
	}

	return pos, entry, nil
}

// handleBorrow books provisional debt, records the in-flight outbound, then
// dispatches the withdraw-and-call. A synchronous gateway rejection rolls
// the position back to its exact pre-borrow shape; asynchronous failures
// arrive later as OutboundReverted.
func (c *LedgerCore) handleBorrow(ctx context.Context, evt *event.BorrowRequested) (*ledger.Position, *ledger.AuditEntry, error) {
	if evt.Amount == nil || evt.Amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: non-positive borrow amount", ledger.ErrMalformedMessage)
	}
	if len(evt.Receiver) != common.AddressLength && len(evt.Receiver) != common.HashLength {
		return nil, nil, fmt.Errorf("%w: receiver must be 20 or 32 bytes, got %d",
			ledger.ErrInvalidReceiver, len(evt.Receiver))
	}
	if !c.registry.Known(evt.DestAsset) {
		return nil, nil, fmt.Errorf("%w: unregistered asset %s", ledger.ErrMalformedMessage, evt.DestAsset.Hex())
	}

	pos := c.store.Get(evt.Borrower)
	if pos == nil {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, evt.Borrower.Hex())
	}
	if pos.State == ledger.PositionStateLiquidated {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionLiquidated, evt.Borrower.Hex())
	}
	if pos.PendingOutbound != nil {
		return nil, nil, fmt.Errorf("%w: request %s", ledger.ErrBorrowAlreadyInFlight, pos.PendingOutbound.RequestID)
	}

	newDebt := new(big.Int).Add(pos.DebtAmount, evt.Amount)
	maxDebt := c.policy.MaxDebt(pos.CollateralAmount)
	if newDebt.Cmp(maxDebt) > 0 {
		return nil, nil, fmt.Errorf("%w: debt would be %s, bound is %s",
			ledger.ErrInsufficientCollateral, newDebt, maxDebt)
	}

	// Provisional mutation first so a revert has exact state to compensate.
	prevDebt := pos.DebtAmount
	prevState := pos.State

	if err := pos.TransitionTo(ledger.PositionStateBorrowing); err != nil {
		return nil, nil, err
	}
	pos.DebtAmount = newDebt
	pos.PendingOutbound = &ledger.PendingOutbound{
		RequestID:   evt.ActionID,
		Amount:      new(big.Int).Set(evt.Amount),
		DestAsset:   evt.DestAsset,
		DestChainID: evt.DestChainID,
	}
	c.store.IndexRequest(evt.ActionID, pos.Owner)

	instr := transport.OutboundInstruction{
		RequestID:   evt.ActionID,
		Amount:      evt.Amount,
		DestAsset:   evt.DestAsset,
		DestChainID: evt.DestChainID,
		Receiver:    evt.Receiver,
		GasBudget:   evt.GasBudget,
	}

	// Replay never re-dispatches: the original outbound already left, and
	// its settle/revert is either later in the log or still in flight.
	var dispatchErr error
	if !c.replaying {
		dispatchErr = c.gateway.WithdrawAndCall(ctx, instr)
	}
	if dispatchErr != nil {
		pos.DebtAmount = prevDebt
		pos.PendingOutbound = nil
		pos.State = prevState
		c.store.DropRequest(evt.ActionID)

		if c.metrics != nil {
			c.metrics.BorrowsRolledBack.Inc()
		}
		c.logger.Warn().
			Str("request_id", evt.ActionID.String()).
			Str("borrower", evt.Borrower.Hex()).
			Err(dispatchErr).
			Msg("outbound rejected, borrow rolled back")
		return nil, nil, fmt.Errorf("%w: %v", ledger.ErrTransportRejected, dispatchErr)
	}

	pos.Version++

	entry := ledger.NewAuditEntry(ledger.AuditBorrowInitiated, pos.Owner, evt.Timestamp)
	entry.Amount = new(big.Int).Set(evt.Amount)
	entry.Asset = evt.DestAsset
	entry.ChainID = evt.DestChainID
	entry.RequestID = evt.ActionID

	if c.metrics != nil {
		c.metrics.BorrowsInitiated.Inc()
		c.metrics.OutboundPublished.WithLabelValues(fmt.Sprintf("%d", evt.DestChainID)).Inc()
	}

	return pos, entry, nil
}

// handleRepayment reduces debt by the confirmed amount, clamped at zero.
// Clearing the last unit of debt moves the position back to Collateralized
// even while an outbound is still pending; the pending record alone keeps
// the revert correlation alive.
func (c *LedgerCore) handleRepayment(evt *event.RepaymentReceived) (*ledger.Position, *ledger.AuditEntry, error) {
	if evt.Amount == nil || evt.Amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: non-positive repayment amount", ledger.ErrMalformedMessage)
	}

	pos := c.store.Get(evt.Borrower)
	if pos == nil {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, evt.Borrower.Hex())
	}
	if pos.State == ledger.PositionStateLiquidated {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionLiquidated, evt.Borrower.Hex())
	}

	applied := new(big.Int).Set(evt.Amount)
	if applied.Cmp(pos.DebtAmount) > 0 {
		c.logger.Warn().
			Str("borrower", evt.Borrower.Hex()).
			Str("amount", evt.Amount.String()).
			Str("debt", pos.DebtAmount.String()).
			Msg("repayment exceeds outstanding debt, clamping")
		applied.Set(pos.DebtAmount)
	}

	pos.DebtAmount.Sub(pos.DebtAmount, applied)
	if pos.DebtAmount.Sign() == 0 && pos.State == ledger.PositionStateBorrowing {
		if err := pos.TransitionTo(ledger.PositionStateCollateralized); err != nil {
			return nil, nil, err
		}
	}
	pos.Version++

	entry := ledger.NewAuditEntry(ledger.AuditRepaid, pos.Owner, evt.Timestamp)
	entry.Amount = applied

	if c.metrics != nil {
		c.metrics.RepaymentsApplied.Inc()
	}

	return pos, entry, nil
}

// handleLiquidation seizes the full position. Eligibility is judged by the
// external operator against off-ledger prices; the ledger only enforces who
// may call it. A pending outbound is orphaned on purpose: its later revert
// or settlement resolves as stale.
func (c *LedgerCore) handleLiquidation(evt *event.LiquidationRequested) (*ledger.Position, *ledger.AuditEntry, error) {
	if evt.Operator != c.operator {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrUnauthorizedOperator, evt.Operator.Hex())
	}

	pos := c.store.Get(evt.Target)
	if pos == nil || pos.State == ledger.PositionStateEmpty {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionNotFound, evt.Target.Hex())
	}
	if pos.State == ledger.PositionStateLiquidated {
		return nil, nil, fmt.Errorf("%w: %s", ledger.ErrPositionLiquidated, evt.Target.Hex())
	}

	if !c.policy.Liquidatable(pos.DebtAmount, pos.CollateralAmount) {
		c.logger.Warn().
			Str("target", evt.Target.Hex()).
			Str("debt", pos.DebtAmount.String()).
			Str("collateral", pos.CollateralAmount.String()).
			Msg("liquidating a position the local policy considers healthy")
	}

	seized := new(big.Int).Set(pos.CollateralAmount)
	seizedAsset := pos.CollateralAsset

	if pos.PendingOutbound != nil {
		c.store.DropRequest(pos.PendingOutbound.RequestID)
	}

	if err := pos.TransitionTo(ledger.PositionStateLiquidated); err != nil {
		return nil, nil, err
	}
	pos.CollateralAmount = new(big.Int)
	pos.DebtAmount = new(big.Int)
	pos.PendingOutbound = nil
	pos.Version++

	entry := ledger.NewAuditEntry(ledger.AuditLiquidated, pos.Owner, evt.Timestamp)
	entry.Amount = seized
	entry.Asset = seizedAsset

	if c.metrics != nil {
		c.metrics.LiquidationsApplied.Inc()
	}

	return pos, entry, nil
}

// handleRevert compensates a failed outbound: the provisional debt booked
// by the matching borrow is backed out exactly. A token with no in-flight
// match (already resolved, or the position was liquidated) is stale and
// mutates nothing.
func (c *LedgerCore) handleRevert(evt *event.OutboundReverted) (*ledger.Position, *ledger.AuditEntry, error) {
	pos, ok := c.store.Resolve(evt.RequestID)
	if !ok || pos.PendingOutbound == nil || pos.PendingOutbound.RequestID != evt.RequestID {
		if c.metrics != nil {
			c.metrics.StaleReverts.Inc()
		}
		c.logger.Warn().
			Str("request_id", evt.RequestID.String()).
			Str("reason_code", evt.ReasonCode).
			Msg("revert with no matching in-flight outbound")
		return nil, nil, fmt.Errorf("%w: revert %s", ledger.ErrUnknownOrStaleRevert, evt.RequestID)
	}

	compensated := pos.PendingOutbound.Amount
	pos.DebtAmount.Sub(pos.DebtAmount, compensated)
	if pos.DebtAmount.Sign() < 0 {
		// Repayments in the interim can only shrink debt below the pending
		// amount, never below zero on compensation; clamp regardless.
		pos.DebtAmount.SetInt64(0)
	}
	pos.PendingOutbound = nil
	c.store.DropRequest(evt.RequestID)

	if pos.DebtAmount.Sign() == 0 && pos.State == ledger.PositionStateBorrowing {
		if err := pos.TransitionTo(ledger.PositionStateCollateralized); err != nil {
			return nil, nil, err
		}
	}
	pos.Version++

	entry := ledger.NewAuditEntry(ledger.AuditRevertEvent, pos.Owner, evt.Timestamp)
	entry.Amount = new(big.Int).Set(compensated)
	entry.RequestID = evt.RequestID
	entry.ReasonCode = evt.ReasonCode

	if c.metrics != nil {
		c.metrics.RevertsCompensated.Inc()
	}

	return pos, entry, nil
}

// handleSettled resolves a pending outbound on success. Debt stays booked;
// only the correlation record is cleared.
func (c *LedgerCore) handleSettled(evt *event.OutboundSettled) (*ledger.Position, *ledger.AuditEntry, error) {
	pos, ok := c.store.Resolve(evt.RequestID)
	if !ok || pos.PendingOutbound == nil || pos.PendingOutbound.RequestID != evt.RequestID {
		return nil, nil, fmt.Errorf("%w: settlement %s", ledger.ErrUnknownOrStaleRevert, evt.RequestID)
	}

	pos.PendingOutbound = nil
	c.store.DropRequest(evt.RequestID)
	pos.Version++

	entry := ledger.NewAuditEntry(ledger.AuditOutboundSettled, pos.Owner, evt.Timestamp)
	entry.RequestID = evt.RequestID

	if c.metrics != nil {
		c.metrics.OutboundSettled.Inc()
	}

	return pos, entry, nil
}

func (c *LedgerCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.EventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func originSentinel(evt event.Event) (event.Sentinel, bool) {
	switch e := evt.(type) {
	case *event.DepositReceived:
		return e.Origin, true
	case *event.OutboundReverted:
		return e.Origin, true
	case *event.OutboundSettled:
		return e.Origin, true
	default:
		return event.Sentinel{}, false
	}
}

// eventTimestamp extracts the versioned input timestamp. The engine never
// calls time.Now() for ledger state.
func eventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.DepositReceived:
		return e.Timestamp
	case *event.BorrowRequested:
		return e.Timestamp
	case *event.RepaymentReceived:
		return e.Timestamp
	case *event.LiquidationRequested:
		return e.Timestamp
	case *event.OutboundReverted:
		return e.Timestamp
	case *event.OutboundSettled:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: eventTimestamp called with unhandled event type %T", evt))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnauthorizedOrigin):
		return "unauthorized_origin"
	case errors.Is(err, ledger.ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ledger.ErrAssetMismatch):
		return "asset_mismatch"
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrBorrowAlreadyInFlight):
		return "borrow_in_flight"
	case errors.Is(err, ledger.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ledger.ErrPositionLiquidated):
		return "position_liquidated"
	case errors.Is(err, ledger.ErrInvalidReceiver):
		return "invalid_receiver"
	case errors.Is(err, ledger.ErrUnauthorizedOperator):
		return "unauthorized_operator"
	case errors.Is(err, ledger.ErrTransportRejected):
		return "transport_rejected"
	case errors.Is(err, ledger.ErrUnknownOrStaleRevert):
		return "stale_revert"
	default:
		return "internal"
	}
}

// --- Restore & replay ---

// ReplayRecord is a logged envelope rehydrated for warm restart. Sequence,
// hashes, and owner come from the stored row; Event is the decoded payload.
type ReplayRecord struct {
	Sequence       int64
	EventType      event.EventType
	IdempotencyKey string
	Owner          common.Address
	SourceSequence int64
	StateHash      [32]byte
	PrevHash       [32]byte
	Event          event.Event
}

// RestoreState seeds the engine from durable state during warm restart:
// last committed sequence, hash chain tip, projected positions with the
// sequence each row was written at, and recent dedup keys.
func (c *LedgerCore) RestoreState(
	lastSequence int64,
	tip [32]byte,
	positions []*ledger.Position,
	applied map[common.Address]int64,
	dedupKeys []string,
) {
	c.sequence = lastSequence + 1
	c.hasher.SetTip(tip)
	c.restoredAt = applied

	for _, pos := range positions {
		c.store.Restore(pos)
	}
	c.idempotency.Warm(dedupKeys)
}

// ReplayEvent reapplies one logged envelope during warm restart. The event
// log is authoritative here: the engine never consults the dedup tiers
// (every replayed row is by definition already in the log), sequence and
// hash chain come from the stored envelope, and a position whose restored
// projection row already includes the event is left untouched so its effect
// is never applied twice. Outbound dispatch never re-fires.
func (c *LedgerCore) ReplayEvent(ctx context.Context, rec ReplayRecord) error {
	if rec.Sequence != c.sequence {
		return fmt.Errorf("replay: log continues at sequence %d, engine expects %d", rec.Sequence, c.sequence)
	}
	if rec.PrevHash != c.hasher.Tip() {
		return fmt.Errorf("replay sequence %d: prev hash does not match chain tip", rec.Sequence)
	}

	if rec.Sequence > c.restoredSequence(rec.Owner) {
		c.replaying = true
		pos, _, err := c.dispatchEvent(ctx, rec.Event)
		c.replaying = false
		if err != nil {
			return fmt.Errorf("replay sequence %d: %w", rec.Sequence, err)
		}
		if err := c.store.CheckInvariants(pos, c.policy); err != nil {
			return fmt.Errorf("replay sequence %d: %v", rec.Sequence, err)
		}
		if got := c.hasher.ComputeHash(rec.Sequence, pos.CanonicalBytes()); got != rec.StateHash {
			return fmt.Errorf("replay sequence %d: recomputed state hash diverges from log", rec.Sequence)
		}
	} else {
		// Already baked into the restored row; only advance the chain.
		c.hasher.SetTip(rec.StateHash)
	}

	c.sequence = rec.Sequence + 1
	c.idempotency.MarkProcessed(rec.EventType.String(), rec.IdempotencyKey)

	if rec.SourceSequence > 0 {
		if origin, ok := originSentinel(rec.Event); ok {
			c.seqGuard.Restore(chainPartition(origin.SourceChain), rec.SourceSequence)
		}
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (c *LedgerCore) restoredSequence(owner common.Address) int64 {
	if seq, ok := c.restoredAt[owner]; ok {
		return seq
	}
	return -1
}

// Sequence returns the next sequence the engine will assign.
func (c *LedgerCore) Sequence() int64 {
	return c.sequence
}

// StateHash returns the current hash chain tip.
func (c *LedgerCore) StateHash() [32]byte {
	return c.hasher.Tip()
}
