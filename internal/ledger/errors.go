package ledger

import "errors"

// Error taxonomy for the hub ledger. Business-rule violations are surfaced
// synchronously to the caller; transport-origin errors indicate a
// misconfigured trust boundary and are never user-triggerable.
var (
	ErrUnauthorizedOrigin     = errors.New("caller is not the trusted gateway")
	ErrMalformedMessage       = errors.New("malformed notification payload")
	ErrAssetMismatch          = errors.New("deposit asset differs from position collateral")
	ErrInsufficientCollateral = errors.New("borrow exceeds collateralization bound")
	ErrBorrowAlreadyInFlight  = errors.New("a borrow is already in flight for this position")
	ErrPositionNotFound       = errors.New("position not found")
	ErrPositionLiquidated     = errors.New("position is liquidated")
	ErrInvalidReceiver        = errors.New("invalid destination receiver encoding")
	ErrUnauthorizedOperator   = errors.New("caller is not the liquidation operator")
	ErrTransportRejected      = errors.New("gateway rejected the outbound instruction")
	ErrUnknownOrStaleRevert   = errors.New("no in-flight outbound matches the correlation token")
)
