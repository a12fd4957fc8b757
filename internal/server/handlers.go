package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"omnilend/internal/event"
	"omnilend/internal/ledger"
	"omnilend/internal/query"
)

// EventSink accepts typed events for processing. Satisfied by the engine.
type EventSink interface {
	Submit(ctx context.Context, evt event.Event) error
}

// ActionHandler serves the user-action endpoints: borrow, repay, liquidate.
// Actions go through the same single-writer pipeline as gateway
// notifications; the HTTP response carries the synchronous outcome.
type ActionHandler struct {
	sink   EventSink
	logger zerolog.Logger
}

func NewActionHandler(sink EventSink, logger zerolog.Logger) *ActionHandler {
	return &ActionHandler{sink: sink, logger: logger}
}

// borrowRequest is the POST /api/borrow body. ActionID is optional: clients
// that retry supply their own so the retry deduplicates.
type borrowRequest struct {
	ActionID    string `json:"action_id,omitempty"`
	Borrower    string `json:"borrower"`
	Amount      string `json:"amount"`
	DestAsset   string `json:"dest_asset"`
	DestChainID uint64 `json:"dest_chain_id"`
	Receiver    string `json:"receiver"` // 0x-hex, 20 or 32 bytes
	GasBudget   uint64 `json:"gas_budget,omitempty"`
}

type actionResponse struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
}

const defaultGasBudget = 500_000

// Borrow handles POST /api/borrow.
func (h *ActionHandler) Borrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	actionID, err := actionID(req.ActionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action_id")
		return
	}
	borrower, err := parseAddressField(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid borrower address")
		return
	}
	amount, err := parseAmountField(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	destAsset, err := parseAddressField(req.DestAsset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dest_asset address")
		return
	}
	receiver := common.FromHex(req.Receiver)

	gasBudget := req.GasBudget
	if gasBudget == 0 {
		gasBudget = defaultGasBudget
	}

	evt := &event.BorrowRequested{
		ActionID:    actionID,
		Borrower:    borrower,
		Amount:      amount,
		DestAsset:   destAsset,
		DestChainID: req.DestChainID,
		Receiver:    receiver,
		GasBudget:   gasBudget,
		Timestamp:   time.Now().UTC(),
	}

	if err := h.sink.Submit(r.Context(), evt); err != nil {
		h.writeSubmitError(w, r, "borrow", err)
		return
	}

	writeJSON(w, http.StatusAccepted, actionResponse{ActionID: actionID.String(), Status: "accepted"})
}

// repayRequest is the POST /api/repay body.
type repayRequest struct {
	PaymentID string `json:"payment_id,omitempty"`
	Borrower  string `json:"borrower"`
	Amount    string `json:"amount"`
}

// Repay handles POST /api/repay.
func (h *ActionHandler) Repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	paymentID, err := actionID(req.PaymentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment_id")
		return
	}
	borrower, err := parseAddressField(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid borrower address")
		return
	}
	amount, err := parseAmountField(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	evt := &event.RepaymentReceived{
		PaymentID: paymentID,
		Borrower:  borrower,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}

	if err := h.sink.Submit(r.Context(), evt); err != nil {
		h.writeSubmitError(w, r, "repay", err)
		return
	}

	writeJSON(w, http.StatusAccepted, actionResponse{ActionID: paymentID.String(), Status: "accepted"})
}

// liquidateRequest is the POST /api/liquidate body.
type liquidateRequest struct {
	ActionID string `json:"action_id,omitempty"`
	Operator string `json:"operator"`
	Target   string `json:"target"`
}

// Liquidate handles POST /api/liquidate.
func (h *ActionHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := actionID(req.ActionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action_id")
		return
	}
	operator, err := parseAddressField(req.Operator)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operator address")
		return
	}
	target, err := parseAddressField(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target address")
		return
	}

	evt := &event.LiquidationRequested{
		ActionID:  id,
		Operator:  operator,
		Target:    target,
		Timestamp: time.Now().UTC(),
	}

	if err := h.sink.Submit(r.Context(), evt); err != nil {
		h.writeSubmitError(w, r, "liquidate", err)
		return
	}

	writeJSON(w, http.StatusAccepted, actionResponse{ActionID: id.String(), Status: "accepted"})
}

func (h *ActionHandler) writeSubmitError(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Str("action", action).Err(err).Msg("action failed")
		writeError(w, status, "internal error")
		return
	}
	h.logger.Warn().Str("action", action).Err(err).Msg("action rejected")
	writeError(w, status, err.Error())
}

// statusForError maps the ledger error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMalformedMessage),
		errors.Is(err, ledger.ErrInvalidReceiver):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorizedOperator):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrBorrowAlreadyInFlight):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrAssetMismatch),
		errors.Is(err, ledger.ErrPositionLiquidated):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTransportRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PositionHandler serves read-only position and audit endpoints.
type PositionHandler struct {
	queries *query.QueryService
	logger  zerolog.Logger
}

func NewPositionHandler(queries *query.QueryService, logger zerolog.Logger) *PositionHandler {
	return &PositionHandler{queries: queries, logger: logger}
}

// GetPosition handles GET /api/positions/{owner}.
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	ownerHex := r.PathValue("owner")
	if !common.IsHexAddress(ownerHex) {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	resp, err := h.queries.GetPosition(r.Context(), common.HexToAddress(ownerHex))
	if err != nil {
		if errors.Is(err, ledger.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.Error().Err(err).Msg("get position failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type listPositionsResponse struct {
	Positions []query.PositionResponse `json:"positions"`
}

// ListPositions handles GET /api/positions?limit=N.
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	positions, err := h.queries.ListPositions(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list positions failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

type auditTrailResponse struct {
	Entries []query.AuditEntryResponse `json:"entries"`
}

// GetAuditTrail handles GET /api/positions/{owner}/audit?limit=N&before=S.
func (h *PositionHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ownerHex := r.PathValue("owner")
	if !common.IsHexAddress(ownerHex) {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var before *int64
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	entries, err := h.queries.GetAuditTrail(r.Context(), common.HexToAddress(ownerHex), limit, before)
	if err != nil {
		h.logger.Error().Err(err).Msg("audit trail failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, auditTrailResponse{Entries: entries})
}

// VerifyIntegrity handles GET /api/integrity.
func (h *PositionHandler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.queries.VerifyIntegrity(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("integrity check failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func actionID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}

func parseAddressField(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("not a hex address")
	}
	return common.HexToAddress(s), nil
}

func parseAmountField(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("not a non-negative decimal integer")
	}
	return v, nil
}
