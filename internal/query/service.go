package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"omnilend/internal/ledger"
	"omnilend/internal/persistence"
)

// QueryService provides read-only access to the projection tables and the
// audit log. All position responses include as_of_sequence for freshness
// semantics; writes go through the engine, never through here.
type QueryService struct {
	db        *sql.DB
	positions *persistence.PositionRepo
}

func NewQueryService(db *sql.DB, positions *persistence.PositionRepo) *QueryService {
	return &QueryService{db: db, positions: positions}
}

// GetPosition returns the projected position for owner.
func (qs *QueryService) GetPosition(ctx context.Context, owner common.Address) (*PositionResponse, error) {
	pos, asOfSeq, err := qs.positions.Load(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return nil, ledger.ErrPositionNotFound
	}
	return positionResponse(pos, asOfSeq), nil
}

// ListPositions returns every projected position, most recently updated
// first.
func (qs *QueryService) ListPositions(ctx context.Context, limit int) ([]PositionResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT owner
		FROM projections.positions
		ORDER BY updated_sequence DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []common.Address
	for rows.Next() {
		var ownerHex string
		if err := rows.Scan(&ownerHex); err != nil {
			return nil, err
		}
		owners = append(owners, common.HexToAddress(ownerHex))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	responses := make([]PositionResponse, 0, len(owners))
	for _, owner := range owners {
		pos, asOfSeq, err := qs.positions.Load(ctx, owner)
		if err != nil {
			return nil, err
		}
		if pos == nil {
			continue
		}
		responses = append(responses, *positionResponse(pos, asOfSeq))
	}

	return responses, nil
}

// GetAuditTrail returns audit entries for owner, newest first, with
// cursor-based pagination on sequence.
func (qs *QueryService) GetAuditTrail(
	ctx context.Context,
	owner common.Address,
	limit int,
	beforeSequence *int64,
) ([]AuditEntryResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT entry_id, sequence, kind, owner, amount, asset, chain_id,
		       request_id, reason_code, timestamp
		FROM event_log.audit
		WHERE owner = $1
	`
	args := []interface{}{owner.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntryResponse
	for rows.Next() {
		var (
			e                        AuditEntryResponse
			amount, asset, requestID sql.NullString
			reasonCode               sql.NullString
			chainID                  sql.NullInt64
		)
		if err := rows.Scan(&e.EntryID, &e.Sequence, &e.Kind, &e.Owner,
			&amount, &asset, &chainID, &requestID, &reasonCode, &e.Timestamp); err != nil {
			return nil, err
		}
		if amount.Valid {
			e.Amount = &amount.String
		}
		if asset.Valid {
			e.Asset = &asset.String
		}
		if requestID.Valid {
			e.RequestID = &requestID.String
		}
		if reasonCode.Valid {
			e.ReasonCode = reasonCode.String
		}
		if chainID.Valid {
			e.ChainID = uint64(chainID.Int64)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks event log hash chain continuity.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func positionResponse(pos *ledger.Position, asOfSeq int64) *PositionResponse {
	resp := &PositionResponse{
		Owner:            pos.Owner.Hex(),
		CollateralAmount: pos.CollateralAmount.String(),
		CollateralAsset:  pos.CollateralAsset.Hex(),
		OriginChainID:    pos.OriginChainID,
		DebtAmount:       pos.DebtAmount.String(),
		State:            pos.State.String(),
		Version:          pos.Version,
		AsOfSequence:     asOfSeq,
	}
	if po := pos.PendingOutbound; po != nil {
		resp.Pending = &PendingResponse{
			RequestID:   po.RequestID.String(),
			Amount:      po.Amount.String(),
			DestAsset:   po.DestAsset.Hex(),
			DestChainID: po.DestChainID,
		}
	}
	return resp
}
