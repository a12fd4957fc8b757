package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"omnilend/internal/ledger"
)

// PositionRepo maintains the projections.positions read model: one row per
// position, overwritten in place. The event log stays the source of truth;
// this table exists for queries and fast warm restarts.
type PositionRepo struct {
	db *sql.DB
}

func NewPositionRepo(db *sql.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

// Upsert writes the position snapshot at the given ledger sequence. Stale
// writers lose: a row is only replaced by a higher sequence.
func (r *PositionRepo) Upsert(ctx context.Context, pos *ledger.Position, sequence int64) error {
	var (
		pendingRequestID uuid.NullUUID
		pendingAmount    sql.NullString
		pendingAsset     sql.NullString
		pendingChainID   sql.NullInt64
	)
	if po := pos.PendingOutbound; po != nil {
		pendingRequestID = uuid.NullUUID{UUID: po.RequestID, Valid: true}
		pendingAmount = sql.NullString{String: po.Amount.String(), Valid: true}
		pendingAsset = sql.NullString{String: po.DestAsset.Hex(), Valid: true}
		pendingChainID = sql.NullInt64{Int64: int64(po.DestChainID), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projections.positions
			(owner, collateral_amount, collateral_asset, origin_chain_id,
			 debt_amount, pending_request_id, pending_amount, pending_dest_asset,
			 pending_dest_chain_id, state, version, updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (owner) DO UPDATE SET
			collateral_amount     = EXCLUDED.collateral_amount,
			collateral_asset      = EXCLUDED.collateral_asset,
			origin_chain_id       = EXCLUDED.origin_chain_id,
			debt_amount           = EXCLUDED.debt_amount,
			pending_request_id    = EXCLUDED.pending_request_id,
			pending_amount        = EXCLUDED.pending_amount,
			pending_dest_asset    = EXCLUDED.pending_dest_asset,
			pending_dest_chain_id = EXCLUDED.pending_dest_chain_id,
			state                 = EXCLUDED.state,
			version               = EXCLUDED.version,
			updated_sequence      = EXCLUDED.updated_sequence
		WHERE projections.positions.updated_sequence < EXCLUDED.updated_sequence`,
		pos.Owner.Hex(), pos.CollateralAmount.String(), pos.CollateralAsset.Hex(),
		int64(pos.OriginChainID), pos.DebtAmount.String(), pendingRequestID,
		pendingAmount, pendingAsset, pendingChainID,
		int32(pos.State), pos.Version, sequence,
	)
	return err
}

// LoadAll rebuilds every position together with the sequence each row was
// written at, and returns the projection watermark (the lowest
// updated_sequence across rows, so replay from it covers any row the
// projection had not caught up on; -1 when the table is empty). The
// per-owner sequences let replay skip events a fresher row already
// absorbed.
func (r *PositionRepo) LoadAll(ctx context.Context) ([]*ledger.Position, map[common.Address]int64, int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner, collateral_amount, collateral_asset, origin_chain_id,
		       debt_amount, pending_request_id, pending_amount, pending_dest_asset,
		       pending_dest_chain_id, state, version, updated_sequence
		FROM projections.positions`)
	if err != nil {
		return nil, nil, 0, err
	}
	defer rows.Close()

	var positions []*ledger.Position
	applied := make(map[common.Address]int64)
	watermark := int64(-1)

	for rows.Next() {
		var (
			owner, collateralAmount, collateralAsset, debtAmount string
			originChainID, version, updatedSequence              int64
			state                                                int32
			pendingRequestID                                     uuid.NullUUID
			pendingAmount, pendingAsset                          sql.NullString
			pendingChainID                                       sql.NullInt64
		)
		if err := rows.Scan(&owner, &collateralAmount, &collateralAsset, &originChainID,
			&debtAmount, &pendingRequestID, &pendingAmount, &pendingAsset,
			&pendingChainID, &state, &version, &updatedSequence); err != nil {
			return nil, nil, 0, err
		}

		pos := &ledger.Position{
			Owner:           common.HexToAddress(owner),
			CollateralAsset: common.HexToAddress(collateralAsset),
			OriginChainID:   uint64(originChainID),
			State:           ledger.PositionState(state),
			Version:         version,
		}
		pos.CollateralAmount, err = parseNumeric(collateralAmount)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("position %s collateral: %w", owner, err)
		}
		pos.DebtAmount, err = parseNumeric(debtAmount)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("position %s debt: %w", owner, err)
		}

		if pendingRequestID.Valid {
			amount, err := parseNumeric(pendingAmount.String)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("position %s pending amount: %w", owner, err)
			}
			pos.PendingOutbound = &ledger.PendingOutbound{
				RequestID:   pendingRequestID.UUID,
				Amount:      amount,
				DestAsset:   common.HexToAddress(pendingAsset.String),
				DestChainID: uint64(pendingChainID.Int64),
			}
		}

		positions = append(positions, pos)
		applied[pos.Owner] = updatedSequence
		if watermark == -1 || updatedSequence < watermark {
			watermark = updatedSequence
		}
	}

	return positions, applied, watermark, rows.Err()
}

// Load returns a single position by owner, or nil when absent.
func (r *PositionRepo) Load(ctx context.Context, owner common.Address) (*ledger.Position, int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT owner, collateral_amount, collateral_asset, origin_chain_id,
		       debt_amount, pending_request_id, pending_amount, pending_dest_asset,
		       pending_dest_chain_id, state, version, updated_sequence
		FROM projections.positions
		WHERE owner = $1`, owner.Hex())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, 0, rows.Err()
	}

	var (
		ownerHex, collateralAmount, collateralAsset, debtAmount string
		originChainID, version, updatedSequence                 int64
		state                                                   int32
		pendingRequestID                                        uuid.NullUUID
		pendingAmount, pendingAsset                             sql.NullString
		pendingChainID                                          sql.NullInt64
	)
	if err := rows.Scan(&ownerHex, &collateralAmount, &collateralAsset, &originChainID,
		&debtAmount, &pendingRequestID, &pendingAmount, &pendingAsset,
		&pendingChainID, &state, &version, &updatedSequence); err != nil {
		return nil, 0, err
	}

	pos := &ledger.Position{
		Owner:           common.HexToAddress(ownerHex),
		CollateralAsset: common.HexToAddress(collateralAsset),
		OriginChainID:   uint64(originChainID),
		State:           ledger.PositionState(state),
		Version:         version,
	}
	pos.CollateralAmount, err = parseNumeric(collateralAmount)
	if err != nil {
		return nil, 0, err
	}
	pos.DebtAmount, err = parseNumeric(debtAmount)
	if err != nil {
		return nil, 0, err
	}
	if pendingRequestID.Valid {
		amount, err := parseNumeric(pendingAmount.String)
		if err != nil {
			return nil, 0, err
		}
		pos.PendingOutbound = &ledger.PendingOutbound{
			RequestID:   pendingRequestID.UUID,
			Amount:      amount,
			DestAsset:   common.HexToAddress(pendingAsset.String),
			DestChainID: uint64(pendingChainID.Int64),
		}
	}

	return pos, updatedSequence, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal integer: %q", s)
	}
	return v, nil
}
