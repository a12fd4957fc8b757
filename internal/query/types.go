package query

import "time"

// PendingResponse describes an in-flight outbound on a position.
type PendingResponse struct {
	RequestID   string `json:"request_id"`
	Amount      string `json:"amount"`
	DestAsset   string `json:"dest_asset"`
	DestChainID uint64 `json:"dest_chain_id"`
}

// PositionResponse represents a position for API queries. Amounts are
// decimal strings (uint256-safe).
type PositionResponse struct {
	Owner            string           `json:"owner"`
	CollateralAmount string           `json:"collateral_amount"`
	CollateralAsset  string           `json:"collateral_asset"`
	OriginChainID    uint64           `json:"origin_chain_id"`
	DebtAmount       string           `json:"debt_amount"`
	Pending          *PendingResponse `json:"pending,omitempty"`
	State            string           `json:"state"`
	Version          int64            `json:"version"`
	AsOfSequence     int64            `json:"as_of_sequence"`
}

// AuditEntryResponse represents one audit log record for API queries.
type AuditEntryResponse struct {
	EntryID    string    `json:"entry_id"`
	Sequence   int64     `json:"sequence"`
	Kind       string    `json:"kind"`
	Owner      string    `json:"owner"`
	Amount     *string   `json:"amount,omitempty"`
	Asset      *string   `json:"asset,omitempty"`
	ChainID    uint64    `json:"chain_id,omitempty"`
	RequestID  *string   `json:"request_id,omitempty"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
