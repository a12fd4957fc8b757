package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"omnilend/internal/core"
	"omnilend/internal/event"
)

// EventLogWriter batch-writes envelopes and audit entries to Postgres with
// multi-row INSERTs. ON CONFLICT DO NOTHING keeps writes idempotent across
// worker retries.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Owner          string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// AuditRow is a row in event_log.audit. Amounts travel as decimal strings
// into NUMERIC(78,0) columns, wide enough for uint256.
type AuditRow struct {
	EntryID    uuid.UUID
	Sequence   int64
	Kind       string
	Owner      string
	Amount     sql.NullString
	Asset      sql.NullString
	ChainID    int64
	RequestID  uuid.NullUUID
	ReasonCode sql.NullString
	Timestamp  time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts an engine output into its durable rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, AuditRow) {
	env := out.Envelope
	eventRow := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Owner:          env.Owner.Hex(),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}

	entry := out.Audit
	auditRow := AuditRow{
		EntryID:   entry.EntryID,
		Sequence:  entry.Sequence,
		Kind:      entry.Kind.String(),
		Owner:     entry.Owner.Hex(),
		ChainID:   int64(entry.ChainID),
		Timestamp: entry.Timestamp,
	}
	if entry.Amount != nil {
		auditRow.Amount = sql.NullString{String: entry.Amount.String(), Valid: true}
	}
	if entry.Asset != (common.Address{}) {
		auditRow.Asset = sql.NullString{String: entry.Asset.Hex(), Valid: true}
	}
	if entry.RequestID != uuid.Nil {
		auditRow.RequestID = uuid.NullUUID{UUID: entry.RequestID, Valid: true}
	}
	if entry.ReasonCode != "" {
		auditRow.ReasonCode = sql.NullString{String: entry.ReasonCode, Valid: true}
	}
	return eventRow, auditRow
}

// WriteEventBatch writes envelopes inside the caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, owner, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Owner,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAuditBatch writes audit entries inside the caller's transaction.
func (w *EventLogWriter) WriteAuditBatch(ctx context.Context, tx *sql.Tx, entries []AuditRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.audit
		(entry_id, sequence, kind, owner, amount, asset, chain_id, request_id, reason_code, timestamp)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*10)

	for i, a := range entries {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			a.EntryID, a.Sequence, a.Kind, a.Owner, a.Amount,
			a.Asset, a.ChainID, a.RequestID, a.ReasonCode, a.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, or -1 on an empty log.
func (w *EventLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// StateHashAt returns the chain hash recorded at the given sequence.
func (w *EventLogWriter) StateHashAt(ctx context.Context, sequence int64) ([32]byte, error) {
	var raw []byte
	err := w.db.QueryRowContext(ctx,
		`SELECT state_hash FROM event_log.events WHERE sequence = $1`, sequence,
	).Scan(&raw)

	var hash [32]byte
	if err != nil {
		return hash, err
	}
	if len(raw) != 32 {
		return hash, fmt.Errorf("state hash at sequence %d is %d bytes", sequence, len(raw))
	}
	copy(hash[:], raw)
	return hash, nil
}

// EventsSince streams logged envelopes with sequence > from, in order,
// rehydrated into replay records: the stored sequence, hashes and owner
// plus the decoded payload.
func (w *EventLogWriter) EventsSince(ctx context.Context, from int64) ([]core.ReplayRecord, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, owner, payload,
		       state_hash, prev_hash, source_sequence
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence ASC`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []core.ReplayRecord
	for rows.Next() {
		var (
			rec                 core.ReplayRecord
			eventType, owner    string
			payload             []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(&rec.Sequence, &eventType, &rec.IdempotencyKey, &owner,
			&payload, &stateHash, &prevHash, &rec.SourceSequence); err != nil {
			return nil, err
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("sequence %d: malformed hash columns", rec.Sequence)
		}
		copy(rec.StateHash[:], stateHash)
		copy(rec.PrevHash[:], prevHash)
		rec.Owner = common.HexToAddress(owner)
		rec.EventType = eventTypeFromString(eventType)

		rec.Event, err = event.UnmarshalPayload(rec.EventType, payload)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", rec.Sequence, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DedupKeysThrough returns composite dedup keys for events at or below the
// given sequence, newest first, used to warm the engine's LRU after restart.
// Events above the bound are replayed instead and mark themselves processed.
func (w *EventLogWriter) DedupKeysThrough(ctx context.Context, through int64, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		WHERE sequence <= $1
		ORDER BY sequence DESC
		LIMIT $2`, through, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", eventType, key))
	}
	return keys, rows.Err()
}

func eventTypeFromString(s string) event.EventType {
	switch s {
	case "DepositReceived":
		return event.EventTypeDepositReceived
	case "BorrowRequested":
		return event.EventTypeBorrowRequested
	case "RepaymentReceived":
		return event.EventTypeRepaymentReceived
	case "LiquidationRequested":
		return event.EventTypeLiquidationRequested
	case "OutboundReverted":
		return event.EventTypeOutboundReverted
	case "OutboundSettled":
		return event.EventTypeOutboundSettled
	default:
		return event.EventTypeUnknown
	}
}
