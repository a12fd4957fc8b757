package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"omnilend/internal/core"
	"omnilend/internal/observability"
)

// RecoverLedger rebuilds the engine's in-memory state on startup. Positions
// come from the projection table, the hash chain tip from the event log at
// the projection watermark, and every logged envelope above the watermark
// replays through the engine. The per-row update sequences from LoadAll
// keep replay from double-applying events a fresher projection row already
// absorbed.
func RecoverLedger(
	ctx context.Context,
	engine *core.LedgerCore,
	positions *PositionRepo,
	writer *EventLogWriter,
	dedupCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	restored, applied, watermark, err := positions.LoadAll(ctx)
	if err != nil {
		return err
	}

	if watermark >= 0 {
		tip, err := writer.StateHashAt(ctx, watermark)
		if err != nil {
			return fmt.Errorf("state hash at watermark %d: %w", watermark, err)
		}
		keys, err := writer.DedupKeysThrough(ctx, watermark, dedupCapacity)
		if err != nil {
			return err
		}
		engine.RestoreState(watermark, tip, restored, applied, keys)
		logger.Info().
			Int64("watermark", watermark).
			Int("positions", len(restored)).
			Int("dedup_keys", len(keys)).
			Msg("restored from projections")
	} else {
		logger.Info().Msg("empty projections, cold start")
	}

	records, err := writer.EventsSince(ctx, watermark)
	if err != nil {
		return err
	}
	start := time.Now()
	for _, rec := range records {
		if err := engine.ReplayEvent(ctx, rec); err != nil {
			return err
		}
	}

	// The engine must end exactly one past the log head; anything else means
	// the projection and the log disagree about history.
	last, err := writer.LastSequence(ctx)
	if err != nil {
		return err
	}
	if engine.Sequence() != last+1 {
		return fmt.Errorf("recovery ended at sequence %d, event log ends at %d", engine.Sequence(), last)
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	if len(records) > 0 {
		logger.Info().
			Int("events", len(records)).
			Int64("sequence", engine.Sequence()).
			Dur("took", time.Since(start)).
			Msg("replayed log tail")
	}

	return nil
}
