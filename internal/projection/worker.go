package projection

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"omnilend/internal/core"
	"omnilend/internal/persistence"
)

// Worker drains the projection channel and keeps projections.positions
// current. Sends from the engine are non-blocking and may drop under load;
// the upsert's sequence guard plus startup replay make that safe.
type Worker struct {
	repo      *persistence.PositionRepo
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

func NewWorker(repo *persistence.PositionRepo, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *Worker {
	return &Worker{repo: repo, inputChan: inputChan, logger: logger}
}

// Run applies projection updates until ctx is cancelled. A failed upsert is
// retried once, then logged and skipped; the row heals on the next update
// for that owner or on restart replay.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			w.apply(ctx, output)
		}
	}
}

func (w *Worker) apply(ctx context.Context, output core.CoreOutput) {
	pos := output.Position
	seq := output.Envelope.Sequence

	err := w.repo.Upsert(ctx, pos, seq)
	if err != nil {
		time.Sleep(100 * time.Millisecond)
		err = w.repo.Upsert(ctx, pos, seq)
	}
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("owner", pos.Owner.Hex()).
			Int64("sequence", seq).
			Msg("projection upsert failed, skipping")
	}
}
