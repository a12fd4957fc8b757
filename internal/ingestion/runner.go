package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"omnilend/internal/event"
	"omnilend/internal/ledger"
)

// EventSink accepts typed events for processing. Satisfied by the engine.
type EventSink interface {
	Submit(ctx context.Context, evt event.Event) error
}

// Runner is the ingestion shell loop: it drains raw gateway notifications,
// parses them, submits them to the engine, and settles the JetStream ack.
//
// Ack discipline: a business rejection is terminal — the gateway redelivering
// the same notification can never change the outcome, so the message is ACKed
// and dropped. Only infrastructure failures (engine unavailable, context
// cancelled) NAK for redelivery.
type Runner struct {
	rawChan       <-chan RawEvent
	sink          EventSink
	subjectToType map[string]string
	logger        zerolog.Logger
}

func NewRunner(rawChan <-chan RawEvent, sink EventSink, logger zerolog.Logger) *Runner {
	subjectToType := make(map[string]string)
	for _, cfg := range DefaultSubjects() {
		subjectToType[cfg.Subject] = cfg.EventType
	}
	return &Runner{
		rawChan:       rawChan,
		sink:          sink,
		subjectToType: subjectToType,
		logger:        logger,
	}
}

// Run drains the raw channel until the context is cancelled or the channel
// closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-r.rawChan:
			if !ok {
				return nil
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *Runner) handle(ctx context.Context, raw RawEvent) {
	eventType, ok := r.subjectToType[raw.Subject]
	if !ok {
		r.logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
		raw.AckFunc() // ack to avoid a redelivery loop
		return
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		r.logger.Warn().
			Str("subject", raw.Subject).
			Err(err).
			Msg("unparseable notification dropped")
		raw.AckFunc()
		return
	}

	err = r.sink.Submit(ctx, evt)
	switch {
	case err == nil:
		raw.AckFunc()

	case terminalRejection(err):
		r.logger.Warn().
			Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Err(err).
			Msg("notification rejected")
		raw.AckFunc()

	default:
		r.logger.Error().
			Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Err(err).
			Msg("submit failed, requeueing")
		raw.NakFunc()
	}
}

// terminalRejection reports whether redelivery could ever change the outcome.
func terminalRejection(err error) bool {
	return errors.Is(err, ledger.ErrUnauthorizedOrigin) ||
		errors.Is(err, ledger.ErrMalformedMessage) ||
		errors.Is(err, ledger.ErrAssetMismatch) ||
		errors.Is(err, ledger.ErrPositionLiquidated) ||
		errors.Is(err, ledger.ErrPositionNotFound) ||
		errors.Is(err, ledger.ErrUnknownOrStaleRevert)
}
