package ingestion

import (
	"context"

	"github.com/rs/zerolog"

	"marginwatch/internal/oracle"
)

// FeedLoop drains raw ticks from the subscriber, parses them, and
// applies them to the price oracle. Malformed ticks are ACKed rather
// than NAKed: redelivery cannot fix a bad payload.
type FeedLoop struct {
	tickChan <-chan RawTick
	feed     *oracle.Feed
	logger   zerolog.Logger
}

func NewFeedLoop(tickChan <-chan RawTick, feed *oracle.Feed, logger zerolog.Logger) *FeedLoop {
	return &FeedLoop{
		tickChan: tickChan,
		feed:     feed,
		logger:   logger,
	}
}

// Run processes ticks until ctx is cancelled or the channel closes.
func (fl *FeedLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-fl.tickChan:
			if !ok {
				return nil
			}
			fl.handle(raw)
		}
	}
}

func (fl *FeedLoop) handle(raw RawTick) {
	tick, err := ParsePriceTick(raw.Data)
	if err != nil {
		fl.logger.Warn().
			Str("subject", raw.Subject).
			Err(err).
			Msg("dropping malformed price tick")
		raw.AckFunc()
		return
	}

	if err := fl.feed.Apply(tick); err != nil {
		fl.logger.Warn().
			Str("market", tick.MarketID).
			Int64("sequence", tick.Sequence).
			Err(err).
			Msg("oracle rejected price tick")
		raw.AckFunc()
		return
	}

	fl.logger.Debug().
		Str("market", tick.MarketID).
		Int64("price", tick.Price).
		Int64("sequence", tick.Sequence).
		Msg("price tick applied")
	raw.AckFunc()
}
