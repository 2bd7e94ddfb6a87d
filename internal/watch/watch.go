// Package watch follows pipeline activity, either live from the Redis event
// bus or by tailing the local work directory.
package watch

import (
	"context"
	"fmt"
	"io"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/logging"
	"go.uber.org/zap"
)

// Feed is the subscriber side of the event bus.
type Feed interface {
	Subscribe(ctx context.Context) (*events.Subscription, error)
	History(ctx context.Context, n int64) ([]events.Event, error)
}

// Options controls a watch session.
type Options struct {
	Format OutputFormat
	// Replay prints up to this many past events before following. Negative
	// replays everything still recorded.
	Replay int
	// UntilHalt stops after the first pipeline_halted event.
	UntilHalt bool
	Logger    *zap.Logger
}

// StreamActivity prints past and live events from feed until ctx is done,
// the subscription ends, or (with UntilHalt) the pipeline halts.
func StreamActivity(ctx context.Context, feed Feed, opts Options, w io.Writer) error {
	formatter, err := NewFormatter(opts.Format, w)
	if err != nil {
		return err
	}
	logger := logging.Component(opts.Logger, "watch")

	// Subscribe before reading history so nothing falls between the two.
	sub, err := feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if opts.Replay != 0 {
		// History treats n <= 0 as "everything".
		past, err := feed.History(ctx, int64(max(opts.Replay, 0)))
		if err != nil {
			return err
		}
		for _, ev := range past {
			if err := formatter.Format(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
			if opts.UntilHalt && ev.Kind == events.KindPipelineHalted {
				return nil
			}
		}
	}

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.Warn(logger, "watch_event_dropped", zap.Error(err))
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := formatter.Format(ev); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
			if opts.UntilHalt && ev.Kind == events.KindPipelineHalted {
				return nil
			}
		}
	}
}
