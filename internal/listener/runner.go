package listener

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/schedev/internal/config"
)

// Runner is the bounded poll loop: an outer run-duration bound wraps
// an inner detection loop that polls at a short interval until the
// document incarnation changes, processes the document, then rests
// before watching again. Some events carry necessarily short warning
// periods, hence the frequent inner poll.
type Runner struct {
	client     *Client
	dispatcher *Dispatcher
	cfg        config.Listener
	logger     zerolog.Logger
}

func NewRunner(client *Client, dispatcher *Dispatcher, cfg config.Listener, logger zerolog.Logger) *Runner {
	return &Runner{
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run polls until the configured run duration elapses or ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.MaxRunDuration)
	lastIncarnation := int64(-1)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := r.awaitChange(ctx, lastIncarnation, deadline)
		if err != nil {
			return err
		}
		lastIncarnation = next
		if err := sleepWithContext(ctx, r.cfg.RestInterval); err != nil {
			return err
		}
	}
	r.logger.Info().Dur("max_run_duration", r.cfg.MaxRunDuration).Msg("run duration reached, exiting")
	return nil
}

// awaitChange polls until the incarnation differs from last, then
// dispatches every event in the document. A failed poll is not retried
// within its tick; the next tick simply re-polls.
func (r *Runner) awaitChange(ctx context.Context, last int64, deadline time.Time) (int64, error) {
	for time.Now().Before(deadline) {
		if err := sleepWithContext(ctx, r.cfg.DetectInterval); err != nil {
			return last, err
		}
		doc, err := r.client.Query(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("query scheduled events failed")
			continue
		}
		if doc.DocumentIncarnation == last {
			continue
		}
		r.dispatcher.HandleDocument(ctx, doc)
		return doc.DocumentIncarnation, nil
	}
	return last, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
