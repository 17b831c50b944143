package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/schedev/internal/api"
	"github.com/g960059/schedev/internal/db"
	"github.com/g960059/schedev/internal/imds"
	"github.com/g960059/schedev/internal/model"
)

// freezeNoImpactSeconds bounds the freeze duration considered harmless
// enough to approve immediately: [0, 9) seconds.
const freezeNoImpactSeconds = 9

const rowKeyTimeFormat = "20060102150405.000000"

// RecordWriter is the durable store the preempt path appends to.
type RecordWriter interface {
	InsertPreemptRecord(ctx context.Context, rec model.PreemptRecord) error
}

// IdentityLookup resolves the local instance identity, best-effort.
type IdentityLookup interface {
	Lookup(ctx context.Context) imds.Identity
}

// Dispatcher applies the per-event policy: events already in effect
// are logged, evictions are durably recorded, administrator-initiated
// events and short freezes are approved immediately, and anything else
// is logged as a hook for custom handling.
type Dispatcher struct {
	client   *Client
	records  RecordWriter
	identity IdentityLookup
	logger   zerolog.Logger
	now      func() time.Time
}

func NewDispatcher(client *Client, records RecordWriter, identity IdentityLookup, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		records:  records,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleDocument processes every event of one document, even those not
// acted on immediately.
func (d *Dispatcher) HandleDocument(ctx context.Context, doc api.EventsDocument) {
	for _, ev := range doc.Events {
		d.handleEvent(ctx, ev)
	}
	d.logger.Info().
		Int64("incarnation", doc.DocumentIncarnation).
		Int("events", len(doc.Events)).
		Msg("processed events document")
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev api.ScheduledEvent) {
	log := d.logger.With().
		Str("event_id", ev.EventID).
		Str("event_type", ev.EventType).
		Str("event_status", ev.EventStatus).
		Str("event_source", ev.EventSource).
		Logger()

	switch {
	case ev.EventStatus == model.StatusStarted:
		// Already in effect, nothing left to approve.
		log.Info().Str("description", ev.Description).Msg("event started")

	case ev.EventType == string(model.TypePreempt):
		log.Info().Str("description", ev.Description).Msg("eviction notice")
		if err := d.recordPreempt(ctx, ev); err != nil {
			log.Error().Err(err).Msg("persist preempt record failed")
		}

	case ev.EventSource == string(model.SourceUser):
		// Administrator-initiated; approving immediately avoids
		// delaying admin actions.
		d.confirm(ctx, log, ev.EventID)

	case ev.EventType == string(model.TypeFreeze) &&
		ev.DurationInSeconds >= 0 && ev.DurationInSeconds < freezeNoImpactSeconds:
		// Short freezes are treated as no impact.
		d.confirm(ctx, log, ev.EventID)

	default:
		// Potentially impactful (reboot, redeploy); custom handling
		// goes here.
		log.Info().Str("description", ev.Description).Msg("event observed")
	}
}

func (d *Dispatcher) confirm(ctx context.Context, log zerolog.Logger, eventID string) {
	if _, err := d.client.Confirm(ctx, eventID); err != nil {
		// Not retried this tick; the event is re-observed on the next
		// successful poll while the incarnation is unchanged.
		log.Warn().Err(err).Msg("confirm failed")
		return
	}
	log.Info().Msg("event confirmed")
}

func (d *Dispatcher) recordPreempt(ctx context.Context, ev api.ScheduledEvent) error {
	now := d.now().UTC()
	identity := d.identity.Lookup(ctx)
	rec := model.PreemptRecord{
		RowKey:         fmt.Sprintf("%s_%s", ev.EventID, now.Format(rowKeyTimeFormat)),
		EventID:        ev.EventID,
		EventType:      ev.EventType,
		Description:    ev.Description,
		Resources:      ev.Resources,
		DetectedAt:     now,
		VMName:         identity.Name,
		SubscriptionID: identity.SubscriptionID,
		ResourceGroup:  identity.ResourceGroup,
		CreatedAt:      now,
	}
	if err := d.records.InsertPreemptRecord(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil
		}
		return err
	}
	d.logger.Info().Str("row_key", rec.RowKey).Msg("preempt record written")
	return nil
}
