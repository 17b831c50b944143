package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/schedev/internal/api"
	"github.com/g960059/schedev/internal/db"
	"github.com/g960059/schedev/internal/imds"
	"github.com/g960059/schedev/internal/model"
)

// confirmRecorder is a metadata endpoint stub that records confirmed
// event ids and answers every request with an empty document.
type confirmRecorder struct {
	mu        sync.Mutex
	confirmed []string
}

func (c *confirmRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req api.ConfirmRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			c.mu.Lock()
			for _, sr := range req.StartRequests {
				c.confirmed = append(c.confirmed, sr.EventID)
			}
			c.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.EventsDocument{Events: []api.ScheduledEvent{}})
	})
}

func (c *confirmRecorder) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.confirmed...)
}

type fakeRecordWriter struct {
	mu      sync.Mutex
	records []model.PreemptRecord
	err     error
}

func (f *fakeRecordWriter) InsertPreemptRecord(_ context.Context, rec model.PreemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecordWriter) all() []model.PreemptRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PreemptRecord(nil), f.records...)
}

type fakeIdentity struct {
	identity imds.Identity
}

func (f *fakeIdentity) Lookup(context.Context) imds.Identity {
	return f.identity
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *confirmRecorder, *fakeRecordWriter) {
	t.Helper()
	recorder := &confirmRecorder{}
	srv := httptest.NewServer(recorder.handler())
	t.Cleanup(srv.Close)

	records := &fakeRecordWriter{}
	identity := &fakeIdentity{identity: imds.Identity{
		Name:           "test-vm",
		SubscriptionID: "sub-1",
		ResourceGroup:  "rg-1",
	}}
	client := NewClient(srv.URL, time.Second)
	d := NewDispatcher(client, records, identity, zerolog.Nop())
	d.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	return d, recorder, records
}

func event(mut func(*api.ScheduledEvent)) api.ScheduledEvent {
	ev := api.ScheduledEvent{
		EventID:           "evt-1",
		EventStatus:       model.StatusScheduled,
		EventType:         string(model.TypeReboot),
		ResourceType:      model.ResourceTypeVM,
		Resources:         []string{"vm1"},
		EventSource:       string(model.SourcePlatform),
		DurationInSeconds: model.DurationUnknown,
	}
	if mut != nil {
		mut(&ev)
	}
	return ev
}

func handleOne(d *Dispatcher, ev api.ScheduledEvent) {
	d.HandleDocument(context.Background(), api.EventsDocument{
		DocumentIncarnation: 2,
		Events:              []api.ScheduledEvent{ev},
	})
}

func TestUserSourceEventIsConfirmed(t *testing.T) {
	d, recorder, _ := newTestDispatcher(t)
	handleOne(d, event(func(ev *api.ScheduledEvent) {
		ev.EventSource = string(model.SourceUser)
	}))
	ids := recorder.ids()
	if len(ids) != 1 || ids[0] != "evt-1" {
		t.Fatalf("confirmed ids = %v, want [evt-1]", ids)
	}
}

func TestShortFreezeIsConfirmed(t *testing.T) {
	d, recorder, _ := newTestDispatcher(t)
	handleOne(d, event(func(ev *api.ScheduledEvent) {
		ev.EventType = string(model.TypeFreeze)
		ev.DurationInSeconds = 5
	}))
	if ids := recorder.ids(); len(ids) != 1 {
		t.Fatalf("confirmed ids = %v, want one", ids)
	}
}

func TestFreezeAtThresholdIsNotConfirmed(t *testing.T) {
	d, recorder, _ := newTestDispatcher(t)
	handleOne(d, event(func(ev *api.ScheduledEvent) {
		ev.EventType = string(model.TypeFreeze)
		ev.DurationInSeconds = 9
	}))
	if ids := recorder.ids(); len(ids) != 0 {
		t.Fatalf("9 second freeze must not be auto-confirmed, got %v", ids)
	}
}

func TestFreezeWithUnknownDurationIsNotConfirmed(t *testing.T) {
	d, recorder, _ := newTestDispatcher(t)
	handleOne(d, event(func(ev *api.ScheduledEvent) {
		ev.EventType = string(model.TypeFreeze)
		ev.DurationInSeconds = model.DurationUnknown
	}))
	if ids := recorder.ids(); len(ids) != 0 {
		t.Fatalf("unknown duration freeze must not be auto-confirmed, got %v", ids)
	}
}

func TestStartedEventIsOnlyLogged(t *testing.T) {
	d, recorder, records := newTestDispatcher(t)
	handleOne(d, event(func(ev *api.ScheduledEvent) {
		ev.EventStatus = model.StatusStarted
		ev.EventSource = string(model.SourceUser)
	}))
	if ids := recorder.ids(); len(ids) != 0 {
		t.Fatalf("started event must not be confirmed, got %v", ids)
	}
	if len(records.all()) != 0 {
		t.Fatal("started event must not be recorded")
	}
}

func TestPreemptEventIsRecordedWithIdentity(t *testing.T) {
	d, recorder, records := newTestDispatcher(t)
	handleOne(d, event(func(ev *api.ScheduledEvent) {
		ev.EventType = string(model.TypePreempt)
		ev.Description = "The Virtual Machine will be evicted."
	}))

	if ids := recorder.ids(); len(ids) != 0 {
		t.Fatalf("preempt must not be confirmed, got %v", ids)
	}
	got := records.all()
	if len(got) != 1 {
		t.Fatalf("expected one preempt record, got %d", len(got))
	}
	rec := got[0]
	if rec.EventID != "evt-1" || rec.EventType != string(model.TypePreempt) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.VMName != "test-vm" || rec.SubscriptionID != "sub-1" || rec.ResourceGroup != "rg-1" {
		t.Fatalf("identity not captured: %+v", rec)
	}
	if rec.RowKey != "evt-1_20260314093000.000000" {
		t.Fatalf("RowKey = %q", rec.RowKey)
	}
}

func TestDuplicatePreemptRecordIsTolerated(t *testing.T) {
	d, _, records := newTestDispatcher(t)
	ev := event(func(ev *api.ScheduledEvent) {
		ev.EventType = string(model.TypePreempt)
	})
	handleOne(d, ev)
	records.mu.Lock()
	records.err = db.ErrDuplicate
	records.mu.Unlock()
	// Re-observing the same event must not fail or add a second record.
	handleOne(d, ev)
	if len(records.all()) != 1 {
		t.Fatalf("expected one record, got %d", len(records.all()))
	}
}

func TestRebootDefaultsToObservation(t *testing.T) {
	d, recorder, records := newTestDispatcher(t)
	handleOne(d, event(nil))
	if ids := recorder.ids(); len(ids) != 0 {
		t.Fatalf("platform reboot must not be auto-confirmed, got %v", ids)
	}
	if len(records.all()) != 0 {
		t.Fatal("platform reboot must not be recorded")
	}
}
