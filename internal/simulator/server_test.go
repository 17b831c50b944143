package simulator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/schedev/internal/api"
	"github.com/g960059/schedev/internal/config"
	"github.com/g960059/schedev/internal/document"
	"github.com/g960059/schedev/internal/model"
	"github.com/g960059/schedev/internal/playback"
	"github.com/g960059/schedev/internal/scenario"
)

const devScenario = "Live Migration - Dev Timing"

func newTestServer(t *testing.T) (*Server, *document.Store) {
	t.Helper()
	catalog := scenario.Default()
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	store := document.NewStoreWithClock(catalog, func() time.Time { return fixed })
	pb := playback.NewManager(store, time.Millisecond, zerolog.Nop())
	t.Cleanup(pb.Stop)
	srv := NewServer(config.DefaultSimulator(), catalog, store, pb, zerolog.Nop())
	return srv, store
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func armAndTrigger(t *testing.T, srv *Server, status string) api.ScheduledEvent {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/v1/scenario/arm", map[string]string{"scenario": devScenario})
	if rec.Code != http.StatusOK {
		t.Fatalf("arm: http %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, http.MethodPost, "/v1/events/trigger", map[string]any{"status": status})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger: http %d: %s", rec.Code, rec.Body.String())
	}
	state := decode[api.StateResponse](t, rec)
	if state.Document == nil || len(state.Document.Events) != 1 {
		t.Fatalf("trigger response missing event: %s", rec.Body.String())
	}
	return state.Document.Events[0]
}

func TestQueryEmptyDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/metadata/scheduledevents?api-version=2020-07-01", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d: %s", rec.Code, rec.Body.String())
	}
	doc := decode[api.EventsDocument](t, rec)
	if doc.DocumentIncarnation != 1 {
		t.Fatalf("incarnation = %d, want 1", doc.DocumentIncarnation)
	}
	if doc.Events == nil || len(doc.Events) != 0 {
		t.Fatalf("expected empty (non-null) Events array, got %s", rec.Body.String())
	}
	// The wire field must serialize as an array, never null.
	if !strings.Contains(rec.Body.String(), `"Events":[]`) {
		t.Fatalf("Events not serialized as []: %s", rec.Body.String())
	}
}

func TestQueryProjectsTriggeredEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	armAndTrigger(t, srv, model.StatusScheduled)

	rec := do(t, srv, http.MethodGet, "/metadata/scheduledevents", nil)
	doc := decode[api.EventsDocument](t, rec)
	if len(doc.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(doc.Events))
	}
	ev := doc.Events[0]
	if ev.EventID == "" {
		t.Fatal("missing EventId")
	}
	if ev.EventStatus != model.StatusScheduled {
		t.Fatalf("EventStatus = %s", ev.EventStatus)
	}
	if ev.EventType != string(model.TypeFreeze) || ev.EventSource != string(model.SourcePlatform) {
		t.Fatalf("type/source = %s/%s", ev.EventType, ev.EventSource)
	}
	if ev.ResourceType != model.ResourceTypeVM {
		t.Fatalf("ResourceType = %s", ev.ResourceType)
	}
	if ev.DurationInSeconds != 5 {
		t.Fatalf("DurationInSeconds = %d", ev.DurationInSeconds)
	}
	// Fixed clock 09:30 plus the 15 minute warning window.
	if ev.NotBefore != "2026-03-14T09:45:00Z" {
		t.Fatalf("NotBefore = %q", ev.NotBefore)
	}
	if len(ev.Resources) != 1 || ev.Resources[0] != model.DefaultResource {
		t.Fatalf("Resources = %v", ev.Resources)
	}
}

func TestConfirmAdvancesAndReturnsFreshState(t *testing.T) {
	srv, _ := newTestServer(t)
	ev := armAndTrigger(t, srv, model.StatusScheduled)

	rec := do(t, srv, http.MethodPost, "/metadata/scheduledevents", api.ConfirmRequest{
		StartRequests: []api.StartRequest{{EventID: ev.EventID}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d: %s", rec.Code, rec.Body.String())
	}
	doc := decode[api.EventsDocument](t, rec)
	if len(doc.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(doc.Events))
	}
	if doc.Events[0].EventStatus != model.StatusStarted {
		t.Fatalf("response shows stale status %s", doc.Events[0].EventStatus)
	}
	if doc.Events[0].NotBefore != "" {
		t.Fatalf("NotBefore should clear after confirm, got %q", doc.Events[0].NotBefore)
	}
	if doc.Events[0].EventID != ev.EventID {
		t.Fatal("event id changed across confirm")
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	ev := armAndTrigger(t, srv, model.StatusScheduled)

	body := api.ConfirmRequest{StartRequests: []api.StartRequest{{EventID: ev.EventID}}}
	first := decode[api.EventsDocument](t, do(t, srv, http.MethodPost, "/metadata/scheduledevents", body))
	second := decode[api.EventsDocument](t, do(t, srv, http.MethodPost, "/metadata/scheduledevents", body))
	if second.DocumentIncarnation != first.DocumentIncarnation {
		t.Fatalf("repeated confirm mutated the document: %d -> %d", first.DocumentIncarnation, second.DocumentIncarnation)
	}
}

func TestConfirmUnknownIDIsNoOp(t *testing.T) {
	srv, _ := newTestServer(t)
	armAndTrigger(t, srv, model.StatusScheduled)

	rec := do(t, srv, http.MethodPost, "/metadata/scheduledevents", api.ConfirmRequest{
		StartRequests: []api.StartRequest{{EventID: "no-such-event"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d: %s", rec.Code, rec.Body.String())
	}
	doc := decode[api.EventsDocument](t, rec)
	if doc.Events[0].EventStatus != model.StatusScheduled {
		t.Fatalf("stale confirm must not advance, got %s", doc.Events[0].EventStatus)
	}
}

func TestConfirmMalformedBody(t *testing.T) {
	srv, store := newTestServer(t)
	armAndTrigger(t, srv, model.StatusScheduled)
	_, incBefore := store.Snapshot()

	req := httptest.NewRequest(http.MethodPost, "/metadata/scheduledevents", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("http %d, want 400", rec.Code)
	}
	resp := decode[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.ErrRefInvalid {
		t.Fatalf("error code = %s", resp.Error.Code)
	}
	if _, incAfter := store.Snapshot(); incAfter != incBefore {
		t.Fatal("malformed confirm mutated the document")
	}
}

func TestConfirmWithoutInstance(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/metadata/scheduledevents", api.ConfirmRequest{
		StartRequests: []api.StartRequest{{EventID: "anything"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("http %d, want 400", rec.Code)
	}
	doc := decode[api.EventsDocument](t, rec)
	if len(doc.Events) != 0 {
		t.Fatalf("expected empty events, got %d", len(doc.Events))
	}
	if doc.DocumentIncarnation != 1 {
		t.Fatalf("incarnation = %d", doc.DocumentIncarnation)
	}
}

func TestTerminalStatusReportsNoEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	armAndTrigger(t, srv, model.StatusScheduled)
	rec := do(t, srv, http.MethodPost, "/v1/events/trigger", map[string]any{"status": model.StatusCompleted})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger completed: http %d", rec.Code)
	}

	doc := decode[api.EventsDocument](t, do(t, srv, http.MethodGet, "/metadata/scheduledevents", nil))
	if len(doc.Events) != 0 {
		t.Fatalf("terminal instance must project zero events, got %d", len(doc.Events))
	}
	if doc.DocumentIncarnation < 3 {
		t.Fatalf("incarnation = %d, expected bumps for both triggers", doc.DocumentIncarnation)
	}
}

func TestScheduledEventsMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPut, "/metadata/scheduledevents", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("http %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, POST" {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestArmUnknownScenario(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/v1/scenario/arm", map[string]string{"scenario": "Bogus"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("http %d, want 404", rec.Code)
	}
	resp := decode[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.ErrRefNotFound {
		t.Fatalf("error code = %s", resp.Error.Code)
	}
}

func TestTriggerWithoutArmedScenario(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/v1/events/trigger", map[string]any{"status": model.StatusScheduled})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("http %d, want 412", rec.Code)
	}
	resp := decode[api.ErrorResponse](t, rec)
	if resp.Error.Code != model.ErrPreconditionFailed {
		t.Fatalf("error code = %s", resp.Error.Code)
	}
}

func TestPlaybackStartWithoutArmedScenario(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/v1/playback/start", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("http %d, want 412", rec.Code)
	}
}

func TestPlaybackStopResetsDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	armAndTrigger(t, srv, model.StatusScheduled)

	rec := do(t, srv, http.MethodPost, "/v1/playback/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d: %s", rec.Code, rec.Body.String())
	}
	state := decode[api.StateResponse](t, rec)
	if state.PlaybackActive {
		t.Fatal("playback reported active after stop")
	}
	if state.Document == nil || len(state.Document.Events) != 0 {
		t.Fatalf("document not reset: %s", rec.Body.String())
	}
}

func TestScenariosEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/scenarios", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d", rec.Code)
	}
	resp := decode[api.ScenariosEnvelope](t, rec)
	if len(resp.Scenarios) != 13 {
		t.Fatalf("expected 13 scenarios, got %d", len(resp.Scenarios))
	}
	for _, sc := range resp.Scenarios {
		if sc.Name == "" || len(sc.Statuses) == 0 {
			t.Fatalf("incomplete scenario item: %+v", sc)
		}
	}
}

func TestResourcesApplyToNextEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPut, "/v1/resources", map[string]any{"resources": []string{"vm-7"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d: %s", rec.Code, rec.Body.String())
	}
	ev := armAndTrigger(t, srv, model.StatusScheduled)
	if len(ev.Resources) != 1 || ev.Resources[0] != "vm-7" {
		t.Fatalf("Resources = %v", ev.Resources)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("http %d", rec.Code)
	}
	resp := decode[api.HealthResponse](t, rec)
	if resp.Status != "ok" || resp.SchemaVersion != "v1" {
		t.Fatalf("unexpected health payload: %s", rec.Body.String())
	}
}
