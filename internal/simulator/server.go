// Package simulator serves the scheduled-events metadata protocol over
// HTTP, backed by the document store, plus an operator control API for
// arming scenarios and driving playback.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/schedev/internal/api"
	"github.com/g960059/schedev/internal/config"
	"github.com/g960059/schedev/internal/document"
	"github.com/g960059/schedev/internal/model"
	"github.com/g960059/schedev/internal/playback"
	"github.com/g960059/schedev/internal/scenario"
)

const scheduledEventsPath = "/metadata/scheduledevents"

type Server struct {
	cfg      config.Simulator
	catalog  *scenario.Catalog
	store    *document.Store
	playback *playback.Manager
	logger   zerolog.Logger
	httpSrv  *http.Server

	mu       sync.Mutex
	listener net.Listener

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Simulator, catalog *scenario.Catalog, store *document.Store, pb *playback.Manager, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		catalog:  catalog,
		store:    store,
		playback: pb,
		logger:   logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc(scheduledEventsPath, s.scheduledEventsHandler)
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/state", s.stateHandler)
	mux.HandleFunc("/v1/scenarios", s.scenariosHandler)
	mux.HandleFunc("/v1/scenario/arm", s.armHandler)
	mux.HandleFunc("/v1/events/trigger", s.triggerHandler)
	mux.HandleFunc("/v1/playback/start", s.playbackStartHandler)
	mux.HandleFunc("/v1/playback/stop", s.playbackStopHandler)
	mux.HandleFunc("/v1/resources", s.resourcesHandler)
	return s
}

// Start listens on the configured address and serves until ctx is
// cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("simulator listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// Addr returns the bound listen address, once Start has been called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.playback.Stop()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.shutdownErr = err
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			_ = listener.Close()
		}
	})
	return s.shutdownErr
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) scheduledEventsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.queryEvents(w)
	case http.MethodPost:
		s.confirmEvents(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) queryEvents(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, s.documentView())
}

func (s *Server) confirmEvents(w http.ResponseWriter, r *http.Request) {
	var req api.ConfirmRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}

	inst, _ := s.store.Snapshot()
	if inst == nil {
		// No event to confirm: client error, but keep the document
		// shape so pollers can still read the incarnation.
		s.writeJSON(w, http.StatusBadRequest, s.documentView())
		return
	}

	for _, sr := range req.StartRequests {
		if s.store.Confirm(sr.EventID) {
			s.logger.Info().Str("event_id", sr.EventID).Msg("event confirmed")
		}
	}
	// Always respond with the post-mutation state, never a stale
	// pre-confirm snapshot.
	s.writeJSON(w, http.StatusOK, s.documentView())
}

// documentView projects the current document onto the wire: zero
// events when there is no instance or it reached a terminal status,
// with the incarnation preserved either way.
func (s *Server) documentView() api.EventsDocument {
	inst, incarnation := s.store.Snapshot()
	doc := api.EventsDocument{
		DocumentIncarnation: incarnation,
		Events:              []api.ScheduledEvent{},
	}
	if inst == nil {
		return doc
	}
	def, err := s.catalog.Get(inst.Scenario)
	if err != nil || def.IsTerminal(inst.Status) {
		return doc
	}
	notBefore := ""
	if !inst.NotBefore.IsZero() {
		notBefore = inst.NotBefore.UTC().Format(api.NotBeforeFormat)
	}
	doc.Events = append(doc.Events, api.ScheduledEvent{
		EventID:           inst.EventID,
		EventStatus:       inst.Status,
		EventType:         string(def.EventType),
		ResourceType:      model.ResourceTypeVM,
		Resources:         inst.Resources,
		EventSource:       string(def.EventSource),
		NotBefore:         notBefore,
		Description:       def.Description,
		DurationInSeconds: def.DurationInSeconds,
	})
	return doc
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeState(w)
}

func (s *Server) scenariosHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	defs := s.catalog.List()
	resp := api.ScenariosEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Scenarios:     make([]api.ScenarioItem, 0, len(defs)),
	}
	for _, def := range defs {
		statuses := make([]string, 0, len(def.Sequence))
		for _, sd := range def.Sequence {
			statuses = append(statuses, sd.Status)
		}
		resp.Scenarios = append(resp.Scenarios, api.ScenarioItem{
			Name:                def.Name,
			EventType:           string(def.EventType),
			EventSource:         string(def.EventSource),
			Description:         def.Description,
			ScenarioDescription: def.ScenarioDescription,
			DurationInSeconds:   def.DurationInSeconds,
			Statuses:            statuses,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type armRequest struct {
	Scenario string `json:"scenario"`
}

func (s *Server) armHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req armRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if req.Scenario == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "scenario is required")
		return
	}
	if err := s.store.Arm(req.Scenario); err != nil {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
		return
	}
	s.logger.Info().Str("scenario", req.Scenario).Msg("scenario armed")
	s.writeState(w)
}

type triggerRequest struct {
	Status    string   `json:"status"`
	Resources []string `json:"resources"`
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req triggerRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if req.Status == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "status is required")
		return
	}
	inst, err := s.store.Trigger(req.Status, req.Resources)
	if err != nil {
		switch {
		case errors.Is(err, document.ErrNoScenario):
			s.writeError(w, http.StatusPreconditionFailed, model.ErrPreconditionFailed, "no armed scenario")
		case errors.Is(err, document.ErrInvalidStatus):
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		}
		return
	}
	s.logger.Info().Str("event_id", inst.EventID).Str("status", inst.Status).Msg("event triggered")
	s.writeState(w)
}

func (s *Server) playbackStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	// The session must outlive the request, so it is not bound to
	// r.Context().
	if err := s.playback.Start(context.Background()); err != nil {
		if errors.Is(err, document.ErrNoScenario) {
			s.writeError(w, http.StatusPreconditionFailed, model.ErrPreconditionFailed, "no armed scenario")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeState(w)
}

func (s *Server) playbackStopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.playback.Stop()
	s.logger.Info().Msg("playback stopped and document reset")
	s.writeState(w)
}

type resourcesRequest struct {
	Resources []string `json:"resources"`
}

func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.methodNotAllowed(w, http.MethodPut)
		return
	}
	var req resourcesRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	s.store.SetResources(req.Resources)
	s.writeState(w)
}

func (s *Server) writeState(w http.ResponseWriter) {
	resp := api.StateResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
	}
	if def, ok := s.store.Armed(); ok {
		resp.ArmedScenario = def.Name
	}
	_, resp.PlaybackActive = s.playback.Running()
	doc := s.documentView()
	resp.Document = &doc
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
