// Package document owns the single scheduled-events document: the
// current event instance (if any) and its incarnation counter. Every
// read and mutation is serialized through one mutex so no reader ever
// observes a status change without the matching incarnation bump, and
// a confirmation racing the playback timer cannot double-advance.
package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/schedev/internal/model"
	"github.com/g960059/schedev/internal/scenario"
)

var (
	ErrNoScenario    = errors.New("no armed scenario")
	ErrInvalidStatus = errors.New("status not in scenario sequence")
)

// Store holds the armed scenario, the current event instance, and the
// document incarnation. Incarnation starts at 1 and increases by
// exactly 1 on every mutation of the instance: creation, status
// change, or discard.
type Store struct {
	catalog *scenario.Catalog
	now     func() time.Time

	mu          sync.Mutex
	armed       *model.ScenarioDefinition
	current     *model.EventInstance
	incarnation int64
	resources   []string
}

func NewStore(catalog *scenario.Catalog) *Store {
	return NewStoreWithClock(catalog, time.Now)
}

func NewStoreWithClock(catalog *scenario.Catalog, now func() time.Time) *Store {
	return &Store{
		catalog:     catalog,
		now:         now,
		incarnation: 1,
		resources:   []string{model.DefaultResource},
	}
}

// Arm selects the scenario that subsequent events are created from and
// discards any current instance. Unknown names are rejected before any
// state changes.
func (s *Store) Arm(name string) error {
	def, err := s.catalog.Get(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = &def
	s.discardLocked()
	return nil
}

// Armed returns the armed scenario definition, if any.
func (s *Store) Armed() (model.ScenarioDefinition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return model.ScenarioDefinition{}, false
	}
	return *s.armed, true
}

// SetResources replaces the resource list applied to the next created
// instance. Blank entries are dropped; an empty result falls back to
// the placeholder.
func (s *Store) SetResources(resources []string) {
	cleaned := make([]string, 0, len(resources))
	for _, r := range resources {
		if r != "" {
			cleaned = append(cleaned, r)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{model.DefaultResource}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = cleaned
}

// Begin creates a fresh instance at the head of the armed scenario's
// sequence. It is the playback entry point.
func (s *Store) Begin() (model.EventInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return model.EventInstance{}, ErrNoScenario
	}
	return s.createLocked(s.armed.FirstStatus(), nil)
}

// Trigger creates a fresh instance at an arbitrary status of the armed
// scenario's sequence, replacing any current instance. It backs the
// operator control surface.
func (s *Store) Trigger(status string, resources []string) (model.EventInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return model.EventInstance{}, ErrNoScenario
	}
	if s.armed.StatusIndex(status) < 0 {
		return model.EventInstance{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	return s.createLocked(status, resources)
}

func (s *Store) createLocked(status string, resources []string) (model.EventInstance, error) {
	if len(resources) == 0 {
		resources = s.resources
	}
	now := s.now().UTC()
	inst := model.EventInstance{
		EventID:   uuid.NewString(),
		Scenario:  s.armed.Name,
		Status:    status,
		Resources: append([]string(nil), resources...),
		CreatedAt: now,
	}
	if status == s.armed.FirstStatus() {
		inst.NotBefore = now.Add(s.armed.NotBeforeDelay)
	}
	s.current = &inst
	s.incarnation++
	return inst, nil
}

// Advance moves the current instance one step forward in its scenario
// sequence and bumps the incarnation. At the end of the sequence it is
// an idempotent no-op. The returned bool reports whether anything
// changed.
func (s *Store) Advance() (model.EventInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked()
}

func (s *Store) advanceLocked() (model.EventInstance, bool) {
	if s.current == nil || s.armed == nil {
		return model.EventInstance{}, false
	}
	if s.armed.IsTerminal(s.current.Status) {
		return *s.current, false
	}
	idx := s.armed.StatusIndex(s.current.Status)
	if idx < 0 || idx+1 >= len(s.armed.Sequence) {
		return *s.current, false
	}
	s.current.Status = s.armed.Sequence[idx+1].Status
	if s.current.Status != s.armed.FirstStatus() {
		s.current.NotBefore = time.Time{}
	}
	s.incarnation++
	return *s.current, true
}

// Confirm advances the current instance early, but only when the
// requested id matches and the instance is still at the sequence head.
// Any mismatch (wrong id, already advanced, no instance) is a silent
// no-op: the protocol tolerates redundant and stale confirmations.
func (s *Store) Confirm(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.armed == nil {
		return false
	}
	if eventID != s.current.EventID || s.current.Status != s.armed.FirstStatus() {
		return false
	}
	_, changed := s.advanceLocked()
	return changed
}

// Reset discards the current instance, returning the document to "no
// event". The discard counts as a mutation so readers never see the
// old incarnation paired with an empty document.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}

func (s *Store) discardLocked() {
	if s.current == nil {
		return
	}
	s.current = nil
	s.incarnation++
}

// Snapshot returns a copy of the current instance (nil when absent)
// and the incarnation it belongs to, read atomically.
func (s *Store) Snapshot() (*model.EventInstance, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, s.incarnation
	}
	inst := *s.current
	inst.Resources = append([]string(nil), s.current.Resources...)
	return &inst, s.incarnation
}
