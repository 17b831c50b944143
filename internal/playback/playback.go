// Package playback drives an event instance through its scenario's
// status sequence on a timer. One background session at a time owns the
// timing; the document store remains the single synchronization point,
// so a confirmation landing between ticks simply shows up as an
// external status change the session resynchronizes to.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g960059/schedev/internal/document"
	"github.com/g960059/schedev/internal/model"
)

const defaultTick = time.Second

// Manager owns at most one running session. Starting a new session
// cancels the previous one and waits for it to stop before the new one
// touches the document, so two sessions never race on the same event.
type Manager struct {
	store  *document.Store
	tick   time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	scenario string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(store *document.Store, tick time.Duration, logger zerolog.Logger) *Manager {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Manager{store: store, tick: tick, logger: logger}
}

// Start launches playback of the armed scenario. Any prior session is
// cancelled and fully drained first.
func (m *Manager) Start(ctx context.Context) error {
	def, ok := m.store.Armed()
	if !ok {
		return document.ErrNoScenario
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		scenario: def.Name,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.session = sess
	go m.run(runCtx, def, sess.done)
	return nil
}

// Stop cancels the running session, waits for it to exit, and resets
// the document back to "no event".
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.store.Reset()
}

func (m *Manager) stopLocked() {
	if m.session == nil {
		return
	}
	m.session.cancel()
	<-m.session.done
	m.session = nil
}

// Running reports the scenario of the active session, if one is still
// playing.
func (m *Manager) Running() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", false
	}
	select {
	case <-m.session.done:
		return "", false
	default:
		return m.session.scenario, true
	}
}

func (m *Manager) run(ctx context.Context, def model.ScenarioDefinition, done chan struct{}) {
	defer close(done)

	inst, err := m.store.Begin()
	if err != nil {
		m.logger.Error().Err(err).Str("scenario", def.Name).Msg("playback begin failed")
		return
	}
	m.logger.Info().
		Str("scenario", def.Name).
		Str("event_id", inst.EventID).
		Str("status", inst.Status).
		Msg("playback started")

	idx := 0
steps:
	for idx < len(def.Sequence) {
		step := def.Sequence[idx]

		// Dwell in tick-sized increments so cancellation and external
		// confirmations are noticed within one tick, never only at
		// step boundaries.
		for slept := 0; slept < step.Dwell; slept++ {
			timer := time.NewTimer(m.tick)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			cur, _ := m.store.Snapshot()
			if cur == nil {
				// Document was reset out from under the session.
				return
			}
			if cur.Status != step.Status {
				// A confirmation advanced the event; abandon this
				// position and continue timing from the new status.
				if j := def.StatusIndex(cur.Status); j >= 0 {
					idx = j
				} else {
					idx++
				}
				continue steps
			}
		}
		if ctx.Err() != nil {
			return
		}
		if def.IsTerminal(step.Status) {
			break
		}
		next, changed := m.store.Advance()
		if !changed {
			break
		}
		m.logger.Info().
			Str("scenario", def.Name).
			Str("event_id", next.EventID).
			Str("status", next.Status).
			Msg("playback advanced")
		idx++
	}
	// The sequence is exhausted: the session ends but the document is
	// left at its terminal state for later reads.
	m.logger.Info().Str("scenario", def.Name).Msg("playback finished")
}
