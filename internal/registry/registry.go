// Package registry tracks every live session in the process.
//
// The Registry is the single source of truth for session lookup and
// lifetime: sessions are minted here with time-ordered ids, mutated through
// their state machine, and reaped by a background sweep when they exceed
// their age or inactivity budget. Teardown of a session's engines is the
// caller's concern, attached via the eviction hook so that sweep-initiated
// and explicit deletes cascade identically.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateIdle is the initial state: the connection is acknowledged but no
	// audio pipeline exists yet.
	StateIdle State = iota

	// StateActive means the audio pipeline is running.
	StateActive

	// StateEnded is terminal.
	StateEnded
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// ErrBadTransition is returned for a state change the lifecycle forbids.
var ErrBadTransition = errors.New("registry: invalid state transition")

// AudioConfig is the per-session audio contract negotiated at
// audio.input.start.
type AudioConfig struct {
	// SampleRate is the client-side PCM rate in Hz (8000, 16000 or 48000).
	SampleRate int

	// Language is the BCP-47 tag for transcription.
	Language string

	// VoiceID optionally overrides the configured synthesis voice.
	VoiceID string
}

// Session is one client conversation. All state access is serialized
// internally; the exported fields are immutable after creation.
type Session struct {
	// ID is the session's time-ordered unique id.
	ID string

	// CreatedAt is when the session was minted.
	CreatedAt time.Time

	// Conn is the connection handle the session was minted for, compared by
	// identity. May be nil for sessions without a live connection.
	Conn any

	mu           sync.Mutex
	state        State
	audio        AudioConfig
	lastActivity time.Time
	endedAt      time.Time
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate transitions IDLE → ACTIVE and records the audio config.
func (s *Session) Activate(cfg AudioConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrBadTransition
	}
	s.state = StateActive
	s.audio = cfg
	s.lastActivity = time.Now()
	return nil
}

// End transitions to ENDED. Idempotent: ending an ended session is a no-op.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return
	}
	s.state = StateEnded
	s.endedAt = time.Now()
}

// Audio returns the audio config recorded at activation.
func (s *Session) Audio() AudioConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// Touch records client activity, deferring the inactivity sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivityAt returns the most recent activity timestamp.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EndedAt returns when the session ended, zero while live.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Config tunes the Registry's sweep behaviour.
type Config struct {
	// SessionMaxAge is the hard lifetime cap. Default: 1h.
	SessionMaxAge time.Duration

	// InactivityMax evicts sessions idle longer than this. Default: 5m.
	InactivityMax time.Duration

	// SweepInterval is how often the reaper runs. Default: 5m.
	SweepInterval time.Duration

	// OnEvict runs once per deleted session, after it leaves the table.
	// Used to cascade engine teardown. May be nil.
	OnEvict func(*Session)
}

// Registry is the process-wide session table. Safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[any]*Session
}

// New creates a Registry. Zero-value config fields get defaults.
func New(cfg Config) *Registry {
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = time.Hour
	}
	if cfg.InactivityMax <= 0 {
		cfg.InactivityMax = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Registry{
		cfg:      cfg,
		sessions: map[string]*Session{},
		byConn:   map[any]*Session{},
	}
}

// Create mints a new IDLE session bound to conn and registers it under both
// its id and its connection handle. conn may be nil.
func (r *Registry) Create(conn any) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.Must(uuid.NewV7()).String(),
		CreatedAt:    now,
		Conn:         conn,
		state:        StateIdle,
		lastActivity: now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	if conn != nil {
		r.byConn[conn] = s
	}
	r.mu.Unlock()
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetByConn returns the session bound to the given connection handle.
func (r *Registry) GetByConn(conn any) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// Delete removes the session and runs the eviction hook. Idempotent:
// deleting an absent id is a no-op and the hook fires at most once per
// session.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	if ok && s.Conn != nil {
		delete(r.byConn, s.Conn)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.End()
	if r.cfg.OnEvict != nil {
		r.cfg.OnEvict(s)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Run executes the sweep loop until ctx is cancelled. Call in a goroutine.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Sweep evicts every session past its age or inactivity budget. Exposed for
// tests and for a final pass during shutdown.
func (r *Registry) Sweep(now time.Time) {
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		age := now.Sub(s.CreatedAt)
		idle := now.Sub(s.LastActivityAt())
		if age > r.cfg.SessionMaxAge || idle > r.cfg.InactivityMax {
			expired = append(expired, id)
			slog.Info("registry: sweeping expired session",
				"session_id", id,
				"age", age,
				"idle", idle)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Delete(id)
	}
}
