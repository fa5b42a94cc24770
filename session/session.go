// Package session tracks live playback sessions reported by sources. Each
// update reconciles the playing item into the library and notifies
// subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jacentio/medley/entity"
	"github.com/jacentio/medley/internal/metrics"
	"github.com/jacentio/medley/notify"
	"github.com/jacentio/medley/reconcile"
)

// ErrInvalidUpdate is returned for updates missing identifying fields.
var ErrInvalidUpdate = errors.New("medley: invalid session update")

// State is a playback state.
type State string

// States.
const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Update is one report from a source about a session.
type Update struct {
	Client    string
	Source    string
	SessionID string
	State     State
	// Progress is the playback position.
	Progress time.Duration
	Item     *entity.Entity
}

// Session is the tracked state of one playback session.
type Session struct {
	Client    string         `json:"client"`
	Source    string         `json:"source"`
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Progress  float64        `json:"progressSeconds"`
	StartedAt time.Time      `json:"startedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Item      map[string]any `json:"item,omitempty"`
}

type key struct {
	client, source, id string
}

// Tracker holds active sessions in memory. It is safe for concurrent use;
// item reconciliation runs one update at a time.
type Tracker struct {
	engine   *reconcile.Engine
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	// serialises UpsertTree
	upsertMu sync.Mutex

	mu       sync.Mutex
	sessions map[key]*Session
}

// NewTracker returns a tracker persisting items through engine. A nil
// notifier drops events.
func NewTracker(engine *reconcile.Engine, n notify.Notifier, logger *slog.Logger) *Tracker {
	if n == nil {
		n = notify.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		engine:   engine,
		notifier: n,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: map[key]*Session{},
	}
}

// Update reconciles u.Item, records the session and publishes
// session.created for a new session or session.updated otherwise.
func (t *Tracker) Update(ctx context.Context, u Update) (Session, error) {
	if u.Client == "" || u.Source == "" || u.SessionID == "" {
		return Session{}, fmt.Errorf("%w: client, source and session id are required", ErrInvalidUpdate)
	}
	if !u.Item.Valid() {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidUpdate, reconcile.ErrInvalidItem)
	}
	if u.State == "" {
		u.State = StatePlaying
	}

	t.upsertMu.Lock()
	res, err := t.engine.UpsertTree(ctx, u.Item)
	t.upsertMu.Unlock()
	if err != nil {
		return Session{}, fmt.Errorf("reconcile session item: %w", err)
	}
	for rel, ierr := range res.Children.Ignored {
		t.logger.Warn("session item relation ignored", "session", u.SessionID, "relation", rel, "error", ierr)
	}

	k := key{u.Client, u.Source, u.SessionID}
	now := t.now()

	t.mu.Lock()
	s, existed := t.sessions[k]
	if !existed {
		s = &Session{Client: u.Client, Source: u.Source, ID: u.SessionID, StartedAt: now}
		t.sessions[k] = s
		metrics.ActiveSessions.Inc()
	}
	s.State = u.State
	s.Progress = u.Progress.Seconds()
	s.UpdatedAt = now
	s.Item = u.Item.ToDocument()
	snapshot := *s
	t.mu.Unlock()

	topic := notify.TopicSessionUpdated
	if !existed {
		topic = notify.TopicSessionCreated
	}
	if err := t.notifier.Publish(ctx, notify.Event{
		Topic:   topic,
		Client:  u.Client,
		Source:  u.Source,
		Payload: snapshot,
	}); err != nil {
		t.logger.Warn("session notification failed", "session", u.SessionID, "topic", topic, "error", err)
	}
	t.logger.Debug("session updated", "session", u.SessionID, "state", u.State, "item", u.Item.ID,
		"created", res.Created, "updated", res.Updated)
	return snapshot, nil
}

// End forgets a session. It reports whether the session was tracked.
func (t *Tracker) End(client, source, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{client, source, id}
	if _, ok := t.sessions[k]; !ok {
		return false
	}
	delete(t.sessions, k)
	metrics.ActiveSessions.Dec()
	return true
}

// Get returns a copy of a tracked session.
func (t *Tracker) Get(client, source, id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key{client, source, id}]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
