package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/homesim/internal/events"
)

// StateNamespace is the persisted-state namespace for last-known values.
const StateNamespace = "dashboard"

// subscriptionBuffer bounds how many events may queue between ticks
// before the bus starts dropping them for this subscriber.
const subscriptionBuffer = 1024

// Store persists last-known values across restarts. *opstate.Store
// satisfies it.
type Store interface {
	List(namespace string) (map[string]string, error)
	SetMany(namespace string, values map[string]string) error
	Delete(namespace, key string) error
	UpdatedAt(namespace, key string) (time.Time, error)
}

// RefresherConfig wires a [Refresher].
type RefresherConfig struct {
	Model    *Model
	Bus      *events.Bus
	Hub      *Hub // optional
	Store    Store
	Interval time.Duration
	Logger   *slog.Logger
}

// Refresher is the single consumer of dashboard events. It subscribes
// at construction so events published before Run are not lost.
type Refresher struct {
	model    *Model
	bus      *events.Bus
	sub      <-chan events.Event
	hub      *Hub
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

func NewRefresher(cfg RefresherConfig) *Refresher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Refresher{
		model:    cfg.Model,
		bus:      cfg.Bus,
		sub:      cfg.Bus.Subscribe(subscriptionBuffer),
		hub:      cfg.Hub,
		store:    cfg.Store,
		interval: cfg.Interval,
		logger:   cfg.Logger.With("component", "dashboard_refresher"),
	}
}

// Restore loads last-known values from the store. A missing store or
// an empty namespace leaves the initial values in place. Values that
// no longer parse are deleted from the store.
func (r *Refresher) Restore() error {
	if r.store == nil {
		return nil
	}
	values, err := r.store.List(StateNamespace)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	restored := len(values)
	var rerr *RestoreError
	if err := r.model.Restore(values); errors.As(err, &rerr) {
		r.logger.Warn("discarding malformed persisted values", "keys", rerr.Keys, "error", rerr.Err)
		for _, k := range rerr.Keys {
			if err := r.store.Delete(StateNamespace, k); err != nil {
				r.logger.Warn("persisted value delete failed", "key", k, "error", err)
			}
		}
		restored -= len(rerr.Keys)
	}

	savedAt, err := r.store.UpdatedAt(StateNamespace, KeyLight)
	if err != nil {
		r.logger.Debug("persisted state age unavailable", "error", err)
	}
	r.logger.Info("dashboard state restored", "keys", restored, "saved_at", savedAt)
	return nil
}

// Run restores persisted state and refreshes every interval until ctx
// is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	defer r.bus.Unsubscribe(r.sub)

	if err := r.Restore(); err != nil {
		r.logger.Warn("dashboard state restore failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dashboard refresher stopped", "recent_changes", r.model.HistorySummary())
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick drains every queued event without blocking, applies them in
// arrival order and, when something changed, persists and broadcasts
// the new snapshot. It reports whether anything changed.
func (r *Refresher) Tick() bool {
	changed := false
	applied := 0

drain:
	for {
		select {
		case e, ok := <-r.sub:
			if !ok {
				break drain
			}
			if e.Kind == events.KindSnapshot {
				continue
			}
			applied++
			if r.model.Apply(e) {
				changed = true
			}
			if isActivity(e) && r.hub != nil {
				r.hub.Broadcast(Message{Type: MessageEvent, Event: &e})
			}
		default:
			break drain
		}
	}

	if !changed {
		return false
	}

	r.persist()
	snap := r.model.Snapshot()
	if r.hub != nil {
		r.hub.Broadcast(Message{Type: MessageSnapshot, Snapshot: &snap})
	}
	r.bus.Publish(events.NewEvent(events.SourceDashboard, events.KindSnapshot, map[string]any{
		"updates": snap.Updates,
	}))
	r.logger.Debug("dashboard refreshed", "applied", applied, "light", snap.Light)
	return true
}

func (r *Refresher) persist() {
	if r.store == nil {
		return
	}
	if err := r.store.SetMany(StateNamespace, r.model.Values()); err != nil {
		r.logger.Warn("dashboard state persist failed", "error", err)
	}
}

// isActivity reports whether e belongs in the live activity stream
// rather than the model: raw sensor publishes and broker transitions.
func isActivity(e events.Event) bool {
	switch e.Source {
	case events.SourceSensor, events.SourceMQTT:
		return true
	}
	return false
}
