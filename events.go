package inkstone

import (
	"errors"
	"sync"
)

// Event names published by the engine.
const (
	// EventSyncProgress carries a SyncProgress payload per acknowledged
	// upload or download batch.
	EventSyncProgress = "sync:progress"

	// EventSyncCompleted fires after a successful sync round.
	EventSyncCompleted = "sync:completed"

	// EventSyncError carries the error of a failed sync round so passive
	// observers can react without awaiting the Sync call.
	EventSyncError = "sync:error"

	// EventDatabaseSyncRequested carries a SyncRequested payload when the
	// server pushes a sync notification.
	EventDatabaseSyncRequested = "db:syncRequested"

	// EventItemUpdated and EventItemDeleted carry the affected item id.
	EventItemUpdated = "item:updated"
	EventItemDeleted = "item:deleted"
)

// SyncProgress is the payload of EventSyncProgress.
type SyncProgress struct {
	Type    string // "upload" or "download"
	Current int
	Total   int
}

// SyncRequested is the payload of EventDatabaseSyncRequested.
type SyncRequested struct {
	Full  bool
	Force bool
}

// EventHandler receives an event payload. Handlers needing asynchronous
// work should spawn their own goroutine; the publisher does not wait for
// anything beyond the handler's return.
type EventHandler func(payload any) error

// EventManager is a publish/subscribe bus keyed by named events. Every
// device/session constructs its own instance and passes it by reference;
// there is no ambient process-wide bus, so tests can run several devices
// in one process without cross-talk.
type EventManager struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string][]*Subscription
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      int64
	event   string
	handler EventHandler
	em      *EventManager
}

// NewEventManager creates an empty event manager.
func NewEventManager() *EventManager {
	return &EventManager{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a handler for the named event. Handlers for one
// event fire in subscription order.
func (em *EventManager) Subscribe(event string, handler EventHandler) *Subscription {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.nextID++
	sub := &Subscription{id: em.nextID, event: event, handler: handler, em: em}
	em.subs[event] = append(em.subs[event], sub)
	return sub
}

// Unsubscribe removes exactly this registration. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.em == nil {
		return
	}
	em := s.em
	em.mu.Lock()
	defer em.mu.Unlock()

	subs := em.subs[s.event]
	for i, sub := range subs {
		if sub.id == s.id {
			em.subs[s.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(em.subs[s.event]) == 0 {
		delete(em.subs, s.event)
	}
}

// UnsubscribeAll clears every registration for every event name.
func (em *EventManager) UnsubscribeAll() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.subs = make(map[string][]*Subscription)
}

// Publish delivers the payload to every handler of the named event in
// subscription order. One handler failing does not prevent the others
// from running; the failures are returned aggregated. Publishing an
// event with no subscribers is a no-op.
func (em *EventManager) Publish(event string, payload any) error {
	em.mu.RLock()
	subs := make([]*Subscription, len(em.subs[event]))
	copy(subs, em.subs[event])
	em.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.handler(payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
