// Package router provides an in-process notification bus for klass lifecycle
// events (edits entering migration, migrations finishing, klass deletion).
package router

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	KlassLocked NotificationType = iota
	MigrationFinished
	KlassDeleted
	KlassCreated
)

func (t NotificationType) String() string {
	switch t {
	case KlassLocked:
		return "klass_locked"
	case MigrationFinished:
		return "migration_finished"
	case KlassDeleted:
		return "klass_deleted"
	case KlassCreated:
		return "klass_created"
	}
	return "unknown"
}

// Notification describes a change to one klass.
type Notification struct {
	Type      NotificationType
	Tenant    string
	KlassID   int64
	KlassName string
	Revision  int64
	// Outcome is set for MigrationFinished ("committed" or "rolled_back").
	Outcome   string
	Timestamp int64
}

// Notifier provides an in-process pub/sub notification bus.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subscribers {
		if !sub.matches(notif.Tenant) {
			continue
		}
		select {
		case sub.Ch <- notif:
		default:
			// Channel full - drop notification, do NOT block
		}
	}
}

// Subscribe adds a new subscriber with a custom ID. Filters are tenant ID
// prefixes; no filters receive everything.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}

	n.mu.Lock()
	if old, ok := n.subscribers[id]; ok {
		close(old.Ch)
	}
	n.subscribers[id] = sub
	n.mu.Unlock()
	return sub
}

// SubscribeAutoID adds a new subscriber with a generated ID.
func (n *Notifier) SubscribeAutoID(filters ...string) *Subscriber {
	return n.Subscribe("sub_"+uuid.New().String(), filters)
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subscribers[subID]; ok {
		delete(n.subscribers, subID)
		close(sub.Ch)
	}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}

func (s *Subscriber) matches(tenant string) bool {
	if len(s.Filters) == 0 {
		return true // No filters - receive all notifications
	}
	for _, filter := range s.Filters {
		if strings.HasPrefix(tenant, filter) {
			return true
		}
	}
	return false
}
