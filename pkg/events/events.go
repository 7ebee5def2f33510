package events

import (
	"sync"
	"time"
)

// EventType represents the type of UI-bound event
type EventType string

const (
	EventMasterActionStarted   EventType = "master_action.started"
	EventMasterActionProgress  EventType = "master_action.progress"
	EventMasterActionCompleted EventType = "master_action.completed"
	EventStageStarted          EventType = "stage.started"
	EventStageCompleted        EventType = "stage.completed"
	EventNodeActionProgress    EventType = "node_action.progress"
	EventNodeStatusChanged     EventType = "node.status_changed"
	EventSlaveTaskLog          EventType = "slave.task_log"
)

// Event is one notification fanned out to UI subscribers. Events that belong
// to the same master action are delivered in publish order.
type Event struct {
	Type           EventType
	Timestamp      time.Time
	MasterActionID string
	NodeActionID   string
	NodeName       string
	Message        string
	Metadata       map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Notifier manages event subscriptions and distribution
type Notifier struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewNotifier creates a new notifier
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop
func (n *Notifier) Start() {
	go n.run()
}

// Stop stops the notifier
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (n *Notifier) Subscribe() Subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := make(Subscriber, 64)
	n.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (n *Notifier) Unsubscribe(sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subscribers[sub] {
		delete(n.subscribers, sub)
		close(sub)
	}
}

// Publish fans an event out to all subscribers. The single distribution
// goroutine preserves publish order per master action.
func (n *Notifier) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case n.eventCh <- event:
	case <-n.stopCh:
	}
}

func (n *Notifier) run() {
	for {
		select {
		case event := <-n.eventCh:
			n.broadcast(event)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) broadcast(event *Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for sub := range n.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
