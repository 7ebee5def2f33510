package routing

import (
	"sync"
	"time"
)

type mapping struct {
	masterActionID string
	expiresAt      time.Time // zero while the owning action is live
}

// Translator maintains the nodeActionId -> masterActionId map consulted on
// every inbound slave message. Unregistered mappings linger for a grace
// period so late messages can still be journaled.
type Translator struct {
	mu       sync.Mutex
	mappings map[string]mapping
	grace    time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewTranslator creates a translator with the given grace window
func NewTranslator(grace time.Duration) *Translator {
	return &Translator{
		mappings: make(map[string]mapping),
		grace:    grace,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the grace-expiry sweeper
func (t *Translator) Start() {
	go t.sweepLoop()
}

// Stop stops the sweeper
func (t *Translator) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Register records a live mapping for a new node action
func (t *Translator) Register(nodeActionID, masterActionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings[nodeActionID] = mapping{masterActionID: masterActionID}
}

// Unregister starts the grace countdown for a completed node action
func (t *Translator) Unregister(nodeActionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mappings[nodeActionID]
	if !ok {
		return
	}
	m.expiresAt = t.now().Add(t.grace)
	t.mappings[nodeActionID] = m
}

// ResolveLive returns the owning master action only while the node action is
// still registered; grace-window entries are not live.
func (t *Translator) ResolveLive(nodeActionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mappings[nodeActionID]
	if !ok || !m.expiresAt.IsZero() {
		return "", false
	}
	return m.masterActionID, true
}

// ResolveAny returns the owning master action for live entries and for
// entries still inside the grace window.
func (t *Translator) ResolveAny(nodeActionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mappings[nodeActionID]
	if !ok {
		return "", false
	}
	if !m.expiresAt.IsZero() && t.now().After(m.expiresAt) {
		return "", false
	}
	return m.masterActionID, true
}

// Len returns the number of retained mappings, expired ones included until
// the sweeper runs.
func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.mappings)
}

func (t *Translator) sweepLoop() {
	ticker := time.NewTicker(t.grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Translator) sweep() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, m := range t.mappings {
		if !m.expiresAt.IsZero() && now.After(m.expiresAt) {
			delete(t.mappings, id)
		}
	}
}
