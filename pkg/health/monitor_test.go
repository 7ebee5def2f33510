package health

import (
	"testing"
	"time"

	"github.com/sitekeeper/sitekeeper/pkg/protocol"
	"github.com/sitekeeper/sitekeeper/pkg/types"
)

func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m, err := NewMonitor(Config{
		HeartbeatInterval:           10 * time.Second,
		OfflineAfterMissedIntervals: 3,
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	m.now = func() time.Time { return now }
	return m, &now
}

func heartbeat(node string) protocol.Heartbeat {
	return protocol.Heartbeat{NodeName: node, CPUUsagePercent: 12.5, RAMUsagePercent: 40}
}

func TestHeartbeatMarksOnline(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.RecordHeartbeat(heartbeat("n1"))

	st, ok := m.GetState("n1")
	if !ok {
		t.Fatal("state missing")
	}
	if st.ConnectivityStatus != types.NodeOnline {
		t.Errorf("status = %s, want Online", st.ConnectivityStatus)
	}
	if st.Health == nil || st.Health.CPUUsagePercent != 12.5 {
		t.Errorf("health figures not recorded: %+v", st.Health)
	}
}

func TestSweepDerivation(t *testing.T) {
	m, now := newTestMonitor(t)
	m.RecordHeartbeat(heartbeat("n1"))

	// Within 1.5 intervals: still Online.
	*now = now.Add(14 * time.Second)
	m.Sweep()
	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeOnline {
		t.Errorf("at 14s: %s, want Online", st.ConnectivityStatus)
	}

	// Within 3 intervals: Unreachable.
	*now = now.Add(10 * time.Second)
	m.Sweep()
	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeUnreachable {
		t.Errorf("at 24s: %s, want Unreachable", st.ConnectivityStatus)
	}

	// Beyond 3 intervals: Offline.
	*now = now.Add(10 * time.Second)
	m.Sweep()
	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeOffline {
		t.Errorf("at 34s: %s, want Offline", st.ConnectivityStatus)
	}
}

func TestExplicitDisconnectIsSticky(t *testing.T) {
	m, now := newTestMonitor(t)
	m.RecordHeartbeat(heartbeat("n1"))
	m.MarkDisconnected("n1")

	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeOffline {
		t.Fatalf("status = %s, want Offline", st.ConnectivityStatus)
	}

	// A sweep shortly after must not revive the node from its stale
	// heartbeat: only a fresh heartbeat does.
	*now = now.Add(time.Second)
	m.Sweep()
	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeOffline {
		t.Errorf("sweep revived an explicitly disconnected node: %s", st.ConnectivityStatus)
	}

	m.RecordHeartbeat(heartbeat("n1"))
	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeOnline {
		t.Errorf("heartbeat should revive the node, got %s", st.ConnectivityStatus)
	}
}

func TestListenersSeeTransitions(t *testing.T) {
	m, now := newTestMonitor(t)

	type change struct {
		node   string
		status types.ConnectivityStatus
	}
	var changes []change
	m.OnStatusChange(func(node string, status types.ConnectivityStatus) {
		changes = append(changes, change{node, status})
	})

	m.RecordHeartbeat(heartbeat("n1"))
	*now = now.Add(40 * time.Second)
	m.Sweep()

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2: %+v", len(changes), changes)
	}
	if changes[0].status != types.NodeOnline || changes[1].status != types.NodeOffline {
		t.Errorf("unexpected transitions: %+v", changes)
	}
}

func TestSweepIsQuietWithoutChanges(t *testing.T) {
	m, _ := newTestMonitor(t)
	calls := 0
	m.OnStatusChange(func(string, types.ConnectivityStatus) { calls++ })

	m.RecordHeartbeat(heartbeat("n1"))
	m.Sweep()
	m.Sweep()

	if calls != 1 {
		t.Errorf("listener called %d times, want 1 (only the Online transition)", calls)
	}
}

func TestPersistedStatesReloadAsUnknown(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStateStore(dir)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	m1, err := NewMonitor(Config{HeartbeatInterval: 10 * time.Second, OfflineAfterMissedIntervals: 3}, store, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	m1.RecordHeartbeat(heartbeat("n1"))
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2, err := NewStateStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	m2, err := NewMonitor(Config{HeartbeatInterval: 10 * time.Second, OfflineAfterMissedIntervals: 3}, store2, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	st, ok := m2.GetState("n1")
	if !ok {
		t.Fatal("persisted state not reloaded")
	}
	if st.ConnectivityStatus != types.NodeUnknown {
		t.Errorf("reloaded status = %s, want Unknown until fresh evidence", st.ConnectivityStatus)
	}
	if st.Health == nil {
		t.Error("last known health figures lost across restart")
	}
}

// TestSweepOfflineUsesHeartbeatAge covers the derivation for a node that was
// explicitly disconnected and then revived, making sure the Offline override
// does not leak into the age-based path.
func TestSweepOfflineUsesHeartbeatAge(t *testing.T) {
	m, now := newTestMonitor(t)
	m.RecordHeartbeat(heartbeat("n1"))
	m.MarkDisconnected("n1")
	m.RecordHeartbeat(heartbeat("n1"))

	*now = now.Add(14 * time.Second)
	m.Sweep()
	if st, _ := m.GetState("n1"); st.ConnectivityStatus != types.NodeOnline {
		t.Errorf("status = %s, want Online within 1.5 intervals", st.ConnectivityStatus)
	}
}
