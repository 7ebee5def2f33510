package agents

import (
	"sync"
	"testing"

	"github.com/sitekeeper/sitekeeper/pkg/protocol"
)

// fakeChannel implements transport.Channel, recording sends and closes
type fakeChannel struct {
	id string

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (f *fakeChannel) ID() string         { return f.id }
func (f *fakeChannel) RemoteAddr() string { return "test:0" }

func (f *fakeChannel) Send(method string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, method)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSink struct {
	mu           sync.Mutex
	heartbeats   []string
	disconnected []string
}

func (s *fakeSink) RecordHeartbeat(hb protocol.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, hb.NodeName)
}

func (s *fakeSink) MarkDisconnected(nodeName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, nodeName)
}

func registration(name string) protocol.SlaveRegistration {
	return protocol.SlaveRegistration{AgentName: name, AgentVersion: "1.0", MaxConcurrentTasks: 4}
}

func TestRegisterAndSend(t *testing.T) {
	m := NewManager(nil, nil)
	ch := &fakeChannel{id: "c1"}
	m.OnAgentConnected(ch, registration("n1"), "10.0.0.1:1234")

	if !m.IsConnected("n1") {
		t.Fatal("n1 should be connected")
	}
	if err := m.Send("n1", protocol.MethodPrepareForTask, struct{}{}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0] != protocol.MethodPrepareForTask {
		t.Errorf("sent = %v", ch.sent)
	}
}

func TestSendToUnknownNode(t *testing.T) {
	m := NewManager(nil, nil)
	if err := m.Send("ghost", protocol.MethodPrepareForTask, struct{}{}); err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestReRegistrationSupersedes(t *testing.T) {
	m := NewManager(nil, nil)
	old := &fakeChannel{id: "c1"}
	m.OnAgentConnected(old, registration("n1"), "10.0.0.1:1")

	fresh := &fakeChannel{id: "c2"}
	m.OnAgentConnected(fresh, registration("n1"), "10.0.0.1:2")

	if !old.isClosed() {
		t.Error("superseded channel should be closed")
	}

	// Sends go to the fresh channel.
	if err := m.Send("n1", protocol.MethodExecuteTask, struct{}{}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(fresh.sent) != 1 {
		t.Errorf("fresh.sent = %v", fresh.sent)
	}
	if len(old.sent) != 0 {
		t.Errorf("old channel received sends: %v", old.sent)
	}
}

func TestStaleDisconnectIgnored(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(sink, nil)
	old := &fakeChannel{id: "c1"}
	m.OnAgentConnected(old, registration("n1"), "addr")
	fresh := &fakeChannel{id: "c2"}
	m.OnAgentConnected(fresh, registration("n1"), "addr")

	// The old connection's read loop exits after the supersede; its
	// disconnect must not remove the fresh entry.
	m.OnAgentDisconnected(old, "n1")
	if !m.IsConnected("n1") {
		t.Fatal("stale disconnect removed the live entry")
	}
	if len(sink.disconnected) != 0 {
		t.Errorf("sink notified for stale disconnect: %v", sink.disconnected)
	}

	m.OnAgentDisconnected(fresh, "n1")
	if m.IsConnected("n1") {
		t.Error("n1 should be disconnected")
	}
	if len(sink.disconnected) != 1 || sink.disconnected[0] != "n1" {
		t.Errorf("sink.disconnected = %v", sink.disconnected)
	}
}

func TestHeartbeatForwardedToSink(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(sink, nil)
	m.OnAgentConnected(&fakeChannel{id: "c1"}, registration("n1"), "addr")

	m.ProcessHeartbeat(protocol.Heartbeat{NodeName: "n1", ActiveTasks: 1})

	if len(sink.heartbeats) != 1 || sink.heartbeats[0] != "n1" {
		t.Errorf("sink.heartbeats = %v", sink.heartbeats)
	}
	info, ok := m.GetAgent("n1")
	if !ok || info.LastKnownHealth == nil || info.LastKnownHealth.ActiveTasks != 1 {
		t.Errorf("agent info not updated: %+v", info)
	}
}

func TestConnectedNodeNamesSorted(t *testing.T) {
	m := NewManager(nil, nil)
	for _, n := range []string{"nz", "na", "nm"} {
		m.OnAgentConnected(&fakeChannel{id: n}, registration(n), "addr")
	}
	names := m.ConnectedNodeNames()
	want := []string{"na", "nm", "nz"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
