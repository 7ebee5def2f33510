package routing

import (
	"testing"
	"time"
)

func TestResolveLive(t *testing.T) {
	tr := NewTranslator(time.Minute)
	tr.Register("na1", "ma1")

	if got, ok := tr.ResolveLive("na1"); !ok || got != "ma1" {
		t.Fatalf("ResolveLive = %q, %v; want ma1, true", got, ok)
	}
	if _, ok := tr.ResolveLive("unknown"); ok {
		t.Error("unknown id should not resolve")
	}
}

func TestUnregisterMovesToGraceWindow(t *testing.T) {
	now := time.Now()
	tr := NewTranslator(time.Minute)
	tr.now = func() time.Time { return now }

	tr.Register("na1", "ma1")
	tr.Unregister("na1")

	if _, ok := tr.ResolveLive("na1"); ok {
		t.Error("unregistered mapping must not be live")
	}
	if got, ok := tr.ResolveAny("na1"); !ok || got != "ma1" {
		t.Errorf("ResolveAny inside grace = %q, %v; want ma1, true", got, ok)
	}

	// Step past the grace window.
	now = now.Add(time.Minute + time.Second)
	if _, ok := tr.ResolveAny("na1"); ok {
		t.Error("expired mapping should not resolve")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	now := time.Now()
	tr := NewTranslator(time.Minute)
	tr.now = func() time.Time { return now }

	tr.Register("na1", "ma1")
	tr.Register("na2", "ma1")
	tr.Unregister("na1")

	now = now.Add(2 * time.Minute)
	tr.sweep()

	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1 after sweep", tr.Len())
	}
	// Live mappings are never swept.
	if _, ok := tr.ResolveLive("na2"); !ok {
		t.Error("live mapping lost by sweep")
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	tr := NewTranslator(time.Minute)
	tr.Unregister("ghost")
	if tr.Len() != 0 {
		t.Errorf("Len = %d, want 0", tr.Len())
	}
}
