package whatsapp

import (
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []RealtimeEvent
}

func (r *eventRecorder) handle(ev RealtimeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) all() []RealtimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RealtimeEvent(nil), r.events...)
}

func newTestBroadcaster(t *testing.T) (*PairingBroadcaster, *fakeClock, *eventRecorder) {
	t.Helper()
	bus := EventBus.New()
	rec := &eventRecorder{}
	if err := bus.Subscribe(RealtimeTopic, rec.handle); err != nil {
		t.Fatal(err)
	}
	clock := newFakeClock()
	b := NewPairingBroadcaster(bus, 2*time.Second)
	b.now = clock.Now
	return b, clock, rec
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPairingCooldown(t *testing.T) {
	b, clock, rec := newTestBroadcaster(t)

	if !b.OnPairing(Admin, "qr-1") {
		t.Fatal("first payload suppressed")
	}
	clock.Advance(500 * time.Millisecond)
	if b.OnPairing(Admin, "qr-2") {
		t.Fatal("payload inside cooldown emitted")
	}
	clock.Advance(1600 * time.Millisecond)
	if !b.OnPairing(Admin, "qr-3") {
		t.Fatal("payload outside cooldown suppressed")
	}
	// identities are throttled independently
	if !b.OnPairing(Global, "qr-g") {
		t.Fatal("other identity throttled")
	}

	evs := rec.all()
	if len(evs) != 3 || evs[0].Payload != "qr-1" || evs[1].Payload != "qr-3" || evs[2].Identity != Global {
		t.Fatalf("unexpected events %+v", evs)
	}
	cur, ok := b.CurrentPairing(Admin)
	if !ok || cur.Data != "qr-3" || !cur.EmittedAt.Equal(clock.Now()) {
		t.Fatalf("current pairing = %+v %v", cur, ok)
	}
}

func TestPairingClearedOnOpen(t *testing.T) {
	b, clock, rec := newTestBroadcaster(t)

	b.OnPairing(Admin, "qr-1")
	clock.Advance(100 * time.Millisecond)
	b.OnPairing(Admin, "qr-throttled")
	b.OnOpen(Admin, "919876543210")

	if _, ok := b.CurrentPairing(Admin); ok {
		t.Fatal("pairing survived open")
	}
	clock.Advance(10 * time.Second)
	if b.OnPairing(Admin, "qr-late") {
		t.Fatal("pairing emitted while connected")
	}

	want := []string{EventPairingAvailable, EventPairingCleared, EventSessionConnected}
	if got := rec.types(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if rec.all()[2].AddressLabel != "919876543210" {
		t.Fatalf("connected label = %q", rec.all()[2].AddressLabel)
	}

	b.OnDisconnected(Admin)
	if !b.OnPairing(Admin, "qr-after-drop") {
		t.Fatal("pairing not re-armed after disconnect")
	}
	want = append(want, EventSessionDisconnected, EventPairingAvailable)
	if got := rec.types(); !equalStrings(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSnapshotForLateJoiner(t *testing.T) {
	b, _, _ := newTestBroadcaster(t)
	now := time.Now()

	snap := b.Snapshot(Admin)
	if evs := snap.Events(now); len(evs) != 1 || evs[0].Type != EventSessionDisconnected {
		t.Fatalf("empty snapshot events = %+v", evs)
	}

	b.OnPairing(Admin, "qr-1")
	evs := b.Snapshot(Admin).Events(now)
	if len(evs) != 1 || evs[0].Type != EventPairingAvailable || evs[0].Payload != "qr-1" {
		t.Fatalf("pairing snapshot events = %+v", evs)
	}

	b.OnOpen(Admin, "1555")
	evs = b.Snapshot(Admin).Events(now)
	if len(evs) != 1 || evs[0].Type != EventSessionConnected || evs[0].AddressLabel != "1555" {
		t.Fatalf("connected snapshot events = %+v", evs)
	}

	var seen []Snapshot
	b.WithSnapshot("", func(s []Snapshot) { seen = s })
	if len(seen) != 1 || seen[0].Identity != Admin {
		t.Fatalf("all snapshots = %+v", seen)
	}
}
