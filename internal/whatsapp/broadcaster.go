package whatsapp

import (
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

// RealtimeTopic is the bus topic carrying RealtimeEvent values.
const RealtimeTopic = "whatsapp:realtime"

// Realtime event types delivered to web clients.
const (
	EventPairingAvailable    = "pairing-available"
	EventPairingCleared      = "pairing-cleared"
	EventSessionConnected    = "session-connected"
	EventSessionDisconnected = "session-disconnected"
)

// DefaultQRCooldown is the minimum spacing between two pairing emissions.
const DefaultQRCooldown = 2 * time.Second

// RealtimeEvent is what subscribers of RealtimeTopic receive.
type RealtimeEvent struct {
	Type         string          `json:"type"`
	Identity     SessionIdentity `json:"identity"`
	Payload      string          `json:"payload,omitempty"`
	AddressLabel string          `json:"address_label,omitempty"`
	At           time.Time       `json:"at"`
}

// Snapshot is the current pairing view of one identity, for late joiners.
type Snapshot struct {
	Identity  SessionIdentity `json:"identity"`
	Connected bool            `json:"connected"`
	Label     string          `json:"label,omitempty"`
	Pairing   *PairingPayload `json:"pairing,omitempty"`
}

// Events converts the snapshot into the events a new subscriber would have
// seen last.
func (s Snapshot) Events(at time.Time) []RealtimeEvent {
	switch {
	case s.Connected:
		return []RealtimeEvent{{Type: EventSessionConnected, Identity: s.Identity, AddressLabel: s.Label, At: at}}
	case s.Pairing != nil:
		return []RealtimeEvent{{Type: EventPairingAvailable, Identity: s.Identity, Payload: s.Pairing.Data, At: s.Pairing.EmittedAt}}
	default:
		return []RealtimeEvent{{Type: EventSessionDisconnected, Identity: s.Identity, At: at}}
	}
}

type pairingEntry struct {
	current   *PairingPayload
	lastEmit  time.Time
	connected bool
	label     string
}

// PairingBroadcaster throttles QR payloads and publishes connection changes.
// Every publish happens under mu, so the order subscribers observe matches
// the order of the calls.
type PairingBroadcaster struct {
	bus      EventBus.Bus
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[SessionIdentity]*pairingEntry
}

func NewPairingBroadcaster(bus EventBus.Bus, cooldown time.Duration) *PairingBroadcaster {
	if cooldown <= 0 {
		cooldown = DefaultQRCooldown
	}
	return &PairingBroadcaster{
		bus:      bus,
		cooldown: cooldown,
		now:      time.Now,
		entries:  make(map[SessionIdentity]*pairingEntry),
	}
}

func (b *PairingBroadcaster) entry(identity SessionIdentity) *pairingEntry {
	e, ok := b.entries[identity]
	if !ok {
		e = &pairingEntry{}
		b.entries[identity] = e
	}
	return e
}

func (b *PairingBroadcaster) publish(ev RealtimeEvent) {
	if b.bus != nil {
		b.bus.Publish(RealtimeTopic, ev)
	}
}

// OnPairing emits data unless the identity is connected or the previous
// emission is younger than the cooldown. It reports whether data was emitted.
func (b *PairingBroadcaster) OnPairing(identity SessionIdentity, data string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(identity)
	if e.connected {
		metrics.PairingEvents.WithLabelValues(string(identity), "ignored").Inc()
		return false
	}
	now := b.now()
	if !e.lastEmit.IsZero() && now.Sub(e.lastEmit) < b.cooldown {
		metrics.PairingEvents.WithLabelValues(string(identity), "throttled").Inc()
		zap.L().Debug("whatsapp: pairing payload throttled",
			zap.String("identity", string(identity)),
			zap.Duration("since_last", now.Sub(e.lastEmit)))
		return false
	}
	e.current = &PairingPayload{Data: data, EmittedAt: now}
	e.lastEmit = now
	metrics.PairingEvents.WithLabelValues(string(identity), "emitted").Inc()
	b.publish(RealtimeEvent{Type: EventPairingAvailable, Identity: identity, Payload: data, At: now})
	return true
}

// OnOpen drops any pairing payload and announces the connection.
func (b *PairingBroadcaster) OnOpen(identity SessionIdentity, label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(identity)
	now := b.now()
	e.current = nil
	e.connected = true
	if label != "" {
		e.label = label
	}
	b.publish(RealtimeEvent{Type: EventPairingCleared, Identity: identity, At: now})
	b.publish(RealtimeEvent{Type: EventSessionConnected, Identity: identity, AddressLabel: e.label, At: now})
}

// OnDisconnected announces the loss and re-arms pairing so the next QR is
// emitted immediately.
func (b *PairingBroadcaster) OnDisconnected(identity SessionIdentity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(identity)
	e.current = nil
	e.connected = false
	e.lastEmit = time.Time{}
	b.publish(RealtimeEvent{Type: EventSessionDisconnected, Identity: identity, At: b.now()})
}

// CurrentPairing returns the last emitted payload still waiting to be scanned.
func (b *PairingBroadcaster) CurrentPairing(identity SessionIdentity) (PairingPayload, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[identity]
	if !ok || e.current == nil {
		return PairingPayload{}, false
	}
	return *e.current, true
}

func (b *PairingBroadcaster) snapshotLocked(identity SessionIdentity) Snapshot {
	snap := Snapshot{Identity: identity}
	if e, ok := b.entries[identity]; ok {
		snap.Connected = e.connected
		snap.Label = e.label
		if e.current != nil {
			p := *e.current
			snap.Pairing = &p
		}
	}
	return snap
}

func (b *PairingBroadcaster) Snapshot(identity SessionIdentity) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(identity)
}

// WithSnapshot runs fn while no event can be published, so a subscriber
// registered inside fn sees the snapshot strictly before any later event.
// An empty identity selects every known identity.
func (b *PairingBroadcaster) WithSnapshot(identity SessionIdentity, fn func([]Snapshot)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var snaps []Snapshot
	if identity != "" {
		snaps = append(snaps, b.snapshotLocked(identity))
	} else {
		for id := range b.entries {
			snaps = append(snaps, b.snapshotLocked(id))
		}
	}
	fn(snaps)
}
