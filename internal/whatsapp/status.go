package whatsapp

import (
	"sync"
	"time"
)

// Status is the cached view of one session.
type Status struct {
	Identity SessionIdentity `json:"identity"`
	State    ConnectionState `json:"state"`
	Label    string          `json:"label,omitempty"`
	Since    time.Time       `json:"since"`
}

// StatusCache answers "is this session usable" without touching the client.
// Only the supervisor writes to it.
type StatusCache struct {
	mu      sync.RWMutex
	entries map[SessionIdentity]Status
}

func NewStatusCache() *StatusCache {
	return &StatusCache{entries: make(map[SessionIdentity]Status)}
}

func (c *StatusCache) IsConnected(identity SessionIdentity) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[identity].State == StateOpen
}

// CurrentIdentityLabel returns the paired phone number of identity, if known.
func (c *StatusCache) CurrentIdentityLabel(identity SessionIdentity) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.entries[identity]
	if !ok || st.Label == "" {
		return "", false
	}
	return st.Label, true
}

func (c *StatusCache) State(identity SessionIdentity) ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[identity].State
}

func (c *StatusCache) Get(identity SessionIdentity) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.entries[identity]
	return st, ok
}

// All returns a copy of every entry.
func (c *StatusCache) All() map[SessionIdentity]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[SessionIdentity]Status, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// set records state. An empty label keeps the previous one so a session
// that drops and comes back still reports its number.
func (c *StatusCache) set(identity SessionIdentity, state ConnectionState, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.entries[identity]
	if st.State != state || st.Since.IsZero() {
		st.Since = time.Now()
	}
	st.Identity = identity
	st.State = state
	if label != "" {
		st.Label = label
	}
	c.entries[identity] = st
}

func (c *StatusCache) clearLabel(identity SessionIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.entries[identity]; ok {
		st.Label = ""
		c.entries[identity] = st
	}
}
