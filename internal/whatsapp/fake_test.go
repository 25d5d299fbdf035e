package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asaskevich/EventBus"
)

type sentMessage struct {
	address string
	text    string
}

type fakeClient struct {
	mu          sync.Mutex
	identity    SessionIdentity
	creds       []byte
	sink        EventSink
	loggedIn    bool
	connectErr  error
	sendErr     error
	connects    int
	disconnects int
	logouts     int
	sent        []sentMessage
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return c.connectErr
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.logouts++
	c.loggedIn = false
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SendText(ctx context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{address, text})
	return nil
}

func (c *fakeClient) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

func (c *fakeClient) setLoggedIn(v bool) {
	c.mu.Lock()
	c.loggedIn = v
	c.mu.Unlock()
}

func (c *fakeClient) emit(ev Event) {
	c.sink(ev)
}

func (c *fakeClient) counts() (connects, disconnects, logouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.disconnects, c.logouts
}

type fakeFactory struct {
	mu         sync.Mutex
	clients    []*fakeClient
	creds      [][]byte
	gate       chan struct{}
	errs       []error
	connectErr error
}

func (f *fakeFactory) NewClient(ctx context.Context, identity SessionIdentity, creds []byte, sink EventSink) (Client, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, creds)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeClient{identity: identity, creds: creds, sink: sink, loggedIn: creds != nil, connectErr: f.connectErr}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creds)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) credsAt(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[i]
}

type memStore struct {
	mu      sync.Mutex
	blobs   map[SessionIdentity][]byte
	loadErr error
	saveErr []error
	saves   int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[SessionIdentity][]byte)}
}

func (s *memStore) Load(ctx context.Context, identity SessionIdentity) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	b, ok := s.blobs[identity]
	if !ok {
		return nil, ErrNoCredentials
	}
	return b, nil
}

func (s *memStore) Save(ctx context.Context, identity SessionIdentity, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if len(s.saveErr) > 0 {
		err := s.saveErr[0]
		s.saveErr = s.saveErr[1:]
		return err
	}
	s.blobs[identity] = blob
	return nil
}

func (s *memStore) Delete(ctx context.Context, identity SessionIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.blobs, identity)
	return nil
}

func (s *memStore) failSaves(errs ...error) {
	s.mu.Lock()
	s.saveErr = errs
	s.mu.Unlock()
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) get(identity SessionIdentity) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[identity]
	return b, ok
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	ft.timers = append(ft.timers, t)
	return &fakeTimerHandle{ft: ft, t: t}
}

type fakeTimerHandle struct {
	ft *fakeTimers
	t  *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.ft.mu.Lock()
	defer h.ft.mu.Unlock()
	if h.t.stopped || h.t.fired {
		return false
	}
	h.t.stopped = true
	return true
}

// armed counts timers that are neither stopped nor fired.
func (ft *fakeTimers) armed() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		return nil
	}
	return ft.timers[len(ft.timers)-1]
}

// fireLast runs the newest armed timer in the calling goroutine.
func (ft *fakeTimers) fireLast(t *testing.T) {
	t.Helper()
	ft.mu.Lock()
	var target *fakeTimer
	for i := len(ft.timers) - 1; i >= 0; i-- {
		if !ft.timers[i].stopped && !ft.timers[i].fired {
			target = ft.timers[i]
			break
		}
	}
	if target != nil {
		target.fired = true
	}
	ft.mu.Unlock()
	if target == nil {
		t.Fatal("no armed timer to fire")
	}
	target.f()
}

type testEnv struct {
	sup     *Supervisor
	factory *fakeFactory
	store   *memStore
	timers  *fakeTimers
	events  *eventRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := EventBus.New()
	rec := &eventRecorder{}
	if err := bus.Subscribe(RealtimeTopic, rec.handle); err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		factory: &fakeFactory{},
		store:   newMemStore(),
		timers:  &fakeTimers{},
		events:  rec,
	}
	env.sup = NewSupervisor(SupervisorConfig{
		Factory: env.factory,
		Store:   env.store,
		Bus:     bus,
		Pairing: NewPairingBroadcaster(bus, 2*time.Second),
		Policy:  NewReconnectPolicy(nil, time.Minute*5),
	})
	env.sup.afterFunc = env.timers.afterFunc
	t.Cleanup(env.sup.Shutdown)
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
