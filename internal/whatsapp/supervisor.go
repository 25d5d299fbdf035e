package whatsapp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInitializationFailed wraps every error returned by Start.
	ErrInitializationFailed = errors.New("whatsapp: initialization failed")
	// ErrSupervisorStopped is returned once Shutdown has been called.
	ErrSupervisorStopped = errors.New("whatsapp: supervisor stopped")
)

const (
	defaultInitTimeout = 45 * time.Second
	eventQueueSize     = 64
	inboundTimeout     = 15 * time.Second
	persistTimeout     = 10 * time.Second
	persistRetries     = 5
)

// MessageTopic carries MessageReceived values tagged with their identity.
const MessageTopic = "whatsapp:message"

// InboundMessage is published on MessageTopic.
type InboundMessage struct {
	Identity SessionIdentity `json:"identity"`
	From     string          `json:"from"`
	Text     string          `json:"text"`
}

// InboundHandler reacts to inbound messages. It runs outside the event loop.
type InboundHandler interface {
	HandleInbound(ctx context.Context, handle *SessionHandle, msg MessageReceived)
}

// SessionHandle is a borrowed reference to the live client of an identity.
// Callers must not keep it beyond a single operation.
type SessionHandle struct {
	Identity SessionIdentity
	client   Client
}

func (h *SessionHandle) SendText(ctx context.Context, address, text string) error {
	return h.client.SendText(ctx, address, text)
}

func (h *SessionHandle) LoggedIn() bool {
	return h.client.LoggedIn()
}

// stopper is the part of *time.Timer the supervisor needs.
type stopper interface {
	Stop() bool
}

type pendingReconnect struct {
	t      stopper
	reason DisconnectReason
	due    time.Time
}

type envelope struct {
	gen  uint64
	ev   Event
	done chan struct{}
}

type session struct {
	identity SessionIdentity
	gen      atomic.Uint64
	queue    chan envelope

	// guarded by Supervisor.mu
	handle    *SessionHandle
	state     ConnectionState
	label     string
	pending   *pendingReconnect
	loggedOut bool
	reason    DisconnectReason
}

// SupervisorConfig carries the collaborators of a Supervisor.
type SupervisorConfig struct {
	Factory     ClientFactory
	Store       SessionStore
	Status      *StatusCache
	Pairing     *PairingBroadcaster
	Bus         EventBus.Bus
	Policy      *ReconnectPolicy
	Inbound     InboundHandler
	InitTimeout time.Duration
}

// Supervisor owns the client of every session identity. It guarantees at
// most one in-flight initialization and at most one pending reconnect timer
// per identity, and processes each identity's events in arrival order.
type Supervisor struct {
	factory     ClientFactory
	store       SessionStore
	status      *StatusCache
	pairing     *PairingBroadcaster
	bus         EventBus.Bus
	policy      *ReconnectPolicy
	inbound     InboundHandler
	initTimeout time.Duration
	afterFunc   func(time.Duration, func()) stopper

	group singleflight.Group
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	sessions map[SessionIdentity]*session
	stopped  bool
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Status == nil {
		cfg.Status = NewStatusCache()
	}
	if cfg.Policy == nil {
		cfg.Policy = NewReconnectPolicy(nil, 0)
	}
	if cfg.Pairing == nil {
		cfg.Pairing = NewPairingBroadcaster(cfg.Bus, DefaultQRCooldown)
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	return &Supervisor{
		factory:     cfg.Factory,
		store:       cfg.Store,
		status:      cfg.Status,
		pairing:     cfg.Pairing,
		bus:         cfg.Bus,
		policy:      cfg.Policy,
		inbound:     cfg.Inbound,
		initTimeout: cfg.InitTimeout,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		quit:     make(chan struct{}),
		sessions: make(map[SessionIdentity]*session),
	}
}

func (s *Supervisor) Status() *StatusCache {
	return s.status
}

func (s *Supervisor) Pairing() *PairingBroadcaster {
	return s.pairing
}

// sessionLocked returns the session of identity, starting its event loop on
// first use. Callers hold s.mu.
func (s *Supervisor) sessionLocked(identity SessionIdentity) *session {
	sess, ok := s.sessions[identity]
	if !ok {
		sess = &session{identity: identity, queue: make(chan envelope, eventQueueSize)}
		s.sessions[identity] = sess
		s.wg.Add(1)
		go s.loop(sess)
	}
	return sess
}

// Start returns the handle of identity, initializing a client when none is
// live. Concurrent callers share one initialization and receive the same
// handle. The initialization itself is not cancelled with ctx; ctx only
// bounds how long this caller waits.
func (s *Supervisor) Start(ctx context.Context, identity SessionIdentity) (*SessionHandle, error) {
	if !ValidIdentity(identity) {
		return nil, errors.Wrapf(ErrInitializationFailed, "invalid identity %q", identity)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSupervisorStopped
	}
	if sess, ok := s.sessions[identity]; ok && sess.handle != nil && sess.state.live() {
		h := sess.handle
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	initCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(string(identity), func() (interface{}, error) {
		return s.initialize(initCtx, identity)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SessionHandle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) initialize(parent context.Context, identity SessionIdentity) (h *SessionHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("whatsapp: initialize %s panic: %v", identity, r)
			h, err = nil, errors.Wrapf(ErrInitializationFailed, "panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(parent, s.initTimeout)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSupervisorStopped
	}
	sess := s.sessionLocked(identity)
	s.cancelPendingLocked(sess)
	sess.loggedOut = false
	if sess.handle != nil && sess.state.live() {
		h := sess.handle
		s.mu.Unlock()
		return h, nil
	}
	old := sess.handle
	sess.handle = nil
	gen := sess.gen.Add(1)
	s.mu.Unlock()

	if old != nil {
		old.client.Disconnect()
	}

	creds, err := s.store.Load(ctx, identity)
	if errors.Is(err, ErrNoCredentials) {
		creds, err = nil, nil
	}
	if err != nil {
		return nil, s.initFailed(sess, gen, errors.Wrap(err, "load credentials"))
	}

	zap.L().Info("whatsapp: initializing client",
		zap.String("identity", string(identity)),
		zap.Bool("has_credentials", creds != nil))

	client, err := s.factory.NewClient(ctx, identity, creds, s.sinkFor(sess, gen))
	if err != nil {
		return nil, s.initFailed(sess, gen, errors.Wrap(err, "create client"))
	}

	handle := &SessionHandle{Identity: identity, client: client}
	s.mu.Lock()
	if sess.gen.Load() != gen || s.stopped {
		// superseded by ForceReconnect, Logout or Shutdown while we were building
		s.mu.Unlock()
		client.Disconnect()
		return nil, errors.Wrap(ErrInitializationFailed, "superseded")
	}
	sess.handle = handle
	s.mu.Unlock()

	s.post(sess, gen, StateChanged{State: StateConnecting}, true)

	if err := client.Connect(ctx); err != nil {
		s.mu.Lock()
		if sess.handle == handle {
			sess.handle = nil
		}
		s.mu.Unlock()
		client.Disconnect()
		return nil, s.initFailed(sess, gen, errors.Wrap(err, "connect"))
	}
	return handle, nil
}

// initFailed moves the session to closed and wraps err.
func (s *Supervisor) initFailed(sess *session, gen uint64, err error) error {
	zap.L().Error("whatsapp: client initialization failed",
		zap.String("identity", string(sess.identity)), zap.Error(err))
	if sess.gen.CompareAndSwap(gen, gen+1) {
		s.post(sess, gen+1, closeCommand{reason: ReasonInitFailed}, true)
	}
	return errors.Wrapf(ErrInitializationFailed, "%s: %v", sess.identity, err)
}

// GetHandle returns the current handle without initializing anything.
func (s *Supervisor) GetHandle(identity SessionIdentity) (*SessionHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	if !ok || sess.handle == nil {
		return nil, false
	}
	return sess.handle, true
}

// detach removes the client of sess and invalidates its events. It returns
// the removed client (or nil) and the new generation.
func (s *Supervisor) detachLocked(sess *session) (Client, uint64) {
	s.cancelPendingLocked(sess)
	var c Client
	if sess.handle != nil {
		c = sess.handle.client
		sess.handle = nil
	}
	return c, sess.gen.Add(1)
}

// ForceReconnect drops the current client and state of identity and starts again.
func (s *Supervisor) ForceReconnect(ctx context.Context, identity SessionIdentity) (*SessionHandle, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSupervisorStopped
	}
	sess := s.sessionLocked(identity)
	sess.loggedOut = false
	client, gen := s.detachLocked(sess)
	// a flight already under way is stale now; the next Start must not join it
	s.group.Forget(string(identity))
	s.mu.Unlock()

	zap.L().Info("whatsapp: forced reconnect", zap.String("identity", string(identity)))
	if client != nil {
		client.Disconnect()
	}
	s.post(sess, gen, closeCommand{reason: ReasonOperator}, true)
	return s.Start(ctx, identity)
}

// Logout unlinks identity, deletes its stored credentials and keeps it
// closed until the next explicit Start.
func (s *Supervisor) Logout(ctx context.Context, identity SessionIdentity) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return s.store.Delete(ctx, identity)
	}
	sess := s.sessionLocked(identity)
	sess.loggedOut = true
	client, gen := s.detachLocked(sess)
	s.group.Forget(string(identity))
	s.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			zap.L().Warn("whatsapp: server logout failed, dropping local session anyway",
				zap.String("identity", string(identity)), zap.Error(err))
		}
		client.Disconnect()
	}
	err := s.store.Delete(ctx, identity)
	s.post(sess, gen, closeCommand{reason: ReasonLoggedOut}, true)
	s.status.clearLabel(identity)
	zap.L().Info("whatsapp: session logged out", zap.String("identity", string(identity)))
	return err
}

// Shutdown stops every timer and disconnects every client. Credentials are kept.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var clients []Client
	for _, sess := range s.sessions {
		if c, _ := s.detachLocked(sess); c != nil {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
	close(s.quit)
	s.wg.Wait()
}

// Identities lists the known sessions sorted by identity.
func (s *Supervisor) Identities() []Status {
	s.mu.Lock()
	ids := make([]SessionIdentity, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st, ok := s.status.Get(id)
		if !ok {
			st = Status{Identity: id}
		}
		out = append(out, st)
	}
	return out
}

// ReconnectPending reports whether an automatic reconnect is armed for identity.
func (s *Supervisor) ReconnectPending(identity SessionIdentity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	return ok && sess.pending != nil
}

// Stalled reports whether identity sits closed with nothing going to revive
// it. Logged out sessions and closes that need an operator are not stalled.
func (s *Supervisor) Stalled(identity SessionIdentity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	sess, ok := s.sessions[identity]
	if !ok {
		return true
	}
	if sess.loggedOut || sess.pending != nil || sess.handle != nil {
		return false
	}
	if sess.state != StateClosed && sess.state != StateUninitialized {
		return false
	}
	return sess.reason == ReasonOperator || s.policy.ShouldReconnect(sess.reason)
}

// sinkFor builds the event sink of one client generation. Events of stale
// generations are dropped before they reach the queue.
func (s *Supervisor) sinkFor(sess *session, gen uint64) EventSink {
	return func(ev Event) {
		if sess.gen.Load() != gen {
			return
		}
		_, wait := ev.(CredentialsUpdated)
		s.post(sess, gen, ev, wait)
	}
}

// post queues ev for the event loop of sess. With wait it returns only after
// ev has been handled. It must not be called with wait from the loop itself.
func (s *Supervisor) post(sess *session, gen uint64, ev Event, wait bool) {
	env := envelope{gen: gen, ev: ev}
	if wait {
		env.done = make(chan struct{})
	}
	select {
	case sess.queue <- env:
	case <-s.quit:
		return
	}
	if wait {
		select {
		case <-env.done:
		case <-s.quit:
		}
	}
}

func (s *Supervisor) loop(sess *session) {
	defer s.wg.Done()
	for {
		select {
		case env := <-sess.queue:
			if env.gen == sess.gen.Load() {
				s.dispatch(sess, env.ev)
			}
			if env.done != nil {
				close(env.done)
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) dispatch(sess *session, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("whatsapp: event handler panic for %s: %v", sess.identity, r)
		}
	}()
	switch e := ev.(type) {
	case StateChanged:
		s.transition(sess, e)
	case closeCommand:
		s.transition(sess, StateChanged{State: StateClosed, Reason: e.reason})
	case PairingRequested:
		s.onPairing(sess, e)
	case CredentialsUpdated:
		s.persist(sess, e)
	case MessageReceived:
		s.onMessage(sess, e)
	}
}

// setState records a state and reports the previous one.
func (s *Supervisor) setState(sess *session, state ConnectionState, label string) ConnectionState {
	s.mu.Lock()
	prev := sess.state
	sess.state = state
	if label != "" {
		sess.label = label
	}
	s.mu.Unlock()
	s.status.set(sess.identity, state, label)
	metrics.SessionTransitions.WithLabelValues(string(sess.identity), state.String()).Inc()
	return prev
}

func (s *Supervisor) transition(sess *session, e StateChanged) {
	s.mu.Lock()
	prev := sess.state
	sameLabel := e.Label == "" || e.Label == sess.label
	s.mu.Unlock()
	if prev == e.State && (e.State != StateOpen || sameLabel) {
		return
	}

	switch e.State {
	case StateConnecting, StatePairing:
		s.setState(sess, e.State, "")
	case StateOpen:
		s.setState(sess, StateOpen, e.Label)
		s.policy.Reset(sess.identity)
		s.pairing.OnOpen(sess.identity, e.Label)
		zap.L().Info("whatsapp: session open",
			zap.String("identity", string(sess.identity)),
			zap.String("label", e.Label))
	case StateClosing:
		s.setState(sess, StateClosing, "")
	case StateClosed:
		if prev == StateOpen {
			s.setState(sess, StateClosing, "")
		}
		s.setState(sess, StateClosed, "")
		if prev != StateUninitialized && prev != StateClosed {
			s.pairing.OnDisconnected(sess.identity)
		}
		zap.L().Info("whatsapp: session closed",
			zap.String("identity", string(sess.identity)),
			zap.String("from", prev.String()),
			zap.String("reason", e.Reason.String()))
		s.afterClose(sess, e.Reason)
	}
}

// afterClose applies the reconnect policy to a session that just closed.
func (s *Supervisor) afterClose(sess *session, reason DisconnectReason) {
	s.mu.Lock()
	sess.reason = reason
	s.mu.Unlock()
	switch reason {
	case ReasonOperator, ReasonInitFailed:
		// the caller that closed the session decides what happens next
		return
	case ReasonLoggedOut:
		s.purge(sess)
		return
	}

	s.mu.Lock()
	client, _ := s.detachLocked(sess)
	skip := sess.loggedOut || s.stopped
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	if skip {
		return
	}
	if !s.policy.ShouldReconnect(reason) {
		zap.L().Error("whatsapp: session closed permanently, operator action required",
			zap.String("identity", string(sess.identity)),
			zap.String("reason", reason.String()))
		return
	}
	s.scheduleReconnect(sess, reason)
}

// purge handles a logout reported by the server (device unlinked from the phone).
func (s *Supervisor) purge(sess *session) {
	s.mu.Lock()
	alreadyPurged := sess.loggedOut && sess.handle == nil
	sess.loggedOut = true
	client, _ := s.detachLocked(sess)
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
	s.status.clearLabel(sess.identity)
	if alreadyPurged {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, sess.identity); err != nil {
		zap.L().Error("whatsapp: failed to purge credentials",
			zap.String("identity", string(sess.identity)), zap.Error(err))
		return
	}
	zap.L().Warn("whatsapp: device logged out, credentials purged",
		zap.String("identity", string(sess.identity)))
}

// scheduleReconnect arms the single reconnect timer of sess. A second call
// while a timer is pending is a no-op.
func (s *Supervisor) scheduleReconnect(sess *session, reason DisconnectReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || sess.loggedOut {
		return false
	}
	if sess.pending != nil {
		zap.L().Debug("whatsapp: reconnect already pending",
			zap.String("identity", string(sess.identity)),
			zap.String("reason", reason.String()))
		return false
	}
	delay := s.policy.Next(sess.identity, reason)
	p := &pendingReconnect{reason: reason, due: time.Now().Add(delay)}
	sess.pending = p
	p.t = s.afterFunc(delay, func() { s.fireReconnect(sess, p) })
	metrics.ReconnectsScheduled.WithLabelValues(string(sess.identity), reason.String()).Inc()
	zap.L().Info("whatsapp: reconnect scheduled",
		zap.String("identity", string(sess.identity)),
		zap.String("reason", reason.String()),
		zap.Duration("delay", delay))
	return true
}

func (s *Supervisor) cancelPendingLocked(sess *session) {
	if sess.pending != nil {
		sess.pending.t.Stop()
		sess.pending = nil
	}
}

func (s *Supervisor) fireReconnect(sess *session, p *pendingReconnect) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("whatsapp: reconnect of %s panic: %v", sess.identity, r)
		}
	}()
	s.mu.Lock()
	if sess.pending != p || s.stopped || sess.loggedOut {
		s.mu.Unlock()
		return
	}
	sess.pending = nil
	s.mu.Unlock()

	zap.L().Info("whatsapp: reconnecting", zap.String("identity", string(sess.identity)))
	if _, err := s.Start(context.Background(), sess.identity); err != nil {
		if errors.Is(err, ErrSupervisorStopped) {
			return
		}
		s.scheduleReconnect(sess, ReasonInitFailed)
	}
}

// onPairing forwards QR data while the session is still unauthenticated.
func (s *Supervisor) onPairing(sess *session, e PairingRequested) {
	s.mu.Lock()
	state := sess.state
	handle := sess.handle
	s.mu.Unlock()
	if state != StatePairing && state != StateConnecting {
		return
	}
	if handle != nil && handle.LoggedIn() {
		return
	}
	if state == StateConnecting {
		s.setState(sess, StatePairing, "")
	}
	s.pairing.OnPairing(sess.identity, e.Data)
}

// persist writes rotated credentials before the next event is handled.
func (s *Supervisor) persist(sess *session, e CredentialsUpdated) {
	if len(e.Blob) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	attempts := 0
	op := func() error {
		attempts++
		return s.store.Save(ctx, sess.identity, e.Blob)
	}
	onRetry := func(err error, d time.Duration) {
		zap.L().Warn("whatsapp: credential save failed, retrying",
			zap.String("identity", string(sess.identity)), zap.Duration("after", d), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, persistRetries), ctx), onRetry)
	if err != nil {
		zap.L().Error("whatsapp: failed to persist credentials",
			zap.String("identity", string(sess.identity)), zap.Int("attempts", attempts), zap.Error(err))
		return
	}
	zap.L().Debug("whatsapp: credentials persisted",
		zap.String("identity", string(sess.identity)), zap.Int("size", len(e.Blob)))
}

func (s *Supervisor) onMessage(sess *session, e MessageReceived) {
	if s.bus != nil {
		s.bus.Publish(MessageTopic, InboundMessage{Identity: sess.identity, From: e.From, Text: e.Text})
	}
	if s.inbound == nil {
		return
	}
	s.mu.Lock()
	handle := sess.handle
	s.mu.Unlock()
	if handle == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				zap.S().Errorf("whatsapp: inbound handler panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		defer cancel()
		s.inbound.HandleInbound(ctx, handle, e)
	}()
}

func (s *Supervisor) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Supervisor(%d sessions)", len(s.sessions))
}
