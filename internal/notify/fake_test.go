package notify

import (
	"context"
	"sync"
	"time"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/whatsapp"
)

type sent struct {
	address string
	text    string
}

type fakeSender struct {
	mu          sync.Mutex
	sent        []sent
	failOn      map[string]error
	block       chan struct{}
	inflight    int
	maxInflight int
}

func (s *fakeSender) SendText(ctx context.Context, address, text string) error {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()
	time.Sleep(time.Millisecond)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[address]; err != nil {
		return err
	}
	s.sent = append(s.sent, sent{address, text})
	return nil
}

func (s *fakeSender) messages() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fakeStatus struct {
	connected bool
}

func (f fakeStatus) IsConnected(whatsapp.SessionIdentity) bool {
	return f.connected
}

type memUsers struct {
	users   []domain.SaasUser
	listErr error
}

func (m *memUsers) GetUser(_ context.Context, id int64) (*domain.SaasUser, error) {
	for i := range m.users {
		if m.users[i].ID == id {
			u := m.users[i]
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) ListUsers(context.Context) ([]domain.SaasUser, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]domain.SaasUser(nil), m.users...), nil
}

type memTemplates struct {
	templates []domain.NotifyTemplate
	err       error
}

func (m *memTemplates) TemplateByName(_ context.Context, name string) (*domain.NotifyTemplate, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.templates {
		if m.templates[i].Name == name {
			return &m.templates[i], nil
		}
	}
	return nil, ErrNotFound
}

func (m *memTemplates) TemplateByEvent(_ context.Context, event string) (*domain.NotifyTemplate, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.templates {
		if ev := m.templates[i].SystemEvent; ev != nil && *ev == event {
			return &m.templates[i], nil
		}
	}
	return nil, ErrNotFound
}

type memLinked map[int64]*domain.WhatsAppSession

func (m memLinked) ConnectedSession(_ context.Context, userID int64) (*domain.WhatsAppSession, error) {
	if s, ok := m[userID]; ok && s.Status == domain.SessionConnected {
		return s, nil
	}
	return nil, ErrNotFound
}

type recorded struct {
	kind   string
	target string
	res    Result
}

type memRecorder struct {
	mu   sync.Mutex
	rows []recorded
}

func (r *memRecorder) Record(_ context.Context, kind, target string, res Result) {
	r.mu.Lock()
	r.rows = append(r.rows, recorded{kind, target, res})
	r.mu.Unlock()
}

func (r *memRecorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.rows...)
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return ctx.Err()
}

func event(name string) *string {
	return &name
}

type testEnv struct {
	sender    *fakeSender
	users     *memUsers
	templates *memTemplates
	linked    memLinked
	recorder  *memRecorder
	pacer     *countingPacer
	connected bool
	noHandle  bool
}

func newTestEnv() *testEnv {
	return &testEnv{
		sender: &fakeSender{failOn: map[string]error{}},
		users: &memUsers{users: []domain.SaasUser{
			{ID: 1, Name: "Asha", Email: "asha@example.com", Phone: "9876543210", Plan: "pro"},
			{ID: 2, Name: "Ravi", Email: "ravi@example.com", Phone: "+91 91234 56789"},
			{ID: 3, Name: "Meera", Email: "meera@example.com", Phone: "00919000000001"},
			{ID: 4, Name: "NoPhone", Email: "nophone@example.com"},
		}},
		templates: &memTemplates{templates: []domain.NotifyTemplate{
			{ID: 10, Name: "greeting", Content: "Hi {{name}}, plan {{plan}}"},
			{ID: 11, Name: "welcome", Content: "Welcome {{ name }} ({{email}})", SystemEvent: event("user_signup")},
		}},
		linked:    memLinked{},
		recorder:  &memRecorder{},
		pacer:     &countingPacer{},
		connected: true,
	}
}

func (e *testEnv) dispatcher() *Dispatcher {
	return NewDispatcher(Options{
		Handles: func(whatsapp.SessionIdentity) (Sender, bool) {
			if e.noHandle {
				return nil, false
			}
			return e.sender, true
		},
		Status:      fakeStatus{connected: e.connected},
		Users:       e.users,
		Templates:   e.templates,
		Linked:      e.linked,
		Recorder:    e.recorder,
		AdminPhone:  "+91 99999 00000",
		Pacer:       e.pacer,
		SendTimeout: time.Second,
	})
}
