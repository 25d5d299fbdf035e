package whatsapp

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service wires the session components to the application.
type Service struct {
	app        app.AppContext
	Bus        EventBus.Bus
	Supervisor *Supervisor
	Status     *StatusCache
	Pairing    *PairingBroadcaster
	Hub        *Hub

	closers  []func() error
	cronID   cron.EntryID
	mu       sync.Mutex
	watching map[SessionIdentity]bool
}

// New builds the session service over the application database. Nothing
// is connected until BootIdentities or an explicit Start.
func New(ctx context.Context, a app.AppContext) (*Service, error) {
	cfg := a.Config()
	sqlDB, err := a.DB().DB()
	if err != nil {
		return nil, errors.Wrap(err, "whatsapp: obtain sql.DB")
	}
	factory, err := NewMeowFactory(ctx, sqlDB, cfg.Database.Type)
	if err != nil {
		return nil, err
	}
	svc := &Service{app: a, Bus: EventBus.New(), watching: make(map[SessionIdentity]bool)}

	store, err := svc.sessionStore(cfg)
	if err != nil {
		return nil, err
	}
	svc.Status = NewStatusCache()
	svc.Pairing = NewPairingBroadcaster(svc.Bus, cfg.WhatsApp.QRCooldown)
	svc.Supervisor = NewSupervisor(SupervisorConfig{
		Factory:     factory,
		Store:       store,
		Status:      svc.Status,
		Pairing:     svc.Pairing,
		Bus:         svc.Bus,
		Policy:      NewReconnectPolicy(reconnectOverrides(cfg.WhatsApp.ReconnectDelays), cfg.WhatsApp.ReconnectMaxDelay),
		Inbound:     NewKeywordResponder(cfg.WhatsApp.Keywords),
		InitTimeout: cfg.WhatsApp.InitTimeout,
	})
	if svc.Hub, err = NewHub(svc.Bus, svc.Pairing); err != nil {
		return nil, err
	}
	if err := svc.Bus.SubscribeAsync(RealtimeTopic, svc.syncLinkedSession, true); err != nil {
		return nil, errors.Wrap(err, "whatsapp: subscribe linked session sync")
	}
	if sched := a.Scheduler(); sched != nil {
		svc.cronID, err = sched.AddFunc("@every 1m", svc.watchdog)
		if err != nil {
			zap.S().Errorf("whatsapp: init watchdog job error %s", err.Error())
		}
	}
	zap.L().Info("whatsapp: service initialized",
		zap.String("session_store", cfg.WhatsApp.SessionStore),
		zap.String("driver", cfg.Database.Type))
	return svc, nil
}

func (s *Service) sessionStore(cfg *config.AppConfig) (SessionStore, error) {
	switch strings.ToLower(cfg.WhatsApp.SessionStore) {
	case "file":
		return NewFileSessionStore(cfg.GetSessionDir()), nil
	case "bolt":
		bs, err := OpenBoltSessionStore(path.Join(cfg.GetDataDir(), "sessions.bolt"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, bs.Close)
		return bs, nil
	default:
		return &GormSessionStore{DB: s.app.DB()}, nil
	}
}

func reconnectOverrides(delays map[string]time.Duration) map[DisconnectReason]time.Duration {
	out := make(map[DisconnectReason]time.Duration, len(delays))
	for name, d := range delays {
		r, ok := ParseDisconnectReason(name)
		if !ok {
			zap.L().Warn("whatsapp: unknown reconnect delay key", zap.String("reason", name))
			continue
		}
		out[r] = d
	}
	return out
}

// BootIdentities starts the configured identities plus every identity a
// user has linked. Failures are logged; the watchdog retries them.
func (s *Service) BootIdentities(ctx context.Context) {
	for _, id := range s.bootList() {
		s.watch(id)
		go func(id SessionIdentity) {
			if _, err := s.Supervisor.Start(ctx, id); err != nil {
				zap.L().Warn("whatsapp: boot start failed",
					zap.String("identity", string(id)), zap.Error(err))
			}
		}(id)
	}
}

func (s *Service) bootList() []SessionIdentity {
	seen := make(map[SessionIdentity]bool)
	var ids []SessionIdentity
	add := func(raw string) {
		id := SessionIdentity(strings.TrimSpace(raw))
		if id == "" || seen[id] {
			return
		}
		if !ValidIdentity(id) {
			zap.L().Warn("whatsapp: skipping invalid identity", zap.String("identity", raw))
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, raw := range s.app.Config().WhatsApp.Identities {
		add(raw)
	}
	var linked []string
	if err := s.app.DB().Model(&domain.WhatsAppSession{}).
		Where("status = ?", domain.SessionConnected).
		Distinct().Pluck("identity", &linked).Error; err != nil {
		zap.L().Warn("whatsapp: list linked sessions failed", zap.Error(err))
	}
	for _, raw := range linked {
		add(raw)
	}
	return ids
}

// watch marks identity as one the watchdog keeps alive.
func (s *Service) watch(id SessionIdentity) {
	s.mu.Lock()
	if s.watching == nil {
		s.watching = make(map[SessionIdentity]bool)
	}
	s.watching[id] = true
	s.mu.Unlock()
}

// Start starts identity on operator request and keeps it watched.
func (s *Service) Start(ctx context.Context, id SessionIdentity) (*SessionHandle, error) {
	h, err := s.Supervisor.Start(ctx, id)
	if err == nil {
		s.watch(id)
	}
	return h, err
}

// watchdog restarts watched identities that closed with no reconnect pending.
func (s *Service) watchdog() {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("whatsapp: watchdog panic: %v", r)
		}
	}()
	if !s.app.GetSettingsBoolValue("whatsapp", "watchdog_enabled") {
		return
	}
	s.mu.Lock()
	ids := make([]SessionIdentity, 0, len(s.watching))
	for id := range s.watching {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if !s.Supervisor.Stalled(id) {
			continue
		}
		zap.L().Info("whatsapp: watchdog restarting session", zap.String("identity", string(id)))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := s.Supervisor.Start(ctx, id); err != nil {
			zap.L().Warn("whatsapp: watchdog restart failed",
				zap.String("identity", string(id)), zap.Error(err))
		}
		cancel()
	}
}

// syncLinkedSession mirrors connection changes into wa_session rows so the
// dispatcher can prefer a user's own connected account.
func (s *Service) syncLinkedSession(ev RealtimeEvent) {
	var updates map[string]interface{}
	switch ev.Type {
	case EventSessionConnected:
		updates = map[string]interface{}{
			"status":     domain.SessionConnected,
			"updated_at": time.Now(),
		}
		if ev.AddressLabel != "" {
			updates["phone"] = ev.AddressLabel
			updates["jid"] = ev.AddressLabel + "@s.whatsapp.net"
		}
	case EventSessionDisconnected:
		updates = map[string]interface{}{
			"status":     domain.SessionDisconnected,
			"updated_at": time.Now(),
		}
	default:
		return
	}
	err := s.app.DB().Model(&domain.WhatsAppSession{}).
		Where("identity = ?", string(ev.Identity)).
		Updates(updates).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		zap.L().Warn("whatsapp: update linked session failed",
			zap.String("identity", string(ev.Identity)), zap.Error(err))
	}
}

// Close stops every session and releases the stores. Credentials are kept.
func (s *Service) Close() {
	if sched := s.app.Scheduler(); sched != nil && s.cronID != 0 {
		sched.Remove(s.cronID)
	}
	_ = s.Bus.Unsubscribe(RealtimeTopic, s.syncLinkedSession)
	s.Hub.Close()
	s.Supervisor.Shutdown()
	for _, c := range s.closers {
		if err := c(); err != nil {
			zap.L().Warn("whatsapp: close store", zap.Error(err))
		}
	}
}
