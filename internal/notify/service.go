package notify

import (
	"time"

	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
)

// Service bundles the dispatcher with its database stores and the
// background broadcaster.
type Service struct {
	*Dispatcher
	Async *AsyncBroadcaster
	Repo  *GormRepository
}

// NewService builds the dispatcher over the session service and registers
// the broadcast scheduler tasks. Runtime settings override wagate.yml.
func NewService(a app.AppContext, wa *whatsapp.Service) (*Service, error) {
	cfg := a.Config().Notify
	repo := &GormRepository{DB: a.DB()}

	interval := cfg.BroadcastInterval
	if ms := a.GetSettingsInt64Value("notify", "broadcast_interval_ms"); ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	countryCode := cfg.DefaultCountryCode
	if v := a.GetSettingsStringValue("notify", "default_country_code"); v != "" {
		countryCode = v
	}
	adminPhone := cfg.AdminPhone
	if v := a.GetSettingsStringValue("notify", "admin_phone"); v != "" {
		adminPhone = v
	}

	d := NewDispatcher(Options{
		Handles:            SupervisorHandles(wa.Supervisor),
		Status:             wa.Status,
		Users:              repo,
		Templates:          repo,
		Linked:             repo,
		Recorder:           repo,
		Identity:           whatsapp.SessionIdentity(cfg.SessionIdentity),
		DefaultCountryCode: countryCode,
		AdminPhone:         adminPhone,
		Pacer:              NewPacer(interval),
		SendTimeout:        cfg.SendTimeout,
	})
	async, err := NewAsyncBroadcaster(d)
	if err != nil {
		return nil, err
	}
	RegisterTasks(a, d)

	zap.L().Info("notify: dispatcher ready",
		zap.String("identity", cfg.SessionIdentity),
		zap.String("country_code", countryCode),
		zap.Duration("broadcast_interval", interval))
	return &Service{Dispatcher: d, Async: async, Repo: repo}, nil
}

func (s *Service) Close() {
	s.Async.Release()
}
