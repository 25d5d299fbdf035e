package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/internal/whatsapp"
	"github.com/talkincode/wagate/pkg/common"
	"github.com/talkincode/wagate/pkg/metrics"
	"go.uber.org/zap"
)

const defaultSendTimeout = 20 * time.Second

// Sender is the send capability borrowed from a live session.
type Sender interface {
	SendText(ctx context.Context, address, text string) error
}

// HandleFunc looks up the live sender of an identity without initializing it.
type HandleFunc func(identity whatsapp.SessionIdentity) (Sender, bool)

// SupervisorHandles borrows handles from s on every call.
func SupervisorHandles(s *whatsapp.Supervisor) HandleFunc {
	return func(identity whatsapp.SessionIdentity) (Sender, bool) {
		h, ok := s.GetHandle(identity)
		if !ok {
			return nil, false
		}
		return h, true
	}
}

// StatusSource answers whether a session can send right now.
type StatusSource interface {
	IsConnected(identity whatsapp.SessionIdentity) bool
}

type destKind int

const (
	destPhone destKind = iota
	destUser
	destAdmin
)

// Destination says who a plain message goes to.
type Destination struct {
	kind   destKind
	userID int64
	phone  string
}

func ToUser(id int64) Destination {
	return Destination{kind: destUser, userID: id}
}

func ToPhone(raw string) Destination {
	return Destination{kind: destPhone, phone: raw}
}

func ToAdmin() Destination {
	return Destination{kind: destAdmin}
}

func (d Destination) String() string {
	switch d.kind {
	case destUser:
		return userTarget(d.userID)
	case destAdmin:
		return "admin"
	default:
		return "phone:" + common.MaskSecret(d.phone)
	}
}

func userTarget(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

// Notification kinds, used for metrics and the audit log.
const (
	KindPlain             = "plain"
	KindNamedTemplate     = "named-template"
	KindSystemEvent       = "system-event-template"
	KindBroadcastTemplate = "broadcast-named-template"
	KindBroadcastEvent    = "broadcast-system-event-template"
)

// Options configures a Dispatcher.
type Options struct {
	Handles            HandleFunc
	Status             StatusSource
	Users              UserStore
	Templates          TemplateStore
	Linked             LinkedSessionStore
	Recorder           Recorder
	Identity           whatsapp.SessionIdentity
	DefaultCountryCode string
	AdminPhone         string
	Pacer              Pacer
	SendTimeout        time.Duration
}

// Dispatcher is the only path that sends outbound WhatsApp messages.
// Every operation returns a Result; nothing is queued or retried.
type Dispatcher struct {
	handles     HandleFunc
	status      StatusSource
	users       UserStore
	templates   TemplateStore
	linked      LinkedSessionStore
	recorder    Recorder
	identity    whatsapp.SessionIdentity
	countryCode string
	adminPhone  string
	pacer       Pacer
	sendTimeout time.Duration

	broadcastMu sync.Mutex
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Identity == "" {
		opts.Identity = whatsapp.Admin
	}
	if opts.DefaultCountryCode == "" {
		opts.DefaultCountryCode = DefaultCountryCode
	}
	if opts.Pacer == nil {
		opts.Pacer = noPacer{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Dispatcher{
		handles:     opts.Handles,
		status:      opts.Status,
		users:       opts.Users,
		templates:   opts.Templates,
		linked:      opts.Linked,
		recorder:    opts.Recorder,
		identity:    opts.Identity,
		countryCode: opts.DefaultCountryCode,
		adminPhone:  opts.AdminPhone,
		pacer:       opts.Pacer,
		sendTimeout: opts.SendTimeout,
	}
}

// Identity returns the session identity messages are sent from.
func (d *Dispatcher) Identity() whatsapp.SessionIdentity {
	return d.identity
}

func (d *Dispatcher) SendPlain(ctx context.Context, dest Destination, text string) Result {
	res := d.sendPlain(ctx, dest, text)
	d.record(ctx, KindPlain, dest.String(), res)
	return res
}

// SendToAdmin sends text to the configured admin phone.
func (d *Dispatcher) SendToAdmin(ctx context.Context, text string) Result {
	return d.SendPlain(ctx, ToAdmin(), text)
}

func (d *Dispatcher) SendNamedTemplate(ctx context.Context, userID int64, name string, vars map[string]interface{}) Result {
	res := d.sendWithTemplate(ctx, userID, func() (*domain.NotifyTemplate, Result, bool) {
		return d.templateByName(ctx, name)
	}, vars)
	d.record(ctx, KindNamedTemplate, userTarget(userID), res)
	return res
}

func (d *Dispatcher) SendSystemEventTemplate(ctx context.Context, userID int64, event string, vars map[string]interface{}) Result {
	res := d.sendWithTemplate(ctx, userID, func() (*domain.NotifyTemplate, Result, bool) {
		return d.templateByEvent(ctx, event)
	}, vars)
	d.record(ctx, KindSystemEvent, userTarget(userID), res)
	return res
}

func (d *Dispatcher) BroadcastNamedTemplate(ctx context.Context, name string, vars map[string]interface{}) BroadcastReport {
	tpl, res, ok := d.templateByName(ctx, name)
	if !ok {
		zap.L().Warn("notify: broadcast aborted", zap.String("template", name), zap.String("reason", res.Detail))
		return BroadcastReport{Error: res.Kind}
	}
	return d.broadcast(ctx, KindBroadcastTemplate, tpl, vars)
}

func (d *Dispatcher) BroadcastSystemEventTemplate(ctx context.Context, event string, vars map[string]interface{}) BroadcastReport {
	tpl, res, ok := d.templateByEvent(ctx, event)
	if !ok {
		zap.L().Warn("notify: broadcast aborted", zap.String("event", event), zap.String("reason", res.Detail))
		return BroadcastReport{Error: res.Kind}
	}
	return d.broadcast(ctx, KindBroadcastEvent, tpl, vars)
}

// broadcast sends tpl to every user, one at a time, spaced by the pacer.
// A failed user never stops the loop; a cancelled ctx does.
func (d *Dispatcher) broadcast(ctx context.Context, kind string, tpl *domain.NotifyTemplate, vars map[string]interface{}) BroadcastReport {
	d.broadcastMu.Lock()
	defer d.broadcastMu.Unlock()

	var report BroadcastReport
	users, err := d.users.ListUsers(ctx)
	if err != nil {
		zap.L().Error("notify: list users for broadcast", zap.String("template", tpl.Name), zap.Error(err))
		report.Error = StoreUnavailable
		return report
	}
	start := time.Now()
	for i := range users {
		if err := d.pacer.Wait(ctx); err != nil {
			zap.L().Warn("notify: broadcast interrupted",
				zap.String("template", tpl.Name),
				zap.Int("remaining", len(users)-i),
				zap.Error(err))
			break
		}
		u := &users[i]
		res := d.safeSend(ctx, u, tpl, vars)
		d.record(ctx, kind, userTarget(u.ID), res)
		report.add(res)
	}
	zap.L().Info("notify: broadcast finished",
		zap.String("kind", kind),
		zap.String("template", tpl.Name),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Duration("took", time.Since(start)))
	return report
}

func (d *Dispatcher) safeSend(ctx context.Context, u *domain.SaasUser, tpl *domain.NotifyTemplate, vars map[string]interface{}) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("notify: send to user %d panic: %v", u.ID, r)
			res = failed(SendFailed, "", fmt.Sprint(r))
		}
	}()
	return d.sendTemplate(ctx, u, tpl, vars)
}

func (d *Dispatcher) sendWithTemplate(ctx context.Context, userID int64, lookup func() (*domain.NotifyTemplate, Result, bool), vars map[string]interface{}) Result {
	tpl, res, ok := lookup()
	if !ok {
		return res
	}
	user, res, ok := d.user(ctx, userID)
	if !ok {
		return res
	}
	return d.sendTemplate(ctx, user, tpl, vars)
}

func (d *Dispatcher) sendTemplate(ctx context.Context, user *domain.SaasUser, tpl *domain.NotifyTemplate, vars map[string]interface{}) Result {
	address, res, ok := d.userAddress(ctx, user)
	if !ok {
		return res
	}
	return d.deliver(ctx, address, Render(tpl.Content, mergeVars(baseVars(user), vars)))
}

func baseVars(u *domain.SaasUser) map[string]interface{} {
	return map[string]interface{}{
		"name":  u.Name,
		"email": u.Email,
		"phone": u.Phone,
	}
}

func (d *Dispatcher) sendPlain(ctx context.Context, dest Destination, text string) Result {
	if !d.connected() {
		return failed(NoActiveSession, "", "session "+string(d.identity)+" is not connected")
	}
	var raw string
	switch dest.kind {
	case destUser:
		user, res, ok := d.user(ctx, dest.userID)
		if !ok {
			return res
		}
		address, res, ok := d.userAddress(ctx, user)
		if !ok {
			return res
		}
		return d.deliver(ctx, address, text)
	case destAdmin:
		raw = d.adminPhone
	default:
		raw = dest.phone
	}
	address, err := NormalizePhone(raw, d.countryCode)
	if err != nil {
		return failed(InvalidDestination, "", err.Error())
	}
	return d.deliver(ctx, address, text)
}

func (d *Dispatcher) connected() bool {
	return d.status != nil && d.status.IsConnected(d.identity)
}

// deliver sends text through the live session of the dispatcher identity.
func (d *Dispatcher) deliver(ctx context.Context, address, text string) Result {
	if !d.connected() {
		return failed(NoActiveSession, address, "session "+string(d.identity)+" is not connected")
	}
	var sender Sender
	ok := false
	if d.handles != nil {
		sender, ok = d.handles(d.identity)
	}
	if !ok {
		return failed(NoActiveSession, address, "no live client for "+string(d.identity))
	}

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.Errorf("send panic: %v", r)
			}
		}()
		done <- sender.SendText(ctx, address, text)
	}()

	select {
	case err := <-done:
		if err != nil {
			return failed(SendFailed, address, err.Error())
		}
		return succeeded(address)
	case <-ctx.Done():
		return failed(SendFailed, address, errors.Wrap(ctx.Err(), "send").Error())
	}
}

func (d *Dispatcher) user(ctx context.Context, id int64) (*domain.SaasUser, Result, bool) {
	if d.users == nil {
		return nil, failed(InvalidDestination, "", "no user store"), false
	}
	u, err := d.users.GetUser(ctx, id)
	if err != nil {
		return nil, failed(InvalidDestination, "", errors.Wrapf(err, "user %d", id).Error()), false
	}
	return u, Result{}, true
}

// userAddress applies the precedence: connected linked session, then
// signup phone.
func (d *Dispatcher) userAddress(ctx context.Context, u *domain.SaasUser) (string, Result, bool) {
	if d.linked != nil {
		sess, err := d.linked.ConnectedSession(ctx, u.ID)
		switch {
		case err == nil && sess != nil:
			raw := sess.Phone
			if raw == "" {
				raw = jidUser(sess.Jid)
			}
			if address, err := NormalizePhone(raw, d.countryCode); err == nil {
				return address, Result{}, true
			}
			zap.L().Warn("notify: linked session has no usable address",
				zap.Int64("user_id", u.ID), zap.String("identity", sess.Identity))
		case err != nil && !errors.Is(err, ErrNotFound):
			zap.L().Warn("notify: linked session lookup failed", zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}
	if common.IsEmptyOrNA(u.Phone) {
		return "", failed(NoPhoneAvailable, "", userTarget(u.ID)+" has no phone"), false
	}
	address, err := NormalizePhone(u.Phone, d.countryCode)
	if err != nil {
		return "", failed(InvalidDestination, "", err.Error()), false
	}
	return address, Result{}, true
}

// jidUser extracts the number of "919876543210:12@s.whatsapp.net".
func jidUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

func (d *Dispatcher) templateByName(ctx context.Context, name string) (*domain.NotifyTemplate, Result, bool) {
	if d.templates == nil {
		return nil, failed(TemplateNotFound, "", "no template store"), false
	}
	tpl, err := d.templates.TemplateByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, failed(TemplateNotFound, "", errors.Wrapf(err, "template %q", name).Error()), false
	}
	if err != nil {
		return nil, failed(StoreUnavailable, "", errors.Wrapf(err, "template %q", name).Error()), false
	}
	return tpl, Result{}, true
}

func (d *Dispatcher) templateByEvent(ctx context.Context, event string) (*domain.NotifyTemplate, Result, bool) {
	if d.templates == nil {
		return nil, failed(NoTemplateForEvent, "", "no template store"), false
	}
	tpl, err := d.templates.TemplateByEvent(ctx, event)
	if errors.Is(err, ErrNotFound) {
		return nil, failed(NoTemplateForEvent, "", errors.Wrapf(err, "event %q", event).Error()), false
	}
	if err != nil {
		return nil, failed(StoreUnavailable, "", errors.Wrapf(err, "event %q", event).Error()), false
	}
	return tpl, Result{}, true
}

func (d *Dispatcher) record(ctx context.Context, kind, target string, res Result) {
	metrics.Notifications.WithLabelValues(kind, res.Kind.String()).Inc()
	if res.Success {
		zap.L().Debug("notify: sent", zap.String("kind", kind), zap.String("target", target))
	} else {
		zap.L().Info("notify: not delivered",
			zap.String("kind", kind),
			zap.String("target", target),
			zap.String("error_kind", string(res.Kind)),
			zap.String("detail", res.Detail))
	}
	if d.recorder != nil {
		d.recorder.Record(context.WithoutCancel(ctx), kind, target, res)
	}
}
