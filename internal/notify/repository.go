package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormRepository serves every notify store from the application database.
type GormRepository struct {
	DB *gorm.DB
}

var (
	_ UserStore          = (*GormRepository)(nil)
	_ TemplateStore      = (*GormRepository)(nil)
	_ LinkedSessionStore = (*GormRepository)(nil)
	_ Recorder           = (*GormRepository)(nil)
)

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func (r *GormRepository) GetUser(ctx context.Context, id int64) (*domain.SaasUser, error) {
	var u domain.SaasUser
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return &u, nil
}

// ListUsers returns every user that is not disabled, oldest first.
func (r *GormRepository) ListUsers(ctx context.Context) ([]domain.SaasUser, error) {
	var users []domain.SaasUser
	err := r.DB.WithContext(ctx).
		Where("status <> ?", common.DISABLED).
		Order("created_at asc, id asc").
		Find(&users).Error
	return users, errors.Wrap(err, "list users")
}

func (r *GormRepository) TemplateByName(ctx context.Context, name string) (*domain.NotifyTemplate, error) {
	var tpl domain.NotifyTemplate
	if err := r.DB.WithContext(ctx).Where("name = ?", name).First(&tpl).Error; err != nil {
		return nil, notFound(err, "template %q", name)
	}
	return &tpl, nil
}

func (r *GormRepository) TemplateByEvent(ctx context.Context, event string) (*domain.NotifyTemplate, error) {
	var tpl domain.NotifyTemplate
	if err := r.DB.WithContext(ctx).Where("system_event = ?", event).First(&tpl).Error; err != nil {
		return nil, notFound(err, "template for event %q", event)
	}
	return &tpl, nil
}

func (r *GormRepository) ConnectedSession(ctx context.Context, userID int64) (*domain.WhatsAppSession, error) {
	var sess domain.WhatsAppSession
	err := r.DB.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.SessionConnected).
		Order("updated_at desc").
		First(&sess).Error
	if err != nil {
		return nil, notFound(err, "linked session of user %d", userID)
	}
	return &sess, nil
}

// Record appends one row to notify_log. Failures are logged, never returned.
func (r *GormRepository) Record(ctx context.Context, kind, target string, res Result) {
	row := domain.NotifyLog{
		ID:          common.UUIDint64(),
		Kind:        kind,
		Target:      target,
		Destination: res.Destination,
		Success:     res.Success,
		ErrorKind:   string(res.Kind),
		Message:     res.Detail,
		CreatedAt:   time.Now(),
	}
	if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
		zap.L().Warn("notify: write notify_log failed", zap.String("kind", kind), zap.Error(err))
	}
}
