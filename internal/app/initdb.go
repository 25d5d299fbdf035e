package app

import (
	"errors"
	"strings"
	"time"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	superUsername        = "admin"
	defaultSuperPassword = "wagate"
)

// HashPassword returns the bcrypt hash stored for operators.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (a *Application) checkSuper() {
	var operator domain.SysOpr
	err := a.gormDB.Where("username = ?", superUsername).First(&operator).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hashed, herr := HashPassword(defaultSuperPassword)
		if herr != nil {
			zap.L().Error("failed to hash default super admin password", zap.Error(herr))
			return
		}
		if err := a.gormDB.Create(&domain.SysOpr{
			ID:        common.UUIDint64(),
			Realname:  "administrator",
			Mobile:    "0000",
			Email:     common.NA,
			Username:  superUsername,
			Password:  hashed,
			Level:     "super",
			Status:    common.ENABLED,
			Remark:    "super",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(operator.Password) == ""
	resetLevel := !strings.EqualFold(operator.Level, "super")
	resetStatus := !strings.EqualFold(operator.Status, common.ENABLED)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		hashed, herr := HashPassword(defaultSuperPassword)
		if herr != nil {
			zap.L().Error("failed to hash default super admin password", zap.Error(herr))
			return
		}
		updates["password"] = hashed
	}
	if resetLevel {
		updates["level"] = "super"
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}

	if err := a.gormDB.Model(&domain.SysOpr{}).Where("id = ?", operator.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}

func (a *Application) checkSettings() {
	schemas, err := loadSchemas()
	if err != nil {
		zap.L().Error("failed to load config schemas from JSON", zap.Error(err))
		return
	}

	for sortid, schema := range schemas {
		// "category.name" -> category, name
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}
		category, name := parts[0], parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)
		if count > 0 {
			continue
		}
		value := schema.Default
		// seed from the static config so a first boot honours wagate.yml
		switch schema.Key {
		case "notify.admin_phone":
			value = a.appConfig.Notify.AdminPhone
		case "notify.default_country_code":
			value = a.appConfig.Notify.DefaultCountryCode
		}
		a.gormDB.Create(&domain.SysConfig{
			ID:     common.UUIDint64(),
			Sort:   sortid,
			Type:   category,
			Name:   name,
			Value:  value,
			Remark: schema.Description,
		})
		zap.L().Info("initialized config",
			zap.String("key", schema.Key),
			zap.String("default", value))
	}
}

// System events a template can be bound to.
const (
	EventUserSignup      = "user_signup"
	EventPlanExpiring    = "plan_expiring"
	EventPaymentReceived = "payment_received"
)

// checkTemplates seeds one template per system event.
func (a *Application) checkTemplates() {
	seed := func(name, event, content string) domain.NotifyTemplate {
		ev := event
		return domain.NotifyTemplate{
			Name:        name,
			Category:    "system",
			Content:     content,
			SystemEvent: &ev,
			Remark:      "default",
		}
	}
	defaults := []domain.NotifyTemplate{
		seed("welcome", EventUserSignup, "Hi {{name}}, welcome aboard! Your {{plan}} plan is active."),
		seed("plan-expiring", EventPlanExpiring, "Hi {{name}}, your {{plan}} plan expires on {{expire_date}}."),
		seed("payment-received", EventPaymentReceived, "Hi {{name}}, we received your payment of {{amount}}. Thank you!"),
	}
	for _, tpl := range defaults {
		var count int64
		a.gormDB.Model(&domain.NotifyTemplate{}).
			Where("name = ? or system_event = ?", tpl.Name, *tpl.SystemEvent).
			Count(&count)
		if count > 0 {
			continue
		}
		tpl.ID = common.UUIDint64()
		if err := a.gormDB.Create(&tpl).Error; err != nil {
			zap.L().Error("failed to create default template", zap.String("name", tpl.Name), zap.Error(err))
		} else {
			zap.L().Info("initialized default template", zap.String("name", tpl.Name))
		}
	}
}

// checkSchedulers initializes default scheduled tasks
func (a *Application) checkSchedulers() {
	defaultSchedulers := []domain.NotifyScheduler{
		{
			Name:     "Plan expiry reminder",
			TaskType: "broadcast_event",
			Interval: 86400, // 1 day
			Status:   common.DISABLED,
			Config:   `{"event":"plan_expiring"}`,
			Remark:   "Broadcasts the plan_expiring template to every user",
		},
	}

	for _, sched := range defaultSchedulers {
		var count int64
		a.gormDB.Model(&domain.NotifyScheduler{}).
			Where("name = ?", sched.Name).
			Count(&count)
		if count > 0 {
			continue
		}
		sched.ID = common.UUIDint64()
		sched.NextRunAt = time.Now().Add(time.Duration(sched.Interval) * time.Second)
		if err := a.gormDB.Create(&sched).Error; err != nil {
			zap.L().Error("failed to create default scheduler",
				zap.String("name", sched.Name),
				zap.Error(err))
		} else {
			zap.L().Info("initialized default scheduler",
				zap.String("name", sched.Name),
				zap.String("task_type", sched.TaskType))
		}
	}
}
