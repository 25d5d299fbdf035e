package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) *GormRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notify.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &GormRepository{DB: db}
}

func TestGormRepositoryUsers(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	users := []domain.SaasUser{
		{ID: 1, Name: "Asha", Phone: "9876543210", Status: common.ENABLED, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: 2, Name: "Ravi", Status: common.DISABLED, CreatedAt: now.Add(-time.Hour)},
		{ID: 3, Name: "Meera", Status: "", CreatedAt: now},
	}
	if err := repo.DB.Create(&users).Error; err != nil {
		t.Fatal(err)
	}

	u, err := repo.GetUser(context.Background(), 2)
	if err != nil || u.Name != "Ravi" {
		t.Fatalf("GetUser = %+v, %v", u, err)
	}
	if _, err := repo.GetUser(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user err = %v", err)
	}

	list, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 3 {
		t.Fatalf("ListUsers = %+v", list)
	}
}

func TestGormRepositoryTemplates(t *testing.T) {
	repo := newTestRepository(t)
	tpls := []domain.NotifyTemplate{
		{ID: 1, Name: "greeting", Content: "Hi {{name}}"},
		{ID: 2, Name: "welcome", Content: "Welcome", SystemEvent: event("user_signup")},
	}
	if err := repo.DB.Create(&tpls).Error; err != nil {
		t.Fatal(err)
	}
	if tpl, err := repo.TemplateByName(context.Background(), "greeting"); err != nil || tpl.ID != 1 {
		t.Fatalf("by name = %+v, %v", tpl, err)
	}
	if tpl, err := repo.TemplateByEvent(context.Background(), "user_signup"); err != nil || tpl.Name != "welcome" {
		t.Fatalf("by event = %+v, %v", tpl, err)
	}
	if _, err := repo.TemplateByEvent(context.Background(), "plan_expiring"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing event err = %v", err)
	}
}

func TestGormRepositoryLinkedSessions(t *testing.T) {
	repo := newTestRepository(t)
	rows := []domain.WhatsAppSession{
		{ID: 1, UserId: 7, Identity: "user-7", Phone: "917000000001", Status: domain.SessionDisconnected},
		{ID: 2, UserId: 8, Identity: "user-8", Phone: "918000000001", Status: domain.SessionConnected},
	}
	if err := repo.DB.Create(&rows).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := repo.ConnectedSession(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disconnected session err = %v", err)
	}
	sess, err := repo.ConnectedSession(context.Background(), 8)
	if err != nil || sess.Phone != "918000000001" {
		t.Fatalf("connected session = %+v, %v", sess, err)
	}
}

func TestGormRepositoryRecord(t *testing.T) {
	repo := newTestRepository(t)
	repo.Record(context.Background(), KindPlain, "user:1", succeeded("919876543210"))
	repo.Record(context.Background(), KindPlain, "user:2", failed(NoPhoneAvailable, "", "user:2 has no phone"))

	var logs []domain.NotifyLog
	if err := repo.DB.Order("target").Find(&logs).Error; err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %+v", logs)
	}
	if !logs[0].Success || logs[0].Destination != "919876543210" {
		t.Fatalf("success row = %+v", logs[0])
	}
	if logs[1].Success || logs[1].ErrorKind != string(NoPhoneAvailable) {
		t.Fatalf("failure row = %+v", logs[1])
	}
}
