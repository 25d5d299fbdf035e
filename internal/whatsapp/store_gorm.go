package whatsapp

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSessionStore keeps blobs in the wa_credential table of the application database.
type GormSessionStore struct {
	DB *gorm.DB
}

func (s *GormSessionStore) Load(ctx context.Context, identity SessionIdentity) ([]byte, error) {
	var row domain.WhatsAppCredential
	err := s.DB.WithContext(ctx).Where("identity = ?", string(identity)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, errors.Wrapf(err, "whatsapp: load session %s", identity)
	}
	if len(row.Blob) == 0 {
		return nil, ErrNoCredentials
	}
	return row.Blob, nil
}

func (s *GormSessionStore) Save(ctx context.Context, identity SessionIdentity, blob []byte) error {
	now := time.Now()
	row := domain.WhatsAppCredential{
		ID:        common.UUIDint64(),
		Identity:  string(identity),
		Blob:      blob,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"blob", "updated_at"}),
	}).Create(&row).Error
	return errors.Wrapf(err, "whatsapp: save session %s", identity)
}

func (s *GormSessionStore) Delete(ctx context.Context, identity SessionIdentity) error {
	err := s.DB.WithContext(ctx).Where("identity = ?", string(identity)).Delete(&domain.WhatsAppCredential{}).Error
	return errors.Wrapf(err, "whatsapp: delete session %s", identity)
}
