package domain

import "time"

// SaasUser is a customer account that receives notifications.
type SaasUser struct {
	ID        int64     `json:"id,string" form:"id"`
	Name      string    `gorm:"index" json:"name" form:"name"`
	Email     string    `gorm:"index" json:"email" form:"email"`
	Phone     string    `json:"phone" form:"phone"` // signup phone, as entered
	Plan      string    `json:"plan" form:"plan"`
	Status    string    `gorm:"index" json:"status" form:"status"`
	Remark    string    `json:"remark" form:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SaasUser) TableName() string {
	return "saas_user"
}
