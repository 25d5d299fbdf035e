package domain

import "time"

// Linked session states
const (
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
)

// WhatsAppSession records the WhatsApp account a user linked on their own.
// A connected row takes precedence over the signup phone when notifying the user.
type WhatsAppSession struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	UserId    int64     `json:"user_id,string" gorm:"index"`
	Identity  string    `json:"identity" gorm:"index;size:128"`
	Jid       string    `json:"jid"`
	Phone     string    `json:"phone"`
	Status    string    `json:"status"` // connected, disconnected
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "wa_session"
}

// WhatsAppCredential holds the credentials blob of one session identity.
type WhatsAppCredential struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Identity  string    `json:"identity" gorm:"uniqueIndex;size:128"`
	Blob      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WhatsAppCredential) TableName() string {
	return "wa_credential"
}
