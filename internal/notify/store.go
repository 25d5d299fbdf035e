package notify

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/domain"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("notify: not found")

// UserStore reads the users notifications are addressed to.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*domain.SaasUser, error)
	// ListUsers returns every user eligible for broadcasts.
	ListUsers(ctx context.Context) ([]domain.SaasUser, error)
}

// TemplateStore resolves templates by name or bound system event.
type TemplateStore interface {
	TemplateByName(ctx context.Context, name string) (*domain.NotifyTemplate, error)
	TemplateByEvent(ctx context.Context, event string) (*domain.NotifyTemplate, error)
}

// LinkedSessionStore finds the WhatsApp account a user linked on their own.
type LinkedSessionStore interface {
	// ConnectedSession returns ErrNotFound when the user has no connected session.
	ConnectedSession(ctx context.Context, userID int64) (*domain.WhatsAppSession, error)
}

// Recorder keeps an audit trail of results.
type Recorder interface {
	Record(ctx context.Context, kind, target string, res Result)
}
