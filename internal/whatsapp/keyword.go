package whatsapp

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// KeywordResponder answers inbound messages whose whole text matches a
// configured keyword (case insensitive).
type KeywordResponder struct {
	replies map[string]string
}

func NewKeywordResponder(keywords map[string]string) *KeywordResponder {
	replies := make(map[string]string, len(keywords))
	for k, v := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && v != "" {
			replies[k] = v
		}
	}
	return &KeywordResponder{replies: replies}
}

func (k *KeywordResponder) Reply(text string) (string, bool) {
	reply, ok := k.replies[strings.ToLower(strings.TrimSpace(text))]
	return reply, ok
}

func (k *KeywordResponder) HandleInbound(ctx context.Context, handle *SessionHandle, msg MessageReceived) {
	reply, ok := k.Reply(msg.Text)
	if !ok {
		return
	}
	if err := handle.SendText(ctx, msg.From, reply); err != nil {
		zap.L().Warn("whatsapp: keyword reply failed",
			zap.String("identity", string(handle.Identity)),
			zap.String("from", msg.From), zap.Error(err))
	}
}
