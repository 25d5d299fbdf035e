package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapWaLogger routes whatsmeow logs into the application zap logger.
type zapWaLogger struct {
	*zap.SugaredLogger
}

func NewZapLogger(l *zap.SugaredLogger) waLog.Logger {
	return zapWaLogger{l}
}

func (l zapWaLogger) Sub(module string) waLog.Logger {
	return zapWaLogger{l.SugaredLogger.Named(module)}
}
