package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out consecutive sends of a broadcast.
type Pacer interface {
	Wait(ctx context.Context) error
}

type noPacer struct{}

func (noPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}

// NewPacer allows one send per interval. A zero interval never waits.
func NewPacer(interval time.Duration) Pacer {
	if interval <= 0 {
		return noPacer{}
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
