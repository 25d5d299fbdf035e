package notify

import (
	"context"
	"testing"
	"time"
)

func TestNewPacer(t *testing.T) {
	p := NewPacer(0)
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	p = NewPacer(30 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("three paced waits took %v", elapsed)
	}
}

func TestPacerHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewPacer(0).Wait(ctx); err == nil {
		t.Fatal("no-op pacer ignored cancellation")
	}
	if err := NewPacer(time.Hour).Wait(ctx); err == nil {
		t.Fatal("pacer ignored cancellation")
	}
}
