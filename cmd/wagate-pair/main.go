// Command wagate-pair links a session identity from the terminal. It prints
// every pairing code as a QR code and exits once the session opens.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
)

var (
	conffile = flag.String("c", "", "config yaml file")
	identity = flag.String("identity", string(whatsapp.Admin), "session identity to pair")
	timeout  = flag.Duration("timeout", 5*time.Minute, "give up after this long")
)

func main() {
	flag.Parse()
	id := whatsapp.SessionIdentity(*identity)
	if !whatsapp.ValidIdentity(id) {
		fmt.Fprintf(os.Stderr, "invalid identity %q\n", *identity)
		os.Exit(2)
	}

	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	cfg := config.LoadConfig(*conffile)
	cfg.InitDirs()
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	svc, err := whatsapp.New(ctx, application)
	if err != nil {
		zap.S().Fatalf("whatsapp service init failed: %v", err)
	}
	defer svc.Close()

	events := make(chan whatsapp.RealtimeEvent, 16)
	forward := func(ev whatsapp.RealtimeEvent) {
		if ev.Identity != id {
			return
		}
		select {
		case events <- ev:
		default:
		}
	}
	var subErr error
	svc.Pairing.WithSnapshot(id, func(snaps []whatsapp.Snapshot) {
		for _, snap := range snaps {
			for _, ev := range snap.Events(time.Now()) {
				forward(ev)
			}
		}
		subErr = svc.Bus.SubscribeAsync(whatsapp.RealtimeTopic, forward, false)
	})
	if subErr != nil {
		zap.S().Fatalf("subscribe realtime events: %v", subErr)
	}
	defer func() { _ = svc.Bus.Unsubscribe(whatsapp.RealtimeTopic, forward) }()

	if _, err := svc.Start(ctx, id); err != nil {
		zap.S().Fatalf("start %s: %v", id, err)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "%s not paired: %v\n", id, ctx.Err())
			exitCode = 1
			return
		case ev := <-events:
			switch ev.Type {
			case whatsapp.EventPairingAvailable:
				fmt.Printf("Scan with WhatsApp to link %s:\n", id)
				qrterminal.GenerateHalfBlock(ev.Payload, qrterminal.L, os.Stdout)
			case whatsapp.EventSessionConnected:
				fmt.Printf("%s linked as %s\n", id, ev.AddressLabel)
				return
			}
		}
	}
}
