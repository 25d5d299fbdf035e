package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/adminapi"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/notify"
	"github.com/talkincode/wagate/internal/whatsapp"
	"go.uber.org/zap"
)

var (
	BuildVersion = "latest"
	BuildTime    = ""
)

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	initdb   = flag.Bool("initdb", false, "drop and recreate every table, then exit")
)

func printHelp() {
	if *h {
		ustr := fmt.Sprintf("wagate version: %s, Usage: wagate -h\nOptions:", BuildVersion)
		_, _ = fmt.Fprintln(os.Stderr, ustr)
		flag.PrintDefaults()
		os.Exit(0)
	}
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("wagate %s (%s)\n", BuildVersion, BuildTime)
		os.Exit(0)
	}
	printHelp()

	cfg := config.LoadConfig(*conffile)
	cfg.InitDirs()

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.S().Info("database tables recreated")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wa, err := whatsapp.New(ctx, application)
	if err != nil {
		zap.S().Fatalf("whatsapp service init failed: %v", err)
	}
	nt, err := notify.NewService(application, wa)
	if err != nil {
		wa.Close()
		zap.S().Fatalf("notify service init failed: %v", err)
	}

	wa.BootIdentities(ctx)
	application.StartBackgroundJobs(ctx)

	server := adminapi.NewServer(application, wa, nt)
	go func() {
		if err := server.Start(); err != nil {
			zap.S().Errorf("admin server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	zap.S().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnf("admin server shutdown: %v", err)
	}
	nt.Close()
	wa.Close()
}
