package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pair_sync/internal/config"
	"pair_sync/internal/service/app"
	"pair_sync/internal/service/reconnect"
	"pair_sync/internal/utils/log"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: client [-config file] <name@number> [partner@number]")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	secret := flag.Arg(0)
	partnerSecret := flag.Arg(1)

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// The terminal belongs to the UI, logs go to a file
	if err := log.Init(cfg.Log.Level, cfg.Log.Development, cfg.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	api, err := app.NewAPI(cfg.ServerURL, secret)
	if err != nil {
		log.Fatal("invalid server url", zap.Error(err))
	}
	a := app.NewApp(api, reconnect.Options{
		BaseDelay:   cfg.BaseDelay,
		MaxAttempts: cfg.MaxAttempts,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Run(runCtx, partnerSecret); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
