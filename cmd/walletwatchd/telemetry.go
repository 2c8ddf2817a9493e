package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"walletwatch-backend/lib/serviceutil"
	"walletwatch-backend/lib/telemetry"

	"github.com/lmittmann/tint"
)

func initSlog(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
}

func InitTelemetry(ctx context.Context, verbose bool) {
	t, err := telemetry.SetupFromEnv(ctx, "walletwatchd")
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	go func() {
		<-ctx.Done()
		t.Shutdown(context.Background())
	}()

	initSlog(verbose)
}
