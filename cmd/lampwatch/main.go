package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lampwatch/lampwatch/pkg/collector"
	"github.com/lampwatch/lampwatch/pkg/identity"
	"github.com/lampwatch/lampwatch/pkg/lamp"
	"github.com/lampwatch/lampwatch/pkg/log"
	"github.com/lampwatch/lampwatch/pkg/scheduler"
	"github.com/lampwatch/lampwatch/pkg/server"
	"github.com/lampwatch/lampwatch/pkg/storage"

	"github.com/levenlabs/go-lflag"
)

func main() {
	// init packages
	ids := identity.Configured()
	api := lamp.Configured()
	store := storage.Configured(ids)
	coll := collector.Configured(api, store)
	sched := scheduler.Configured(coll)

	// init server
	srv := server.Configured(coll, sched, store)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	if err := log.ConfigureFromLLog(); err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Ctx(ctx).InfoContext(ctx, "lampwatch starting",
		slog.Int("mappedDevices", ids.Len()),
		slog.String("dataDirectory", store.Root()),
	)

	// without a working login there is nothing to collect
	session, err := api.Login(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "initial authentication failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "authenticated", slog.Time("issuedAt", session.IssuedAt()))

	if srv.Enabled() {
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "status server failed", slog.Any("error", err))
			}
		}()
	}

	state, err := sched.Run(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scheduler failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "lampwatch exited cleanly", slog.String("state", string(state)))
}
