// Command reconcile recomputes stored analytics from the event log.
//
//	reconcile -owner owner-1
//	reconcile -assets A1,A2 -concurrency 4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/radiusdt/leadpulse/internal/app"
	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	owner := flag.String("owner", "", "rebuild every asset of this owner")
	assets := flag.String("assets", "", "comma-separated asset ids to rebuild")
	concurrency := flag.Int("concurrency", 4, "assets rebuilt in parallel")
	flag.Parse()

	if (*owner == "") == (*assets == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -owner or -assets is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	services, err := app.New(ctx, cfg, logger, app.Options{NoArchive: true, NoGeo: true})
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	ids := splitIDs(*assets)
	if *owner != "" {
		owned, err := services.Stores.Assets.ListByOwner(ctx, *owner)
		if err != nil {
			logger.Fatal("failed to list assets", zap.String("owner_id", *owner), zap.Error(err))
		}
		for _, a := range owned {
			ids = append(ids, a.ID)
		}
	}

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(*concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			rec, err := services.Aggregator.Rebuild(ctx, id)
			if err != nil {
				failed.Add(1)
				logger.Error("rebuild failed", zap.String("asset_id", id), zap.Error(err))
				return nil
			}
			logger.Info("asset rebuilt",
				zap.String("asset_id", id),
				zap.Int64("views", rec.Views),
				zap.Int64("conversions", rec.Conversions),
				zap.Float64("conversion_rate", rec.ConversionRate),
			)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("reconcile finished", zap.Int("assets", len(ids)), zap.Int64("failed", failed.Load()))
	if failed.Load() > 0 {
		services.Close()
		logger.Sync()
		os.Exit(1)
	}
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
