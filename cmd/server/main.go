package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/openexch/matchengine/internal/api"
	"github.com/openexch/matchengine/internal/config"
	"github.com/openexch/matchengine/internal/engine"
	"github.com/openexch/matchengine/internal/eventstore"
	"github.com/openexch/matchengine/internal/marketdata"
	"github.com/openexch/matchengine/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	app := fx.New(
		fx.Supply(logger),
		fx.Provide(func(logger *zap.Logger) (*config.Config, error) {
			return config.Load(*configPath, logger)
		}),
		metrics.Module,
		eventstore.Module,
		marketdata.Module,
		engine.Module,
		api.Module,
		fx.Invoke(func(lc fx.Lifecycle, eng *engine.MatchingEngine, cfg *config.Config) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					// Rebuild books from the event log before accepting
					// commands
					return eng.Restore(ctx, cfg.Engine.RestoreWorkers)
				},
			})
		}),
		fx.Invoke(func(*http.Server) {}),
	)

	app.Run()
}
