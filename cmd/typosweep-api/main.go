package main

import (
	"context"

	"typosweep/internal/platform/config"
	"typosweep/internal/platform/logger"
	phttp "typosweep/internal/platform/net/http"
	pmw "typosweep/internal/platform/net/middleware"

	"typosweep/internal/services/api"
	"typosweep/internal/services/pipeline"
)

func main() {
	root := config.New()
	apiCfg := root.Prefix("CORE_API_") // HTTP server knobs (CORE_API_PORT etc)
	typoCfg := root.Prefix("TYPO_")    // scanning pipeline knobs

	// bring up logging early
	l := logger.Get()

	p, err := pipeline.Build(typoCfg)
	if err != nil {
		l.Panic().Err(err).Msg("pipeline.Build failed")
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartSweeper(ctx)

	srv := phttp.NewServer(apiCfg)

	rt := srv.Router()
	rt.Use(pmw.CommonStack()...)
	api.Mount(
		rt,
		api.Options{
			Registry: p.Registry,
			Scanner:  p.Scanner,
			Store:    p.Store,
		},
	)

	if err := srv.Run(ctx); err != nil {
		l.Panic().Err(err).Msg("http server stopped")
	}
}
