// Package pipeline assembles the scanning stack (host registry, cache,
// dispatcher, scheduler, persistence) from a TYPO_-scoped config view,
// shared by every binary
package pipeline

import (
	"context"
	"time"

	"typosweep/internal/platform/config"
	"typosweep/internal/platform/logger"
	"typosweep/internal/services/clientllm"
	detectsvc "typosweep/internal/services/detect/service"
	"typosweep/internal/services/host"
	scansvc "typosweep/internal/services/scan/service"
	"typosweep/internal/services/storage"
	"typosweep/internal/services/typodb"
)

// Pipeline is the assembled scanning stack
type Pipeline struct {
	Registry   *host.Registry
	Store      *typodb.Store
	Dispatcher *detectsvc.Dispatcher
	Scanner    *scansvc.Scanner
	Saver      *storage.Saver

	sweepInterval time.Duration
	sweepMaxAge   time.Duration
}

// Build wires the stack from cfg (typically config.New().Prefix("TYPO_"))
func Build(cfg config.Conf, hostOpts ...host.Option) (*Pipeline, error) {
	l := logger.Named("pipeline")

	reg := host.NewRegistry(hostOpts...)
	store := typodb.NewStore(cfg.MayInt("MAX_DOCS", 10), reg.IsOpen)

	var remote *detectsvc.Remote
	if base := cfg.MayString("SERVICE_BASE_URL", ""); base != "" {
		remote = detectsvc.NewRemote(detectsvc.RemoteConfig{
			BaseURL:    base,
			Mode:       cfg.MayEnum("MODE", detectsvc.ModeMacro, detectsvc.ModeMacro, detectsvc.ModeLLM),
			Model:      cfg.MayString("LLM_MODEL", ""),
			APIKey:     cfg.MayString("LLM_API_KEY", ""),
			APIBase:    cfg.MayString("LLM_API_BASE", ""),
			Timeout:    cfg.MayDuration("TIMEOUT", 15*time.Second),
			LLMTimeout: cfg.MayDuration("LLM_TIMEOUT", 60*time.Second),
		}, nil)
	} else {
		l.Info().Msg("no detection service configured, stub dictionary active")
	}

	dispatcher := detectsvc.New(detectsvc.Options{
		Remote:    remote,
		BatchSize: cfg.MayInt("BATCH_SIZE", 30),
	})

	// An in-process LLM backend overrides the whole fallback chain
	if cfg.MayBool("CLIENT_LLM_ENABLED", false) {
		ccfg := cfg.Prefix("CLIENT_LLM_")
		dispatcher.Use(clientllm.New(clientllm.Config{
			APIKey:  ccfg.MustString("API_KEY"),
			BaseURL: ccfg.MayString("API_BASE", ""),
			Model:   ccfg.MayString("MODEL", ""),
			Timeout: ccfg.MayDuration("TIMEOUT", 90*time.Second),
		}))
	}

	p := &Pipeline{
		Registry:   reg,
		Store:      store,
		Dispatcher: dispatcher,
	}

	var persister scansvc.Persister
	if cfg.MayBool("PERSIST_ENABLED", false) {
		pcfg := cfg.Prefix("PERSIST_")
		var (
			backend storage.Backend
			err     error
		)
		switch pcfg.MayEnum("BACKEND", "json", "json", "sqlite") {
		case "sqlite":
			backend, err = storage.NewSQLite(pcfg.MayString("SQLITE_PATH", "typosweep-cache.db"))
		default:
			backend, err = storage.NewJSONFile(pcfg.MayString("DIR", ".typosweep-cache"))
		}
		if err != nil {
			return nil, err
		}
		p.Saver = storage.NewSaver(backend, pcfg.MayDuration("SAVE_DEBOUNCE", 500*time.Millisecond))
		persister = p.Saver
		p.sweepInterval = pcfg.MayDuration("SWEEP_INTERVAL", time.Hour)
		p.sweepMaxAge = pcfg.MayDuration("MAX_AGE", 0)
	}

	p.Scanner = scansvc.NewScanner(scansvc.Options{
		Store:            store,
		Detector:         dispatcher,
		Host:             reg,
		Roles:            reg,
		Identity:         reg,
		Persister:        persister,
		Debounce:         cfg.MayDuration("DEBOUNCE", 400*time.Millisecond),
		GroupSize:        cfg.MayInt("GROUP_SIZE", 3),
		Concurrency:      cfg.MayInt("CONCURRENCY", 3),
		Disabled:         !cfg.MayBool("ENABLED", true),
		KeepCacheOnClose: cfg.MayBool("KEEP_CACHE_ON_CLOSE", true),
	})
	return p, nil
}

// StartSweeper runs the persisted-record age sweep until ctx ends.
// No-op without persistence or without a configured max age
func (p *Pipeline) StartSweeper(ctx context.Context) {
	if p.Saver == nil || p.sweepMaxAge <= 0 {
		return
	}
	go p.Saver.RunSweeper(ctx, p.sweepInterval, p.sweepMaxAge)
}

// Close flushes pending persistence writes
func (p *Pipeline) Close() {
	if p.Saver != nil {
		if err := p.Saver.Close(); err != nil {
			logger.Named("pipeline").Error().Err(err).Msg("storage close failed")
		}
	}
}
