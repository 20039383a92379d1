// typosweep-watch watches files or directories and rescans a document
// whenever it changes, printing diagnostics as they are published
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"typosweep/internal/platform/config"
	"typosweep/internal/platform/logger"

	"typosweep/internal/services/host"
	"typosweep/internal/services/pipeline"
	scandomain "typosweep/internal/services/scan/domain"
)

type event struct {
	File        string                  `json:"file"`
	Version     int                     `json:"version"`
	Diagnostics []scandomain.Diagnostic `json:"diagnostics"`
}

func main() {
	var exts string
	flag.StringVar(&exts, "ext", ".txt,.md", "comma-separated extensions to watch in directories")
	flag.Parse()

	l := logger.Get()
	if flag.NArg() == 0 {
		l.Fatal().Msg("usage: typosweep-watch [-ext .txt,.md] <path> [path...]")
	}
	watchExts := map[string]bool{}
	for _, e := range strings.Split(exts, ",") {
		if e = strings.TrimSpace(e); e != "" {
			watchExts[e] = true
		}
	}

	enc := json.NewEncoder(os.Stdout)
	typoCfg := config.New().Prefix("TYPO_")
	p, err := pipeline.Build(typoCfg, host.WithPublishHook(
		func(docKey string, version int, diags []scandomain.Diagnostic) {
			if diags == nil {
				diags = []scandomain.Diagnostic{}
			}
			if err := enc.Encode(event{File: docKey, Version: version, Diagnostics: diags}); err != nil {
				l.Error().Err(err).Msg("encode event failed")
			}
		},
	))
	if err != nil {
		l.Panic().Err(err).Msg("pipeline.Build failed")
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	p.StartSweeper(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.Panic().Err(err).Msg("fsnotify.NewWatcher failed")
	}
	defer watcher.Close()

	versions := map[string]int{}
	ingest := func(path string) {
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		versions[path]++
		created := p.Registry.Upsert(path, string(data), versions[path], true)
		if created {
			p.Scanner.NotifyOpen(path)
		} else {
			p.Scanner.NotifyChange(path)
		}
	}

	explicit := map[string]bool{}
	for _, arg := range flag.Args() {
		info, err := os.Stat(arg)
		if err != nil {
			l.Fatal().Err(err).Str("path", arg).Msg("cannot watch path")
		}
		if err := watcher.Add(arg); err != nil {
			l.Fatal().Err(err).Str("path", arg).Msg("watch failed")
		}
		if info.IsDir() {
			entries, _ := os.ReadDir(arg)
			for _, e := range entries {
				if !e.IsDir() && watchExts[filepath.Ext(e.Name())] {
					ingest(filepath.Join(arg, e.Name()))
				}
			}
		} else {
			explicit[arg] = true
			ingest(arg)
		}
	}

	l.Info().Strs("paths", flag.Args()).Msg("watching")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					p.Scanner.Forget(ev.Name)
					p.Registry.Delete(ev.Name)
				}
				continue
			}
			if info, err := os.Stat(ev.Name); err != nil || info.IsDir() {
				continue
			}
			if !explicit[ev.Name] && !watchExts[filepath.Ext(ev.Name)] {
				continue
			}
			ingest(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.Warn().Err(err).Msg("watcher error")
		}
	}
}
