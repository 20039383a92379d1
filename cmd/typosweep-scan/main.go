// typosweep-scan runs one scan cycle over the files given on the
// command line and prints the resulting diagnostics as JSON, one
// document per line. Exits non-zero when any typo was found
package main

import (
	"encoding/json"
	"flag"
	"os"

	"typosweep/internal/platform/config"
	"typosweep/internal/platform/logger"

	"typosweep/internal/services/pipeline"
	scandomain "typosweep/internal/services/scan/domain"
)

type report struct {
	File        string                  `json:"file"`
	Diagnostics []scandomain.Diagnostic `json:"diagnostics"`
}

func main() {
	flag.Parse()
	l := logger.Get()

	files := flag.Args()
	if len(files) == 0 {
		l.Fatal().Msg("usage: typosweep-scan <file> [file...]")
	}

	typoCfg := config.New().Prefix("TYPO_")
	p, err := pipeline.Build(typoCfg)
	if err != nil {
		l.Panic().Err(err).Msg("pipeline.Build failed")
	}
	defer p.Close()

	enc := json.NewEncoder(os.Stdout)
	found := false
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			l.Error().Err(err).Str("file", path).Msg("read failed, skipping")
			continue
		}
		p.Registry.Upsert(path, string(data), 1, true)
		p.Scanner.Scan(path)

		diags, _, _ := p.Registry.Diagnostics(path)
		if diags == nil {
			diags = []scandomain.Diagnostic{}
		}
		if len(diags) > 0 {
			found = true
		}
		if err := enc.Encode(report{File: path, Diagnostics: diags}); err != nil {
			l.Error().Err(err).Msg("encode report failed")
		}
	}

	if found {
		os.Exit(1)
	}
}
