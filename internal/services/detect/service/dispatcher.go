// Package service implements the detection dispatcher: a host-injected
// custom backend, a chunked network backend and an offline stub,
// resolved in that order
package service

import (
	"context"
	"sync"

	"typosweep/internal/platform/logger"
	"typosweep/internal/services/detect/domain"
)

// Options configures the dispatcher
type Options struct {
	// Remote is the network backend; nil means no service is configured
	// and the stub dictionary handles everything
	Remote *Remote
	// BatchSize is the number of sentences per network request chunk
	BatchSize int
}

// Dispatcher routes detection batches to the active backend and shields
// callers from individual chunk failures
type Dispatcher struct {
	mu     sync.RWMutex
	custom domain.BatchDetector

	remote *Remote
	stub   Stub
	batch  int
	log    *logger.Logger
}

// New builds a Dispatcher
func New(opts Options) *Dispatcher {
	if opts.BatchSize < 1 {
		opts.BatchSize = 30
	}
	return &Dispatcher{
		remote: opts.Remote,
		batch:  opts.BatchSize,
		log:    logger.Named("detect"),
	}
}

// Use registers det as the active backend, replacing any previous one.
// Passing nil restores the built-in fallback chain. An explicitly
// registered backend is trusted to fail loudly: its errors propagate
func (d *Dispatcher) Use(det domain.BatchDetector) {
	d.mu.Lock()
	d.custom = det
	d.mu.Unlock()
	if det == nil {
		d.log.Info().Msg("custom detector cleared, fallback chain restored")
	} else {
		d.log.Info().Msg("custom detector registered")
	}
}

// DetectBatch implements domain.BatchDetector over the fallback chain.
// With the network backend, sentences are split into independent chunks;
// a failed chunk yields failed verdicts for its sentences without
// aborting siblings, and no error is returned
func (d *Dispatcher) DetectBatch(ctx context.Context, sentences []string, bc domain.BatchContext) ([]*domain.Result, error) {
	if len(sentences) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	custom := d.custom
	d.mu.RUnlock()
	if custom != nil {
		return custom.DetectBatch(ctx, sentences, bc)
	}

	if d.remote != nil {
		return d.remoteChunks(ctx, sentences, bc), nil
	}

	return d.stub.DetectBatch(ctx, sentences, bc)
}

// remoteChunks fans the batch out to one request per chunk, each with
// its own timeout, and stitches aligned results back together
func (d *Dispatcher) remoteChunks(ctx context.Context, sentences []string, bc domain.BatchContext) []*domain.Result {
	out := make([]*domain.Result, len(sentences))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for off := 0; off < len(sentences); off += d.batch {
		end := off + d.batch
		if end > len(sentences) {
			end = len(sentences)
		}
		chunk := sentences[off:end]
		offset := off

		wg.Add(1)
		go func() {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, d.remote.ChunkTimeout())
			defer cancel()

			cbc := bc
			if bc.OnPartial != nil {
				cbc.OnPartial = func(partial []*domain.Result) {
					bc.OnPartial(rebase(partial, offset))
				}
			}

			results, err := d.remote.DetectChunk(cctx, chunk, cbc)
			if err != nil {
				d.log.Warn().Err(err).
					Int("chunk_start", offset).
					Int("chunk_len", len(chunk)).
					Msg("detection chunk failed, sentences marked failed")
				mu.Lock()
				for i := range chunk {
					out[offset+i] = domain.FailedVerdict()
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			copy(out[offset:offset+len(chunk)], results)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return out
}

// rebase shifts chunk-relative result indices into batch coordinates so
// partial consumers see the same indexing as the final slice
func rebase(partial []*domain.Result, offset int) []*domain.Result {
	out := make([]*domain.Result, 0, len(partial))
	for pos, r := range partial {
		if r == nil {
			continue
		}
		cp := *r
		idx := pos
		if r.Index != nil {
			idx = *r.Index
		}
		global := offset + idx
		cp.Index = &global
		out = append(out, &cp)
	}
	return out
}
