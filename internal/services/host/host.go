// Package host is the in-memory text-editing host used by the API
// server and the CLI binaries: it tracks document snapshots, assigns
// stable identities and receives published diagnostics
package host

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"typosweep/internal/platform/logger"
	scandomain "typosweep/internal/services/scan/domain"
)

// PublishHook observes every diagnostics publication
type PublishHook func(docKey string, version int, diags []scandomain.Diagnostic)

type doc struct {
	text       string
	version    int
	open       bool
	stableID   string
	knownRoles []string
	suppressed []scandomain.SuppressedRange

	diags       []scandomain.Diagnostic
	diagVersion int
	publishedAt time.Time
}

// Registry implements the scan scheduler's HostPort, RoleIndexPort and
// IdentityPort over an in-memory document table
type Registry struct {
	mu    sync.RWMutex
	docs  map[string]*doc
	busy  bool
	onPub PublishHook
	log   *logger.Logger
}

// Option customizes a Registry
type Option func(*Registry)

// WithPublishHook wires a diagnostics observer
func WithPublishHook(h PublishHook) Option {
	return func(r *Registry) { r.onPub = h }
}

// NewRegistry builds an empty Registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		docs: make(map[string]*doc),
		log:  logger.Named("host"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Upsert installs or updates a document snapshot and reports whether
// the document is new. A stable identity is minted on first sight and
// survives later updates
func (r *Registry) Upsert(docKey, text string, version int, open bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[docKey]
	if !ok {
		d = &doc{stableID: uuid.NewString()}
		r.docs[docKey] = d
	}
	d.text = text
	d.version = version
	d.open = open
	return !ok
}

// SetRoles records the role-occurrence facts for a document
func (r *Registry) SetRoles(docKey string, known []string, suppressed []scandomain.SuppressedRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[docKey]; ok {
		d.knownRoles = known
		d.suppressed = suppressed
	}
}

// Close marks the document closed without dropping it
func (r *Registry) Close(docKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[docKey]; ok {
		d.open = false
	}
}

// Delete removes the document entirely
func (r *Registry) Delete(docKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, docKey)
}

// Snapshot implements scandomain.HostPort
func (r *Registry) Snapshot(docKey string) (scandomain.DocSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[docKey]
	if !ok {
		return scandomain.DocSnapshot{}, false
	}
	return scandomain.DocSnapshot{Key: docKey, Text: d.text, Version: d.version, Open: d.open}, true
}

// IsOpen implements scandomain.HostPort
func (r *Registry) IsOpen(docKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[docKey]
	return ok && d.open
}

// OpenDocs implements scandomain.HostPort
func (r *Registry) OpenDocs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k, d := range r.docs {
		if d.open {
			out = append(out, k)
		}
	}
	return out
}

// VisibleDocs implements scandomain.HostPort. This host has no notion
// of partially hidden editors, so visible equals open
func (r *Registry) VisibleDocs() []string { return r.OpenDocs() }

// PublishDiagnostics implements scandomain.HostPort
func (r *Registry) PublishDiagnostics(docKey string, version int, diags []scandomain.Diagnostic) {
	r.mu.Lock()
	d, ok := r.docs[docKey]
	if ok {
		d.diags = diags
		d.diagVersion = version
		d.publishedAt = time.Now()
	}
	hook := r.onPub
	r.mu.Unlock()

	if ok {
		r.log.Debug().Str("doc_key", docKey).Int("version", version).
			Int("diagnostics", len(diags)).Msg("diagnostics published")
	}
	if hook != nil {
		hook(docKey, version, diags)
	}
}

// SetBusy implements scandomain.HostPort
func (r *Registry) SetBusy(busy bool) {
	r.mu.Lock()
	r.busy = busy
	r.mu.Unlock()
}

// Busy reports the scanning indicator
func (r *Registry) Busy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.busy
}

// Diagnostics returns the last published set for a document together
// with the version it was computed against
func (r *Registry) Diagnostics(docKey string) ([]scandomain.Diagnostic, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[docKey]
	if !ok {
		return nil, 0, false
	}
	return append([]scandomain.Diagnostic(nil), d.diags...), d.diagVersion, true
}

// SuppressedRanges implements scandomain.RoleIndexPort
func (r *Registry) SuppressedRanges(docKey string) []scandomain.SuppressedRange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.docs[docKey]; ok {
		return append([]scandomain.SuppressedRange(nil), d.suppressed...)
	}
	return nil
}

// KnownRoles implements scandomain.RoleIndexPort
func (r *Registry) KnownRoles(docKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.docs[docKey]; ok {
		return append([]string(nil), d.knownRoles...)
	}
	return nil
}

// ResolveStableID implements scandomain.IdentityPort
func (r *Registry) ResolveStableID(docKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.docs[docKey]; ok {
		return d.stableID, true
	}
	return "", false
}

// DocCount reports how many documents the host tracks
func (r *Registry) DocCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}
