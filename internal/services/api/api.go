// Package api mounts the HTTP surface over the host registry and the
// scan scheduler
package api

import (
	stdhttp "net/http"

	perr "typosweep/internal/platform/errors"
	phttp "typosweep/internal/platform/net/http"
	"typosweep/internal/platform/net/http/bind"
	"typosweep/internal/services/host"
	scandomain "typosweep/internal/services/scan/domain"
	scansvc "typosweep/internal/services/scan/service"
	"typosweep/internal/services/typodb"
)

// Options carries the service dependencies for Mount
type Options struct {
	Registry *host.Registry
	Scanner  *scansvc.Scanner
	Store    *typodb.Store
}

// Mount registers all document and status routes on r
func Mount(r phttp.Router, opt Options) {
	h := &handlers{reg: opt.Registry, scanner: opt.Scanner, store: opt.Store}

	r.Route("/docs/{key}", func(dr phttp.Router) {
		dr.Put("/", phttp.Handle(h.upsertDoc))
		dr.Delete("/", phttp.Handle(h.deleteDoc))
		dr.Get("/diagnostics", phttp.Handle(h.diagnostics))
		dr.Post("/rescan", phttp.Handle(h.rescan))
	})
	r.Get("/status", phttp.Handle(h.status))
	r.Put("/status", phttp.Handle(h.setStatus))
}

type handlers struct {
	reg     *host.Registry
	scanner *scansvc.Scanner
	store   *typodb.Store
}

type upsertRequest struct {
	Text       string                       `json:"text"`
	Version    int                          `json:"version" validate:"min=0"`
	Open       bool                         `json:"open"`
	KnownRoles []string                     `json:"known_roles,omitempty"`
	Suppressed []scandomain.SuppressedRange `json:"suppressed,omitempty"`
}

type upsertResponse struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	Created bool   `json:"created"`
}

// upsertDoc installs a document snapshot and arms the debounce timer
func (h *handlers) upsertDoc(r *stdhttp.Request) phttp.Response {
	key := phttp.Param(r, "key")
	if key == "" {
		return phttp.Error(perr.InvalidArgf("document key is required"))
	}
	req, err := bind.ParseJSON[upsertRequest](r)
	if err != nil {
		return phttp.Error(err)
	}

	created := h.reg.Upsert(key, req.Text, req.Version, req.Open)
	h.reg.SetRoles(key, req.KnownRoles, req.Suppressed)
	if created {
		h.scanner.NotifyOpen(key)
	} else {
		h.scanner.NotifyChange(key)
	}

	return phttp.Response{
		Status: stdhttp.StatusAccepted,
		Body:   upsertResponse{Key: key, Version: req.Version, Created: created},
	}
}

// deleteDoc forgets a document: cache, persisted record, diagnostics
func (h *handlers) deleteDoc(r *stdhttp.Request) phttp.Response {
	key := phttp.Param(r, "key")
	if _, ok := h.reg.Snapshot(key); !ok {
		return phttp.Error(perr.NotFoundf("document %q is not tracked", key))
	}
	h.scanner.Forget(key)
	h.reg.Delete(key)
	return phttp.NoContent()
}

type diagnosticsResponse struct {
	Key         string                  `json:"key"`
	Version     int                     `json:"version"`
	Diagnostics []scandomain.Diagnostic `json:"diagnostics"`
}

// diagnostics returns the last applied diagnostic set
func (h *handlers) diagnostics(r *stdhttp.Request) phttp.Response {
	key := phttp.Param(r, "key")
	diags, version, ok := h.reg.Diagnostics(key)
	if !ok {
		return phttp.Error(perr.NotFoundf("document %q is not tracked", key))
	}
	if diags == nil {
		diags = []scandomain.Diagnostic{}
	}
	return phttp.OK(diagnosticsResponse{Key: key, Version: version, Diagnostics: diags})
}

// rescan wipes the document's cache and scans from scratch
func (h *handlers) rescan(r *stdhttp.Request) phttp.Response {
	key := phttp.Param(r, "key")
	if _, ok := h.reg.Snapshot(key); !ok {
		return phttp.Error(perr.NotFoundf("document %q is not tracked", key))
	}
	if !h.scanner.Enabled() {
		return phttp.Error(perr.Newf(perr.ErrorCodeDisabled, "scanning is disabled"))
	}
	go h.scanner.Rescan(key)
	return phttp.Response{Status: stdhttp.StatusAccepted, Body: map[string]string{"key": key}}
}

type statusResponse struct {
	Enabled    bool `json:"enabled"`
	Busy       bool `json:"busy"`
	Tracked    int  `json:"tracked_docs"`
	CachedDocs int  `json:"cached_docs"`
}

// status reports the scanning indicator and cache occupancy
func (h *handlers) status(_ *stdhttp.Request) phttp.Response {
	return phttp.OK(statusResponse{
		Enabled:    h.scanner.Enabled(),
		Busy:       h.reg.Busy(),
		Tracked:    h.reg.DocCount(),
		CachedDocs: h.store.Len(),
	})
}

type setStatusRequest struct {
	Enabled bool `json:"enabled"`
}

// setStatus toggles scanning at runtime
func (h *handlers) setStatus(r *stdhttp.Request) phttp.Response {
	req, err := bind.ParseJSON[setStatusRequest](r)
	if err != nil {
		return phttp.Error(err)
	}
	h.scanner.SetEnabled(req.Enabled)
	return phttp.OK(statusResponse{
		Enabled:    h.scanner.Enabled(),
		Busy:       h.reg.Busy(),
		Tracked:    h.reg.DocCount(),
		CachedDocs: h.store.Len(),
	})
}
