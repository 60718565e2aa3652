package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/florinutz/icetable/catalog"
	"github.com/florinutz/icetable/icetableerr"
	"github.com/florinutz/icetable/table"
)

// APIHandler returns a chi router with the catalog REST API, meant to be
// mounted under /api/v1.
//
//	GET  /namespaces                                  list namespaces
//	GET  /namespaces/{ns}                             namespace properties
//	GET  /namespaces/{ns}/tables                      list tables
//	GET  /namespaces/{ns}/tables/{table}              table metadata
//	GET  /namespaces/{ns}/tables/{table}/snapshots    snapshots and history
//	GET  /maintenance                                 list maintenance jobs
//	GET  /maintenance/{job}                           job detail
//	POST /maintenance/{job}/start                     start job schedule
//	POST /maintenance/{job}/stop                      stop job schedule
//	POST /maintenance/{job}/run                       run job once
//
// mgr may be nil, in which case the maintenance routes are not mounted.
func APIHandler(cat *catalog.Catalog, mgr *Manager) http.Handler {
	r := chi.NewRouter()

	r.Get("/namespaces", listNamespaces(cat))
	r.Get("/namespaces/{ns}", getNamespace(cat))
	r.Get("/namespaces/{ns}/tables", listTables(cat))
	r.Get("/namespaces/{ns}/tables/{table}", getTable(cat))
	r.Get("/namespaces/{ns}/tables/{table}/snapshots", listSnapshots(cat))

	if mgr != nil {
		r.Get("/maintenance", listJobs(mgr))
		r.Get("/maintenance/{job}", getJob(mgr))
		r.Post("/maintenance/{job}/start", startJob(mgr))
		r.Post("/maintenance/{job}/stop", stopJob(mgr))
		r.Post("/maintenance/{job}/run", runJob(mgr))
	}
	return r
}

func listNamespaces(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nss, err := cat.ListNamespaces(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		names := make([]string, 0, len(nss))
		for _, ns := range nss {
			names = append(names, ns.String())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"namespaces": names,
			"count":      len(names),
		})
	}
}

func getNamespace(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, err := catalog.ParseNamespace(chi.URLParam(r, "ns"))
		if err != nil {
			writeError(w, err)
			return
		}
		props, err := cat.NamespaceProperties(r.Context(), ns)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"namespace":  ns.String(),
			"properties": props,
		})
	}
}

func listTables(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, err := catalog.ParseNamespace(chi.URLParam(r, "ns"))
		if err != nil {
			writeError(w, err)
			return
		}
		ids, err := cat.ListTables(r.Context(), ns)
		if err != nil {
			writeError(w, err)
			return
		}
		names := make([]string, 0, len(ids))
		for _, id := range ids {
			names = append(names, id.Name)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"namespace": ns.String(),
			"tables":    names,
			"count":     len(names),
		})
	}
}

func loadTable(cat *catalog.Catalog, r *http.Request) (*table.Table, error) {
	ns, err := catalog.ParseNamespace(chi.URLParam(r, "ns"))
	if err != nil {
		return nil, err
	}
	id := catalog.NewIdentifier(ns, chi.URLParam(r, "table"))
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return cat.LoadTable(r.Context(), id)
}

func getTable(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := loadTable(cat, r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"metadata-location": t.MetadataLocation(),
			"metadata":          t.Metadata(),
		})
	}
}

func listSnapshots(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := loadTable(cat, r)
		if err != nil {
			writeError(w, err)
			return
		}
		var current *int64
		if s := t.CurrentSnapshot(); s != nil {
			current = &s.SnapshotID
		}
		snaps := t.Snapshots()
		if snaps == nil {
			snaps = []table.Snapshot{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"current-snapshot-id": current,
			"snapshots":           snaps,
			"history":             t.History(),
		})
	}
}

func listJobs(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := mgr.List()
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  infos,
			"count": len(infos),
		})
	}
}

func getJob(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := mgr.Get(chi.URLParam(r, "job"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func startJob(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "job")
		// The schedule outlives the request.
		if err := mgr.Start(context.WithoutCancel(r.Context()), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started", "job": name})
	}
}

func stopJob(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "job")
		if err := mgr.Stop(name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "job": name})
	}
}

func runJob(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := mgr.RunNow(r.Context(), chi.URLParam(r, "job"))
		if err != nil && res.At.IsZero() {
			writeError(w, err)
			return
		}
		code := http.StatusOK
		if err != nil {
			code = statusCode(err)
		}
		writeJSON(w, code, res)
	}
}

func statusCode(err error) int {
	var se stateError
	switch {
	case errors.As(err, &se):
		return http.StatusConflict
	case errors.Is(err, icetableerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, icetableerr.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.Is(err, icetableerr.ErrConcurrentModification):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
