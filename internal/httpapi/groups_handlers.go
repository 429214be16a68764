package httpapi

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"canvasgroups.org/internal/audit"
	"canvasgroups.org/internal/cache"
	"canvasgroups.org/internal/export"
)

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := a.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := a.compileContext(r.Context())
	defer cancel()

	res, err := a.compiler.Compile(ctx, id, sess)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCourseGroups(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := a.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := a.compileContext(r.Context())
	defer cancel()

	res, err := a.compiler.CompileCourseGroups(ctx, id, sess)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleExport streams one category as a roster download. The body is
// rendered fully before any header is sent so a failure never leaves a
// truncated file behind.
func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || categoryID <= 0 {
		writeError(w, r, http.StatusBadRequest, "category id must be a positive integer")
		return
	}
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format != "" && format != "zoom" {
		writeError(w, r, http.StatusBadRequest, "format must be empty or zoom")
		return
	}
	label := r.URL.Query().Get("label")

	id, sess, ok := a.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := a.compileContext(r.Context())
	defer cancel()

	res, err := a.compiler.CompileSingleCategory(ctx, id, sess, categoryID)
	if err != nil {
		writeUpstreamError(w, r, err)
		return
	}
	if strings.TrimSpace(label) == "" {
		label = res.Categories[0].Name
	}

	var buf bytes.Buffer
	if format == "zoom" {
		err = export.ZoomCSV(&buf, res)
	} else {
		err = export.CSV(&buf, res)
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "export failed")
		return
	}

	_ = audit.LogEvent(r.Context(), audit.RosterExported, map[string]any{
		"category_id": categoryID,
		"format":      format,
		"groups":      len(res.Categories[0].Groups),
	})
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", export.Disposition(label))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *API) handleCacheSnapshot(w http.ResponseWriter, r *http.Request) {
	snaps := a.caches.Snapshot()
	if r.URL.Query().Get("log") == "1" {
		a.caches.LogSnapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"caches": snaps})
}

func (a *API) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		a.caches.Clear()
	} else {
		c, ok := a.caches.Lookup(name)
		if !ok {
			writeError(w, r, http.StatusNotFound, "unknown cache "+strconv.Quote(name))
			return
		}
		c.Clear()
	}
	_ = audit.LogEvent(r.Context(), audit.CacheCleared, map[string]any{"cache": cacheLabel(name)})
	w.WriteHeader(http.StatusNoContent)
}

func cacheLabel(name string) string {
	if name == "" {
		return strings.Join(cache.Names, ",")
	}
	return name
}

func (a *API) handleErrorDescription(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "error code must be numeric")
		return
	}
	desc := ErrorDescription(code)
	if desc == "" {
		writeError(w, r, http.StatusNotFound, "unknown error code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "description": desc})
}
