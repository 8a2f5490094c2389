package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/records"
)

type createRecordRequest struct {
	Kind       string         `json:"kind"`
	Code       string         `json:"code"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
}

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ctx, dec, ok := a.authorize(w, r, authz.ActionRead, authz.Target{Type: records.ResourceType, TenantID: tenantID})
	if !ok {
		return
	}
	q, err := parseRecordQuery(r, tenantID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if q.IncludeDeleted && dec.Scope != authz.ScopePlatform {
		writeError(w, r, http.StatusForbidden, "include_deleted requires platform scope")
		return
	}
	page, err := a.records.Find(ctx, q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if page.Data == nil {
		page.Data = []records.Record{}
	}
	writeJSON(w, http.StatusOK, page)
}

func parseRecordQuery(r *http.Request, tenantID string) (records.Query, error) {
	values := r.URL.Query()
	q := records.Query{
		TenantID: tenantID,
		Kind:     values.Get("kind"),
		OrderBy:  values.Get("order"),
	}
	var err error
	if q.Page, err = parsePositiveInt(values.Get("page"), 1, 1, 1<<20); err != nil {
		return q, fmt.Errorf("page %v", err)
	}
	if q.Limit, err = parsePositiveInt(values.Get("limit"), 20, 1, 100); err != nil {
		return q, fmt.Errorf("limit %v", err)
	}
	if raw := strings.TrimSpace(values.Get("desc")); raw != "" {
		if q.Desc, err = strconv.ParseBool(raw); err != nil {
			return q, errors.New("desc must be a boolean")
		}
	}
	if raw := strings.TrimSpace(values.Get("include_deleted")); raw != "" {
		if q.IncludeDeleted, err = strconv.ParseBool(raw); err != nil {
			return q, errors.New("include_deleted must be a boolean")
		}
	}
	return q, nil
}

func (a *API) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	ctx, dec, ok := a.authorize(w, r, authz.ActionCreate, authz.Target{Type: records.ResourceType, TenantID: tenantID})
	if !ok {
		return
	}
	var req createRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.records.Create(ctx, records.Record{
		TenantID:   tenantID,
		OwnerID:    dec.Actor.ID,
		Kind:       req.Kind,
		Code:       req.Code,
		Name:       req.Name,
		Attributes: req.Attributes,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionRead, authz.Target{Type: records.ResourceType, ID: id})
	if !ok {
		return
	}
	rec, err := a.records.Get(ctx, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionUpdate, authz.Target{Type: records.ResourceType, ID: id})
	if !ok {
		return
	}
	var patch records.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.records.Update(ctx, id, patch)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionDelete, authz.Target{Type: records.ResourceType, ID: id})
	if !ok {
		return
	}
	if err := a.records.SoftDelete(ctx, id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePurgeRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, dec, ok := a.authorize(w, r, authz.ActionDelete, authz.Target{Type: records.ResourceType, ID: id})
	if !ok || !requirePlatform(w, r, dec) {
		return
	}
	if err := a.records.Purge(ctx, id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
