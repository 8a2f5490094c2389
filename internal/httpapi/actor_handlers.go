package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/authz"
)

type meResponse struct {
	auth.Actor
	Assignments []auth.Assignment `json:"assignments"`
}

type assignmentRequest struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
}

type assignmentStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := a.authenticate(w, r)
	if !ok {
		return
	}
	assignments, err := a.auth.Assignments(ctx, actor.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []auth.Assignment{}
	}
	writeJSON(w, http.StatusOK, meResponse{Actor: actor, Assignments: assignments})
}

func (a *API) handleGetActor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionRead, authz.Target{Type: authz.ResourceActor, ID: id})
	if !ok {
		return
	}
	actor, err := a.auth.Store().FindActor(ctx, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) handleDeactivateActor(w http.ResponseWriter, r *http.Request) {
	a.setActorActive(w, r, false)
}

func (a *API) handleReactivateActor(w http.ResponseWriter, r *http.Request) {
	a.setActorActive(w, r, true)
}

func (a *API) setActorActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	ctx, dec, ok := a.authorize(w, r, authz.ActionUpdate, authz.Target{Type: authz.ResourceActor, ID: id})
	if !ok || !requirePlatform(w, r, dec) {
		return
	}
	var (
		actor auth.Actor
		err   error
	)
	if active {
		actor, err = a.auth.Reactivate(ctx, id)
	} else {
		actor, err = a.auth.Deactivate(ctx, id)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) handleDeleteActor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionDelete, authz.Target{Type: authz.ResourceActor, ID: id})
	if !ok {
		return
	}
	if err := a.auth.DeleteActor(ctx, id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionRead, authz.Target{Type: authz.ResourceActor, ID: id})
	if !ok {
		return
	}
	assignments, err := a.auth.Assignments(ctx, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []auth.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": assignments})
}

func (a *API) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ctx, _, ok := a.authorize(w, r, authz.ActionCreate, authz.Target{Type: authz.ResourceAssignment, TenantID: req.TenantID})
	if !ok {
		return
	}
	assignment, err := a.auth.Assign(ctx, req.ActorID, req.TenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleUpdateAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionUpdate, authz.Target{Type: authz.ResourceAssignment, ID: id})
	if !ok {
		return
	}
	var req assignmentStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.auth.SetAssignmentStatus(ctx, id, req.Status)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, _, ok := a.authorize(w, r, authz.ActionDelete, authz.Target{Type: authz.ResourceAssignment, ID: id})
	if !ok {
		return
	}
	if err := a.auth.RemoveAssignment(ctx, id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requirePlatform denies operations reserved for platform scope even when
// the policy grants the action at a narrower scope.
func requirePlatform(w http.ResponseWriter, r *http.Request, dec authz.Decision) bool {
	if dec.Scope == authz.ScopePlatform {
		return true
	}
	writeError(w, r, http.StatusForbidden, "forbidden")
	return false
}
