package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/ids"
	"tenantgate.dev/internal/records"
	"tenantgate.dev/internal/stream"
)

const testSecret = "http-test-secret-0123456789abcdefghij"

type testServer struct {
	api     *API
	handler http.Handler
	svc     *auth.Service
	store   *auth.MemoryStore
	audits  *audit.MemoryStore
	hub     *stream.Hub
}

type tokenBody struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type authorizedBody struct {
	ID    string    `json:"id"`
	Role  string    `json:"role"`
	Token tokenBody `json:"token"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := auth.NewMemoryStore()
	audits := audit.NewMemoryStore()
	hub := stream.New()
	recorder := audit.NewRecorder(audits, audit.WithLogger(zap.NewNop()), audit.WithObserver(hub.Publish))

	svc, err := auth.NewService(store, store,
		auth.WithTokenSecret(testSecret),
		auth.WithHasher(auth.Argon2idHasher{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}),
		auth.WithRecorder(recorder),
		auth.WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	resolver := authz.NewResolver(svc.Issuer(), store, authz.WithRecorder(recorder), authz.WithLogger(zap.NewNop()))

	api := New(Config{
		Auth:     svc,
		Resolver: resolver,
		Records:  records.NewMemoryStore(recorder),
		Audit:    recorder,
		Stream:   hub,
		Version:  "test",
		Logger:   zap.NewNop(),
	})
	t.Cleanup(api.Close)
	return &testServer{api: api, handler: api.Handler(), svc: svc, store: store, audits: audits, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

// join registers through the API and returns the authorized payload.
func (s *testServer) join(t *testing.T, email, role string) authorizedBody {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/v1/auth/join", "", map[string]string{
		"email": email, "password": "correct horse", "type": role,
	})
	expectStatus(t, rr, http.StatusCreated)
	return decode[authorizedBody](t, rr)
}

// admin creates an admin directly through the service.
func (s *testServer) admin(t *testing.T) authorizedBody {
	t.Helper()
	out, err := s.svc.Join(context.Background(), "root@tenantgate.dev", "correct horse", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("Join admin: %v", err)
	}
	return authorizedBody{ID: out.ID, Role: string(out.Role), Token: tokenBody{Access: out.Token.AccessToken, Refresh: out.Token.RefreshToken}}
}

func (s *testServer) assign(t *testing.T, actorID, tenantID string) {
	t.Helper()
	if _, err := s.svc.Assign(context.Background(), actorID, tenantID); err != nil {
		t.Fatalf("Assign: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rr, http.StatusOK)
	body := decode[map[string]any](t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("redis down") }

func TestReadyzReportsDependencyFailure(t *testing.T) {
	api := New(Config{Ready: ReadyProbe{Extra: []Pinger{failingPinger{}}}, Logger: zap.NewNop()})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	expectStatus(t, rr, http.StatusServiceUnavailable)
}

func TestSessionScenario(t *testing.T) {
	s := newTestServer(t)

	first := s.join(t, "a@x.com", "member")
	if first.ID == "" || first.Role != "member" {
		t.Fatalf("unexpected join payload: %+v", first)
	}

	dup := s.do(t, http.MethodPost, "/v1/auth/join", "", map[string]string{
		"email": "a@x.com", "password": "another secret", "type": "member",
	})
	expectStatus(t, dup, http.StatusConflict)

	login := s.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email": "a@x.com", "password": "correct horse",
	})
	expectStatus(t, login, http.StatusOK)
	session := decode[authorizedBody](t, login)
	if session.Token.Access == session.Token.Refresh {
		t.Fatalf("access and refresh tokens must differ")
	}

	refreshed := s.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh": session.Token.Refresh})
	expectStatus(t, refreshed, http.StatusOK)
	next := decode[authorizedBody](t, refreshed)
	if next.Token.Access == session.Token.Access || next.Token.Refresh == session.Token.Refresh {
		t.Fatalf("refresh must rotate both tokens")
	}

	replay := s.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh": session.Token.Refresh})
	expectStatus(t, replay, http.StatusUnauthorized)

	// Reuse revoked the family, so the rotated token is dead too.
	rotated := s.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh": next.Token.Refresh})
	expectStatus(t, rotated, http.StatusUnauthorized)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	s := newTestServer(t)
	s.join(t, "a@x.com", "member")

	wrong := s.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "a@x.com", "password": "nope nope"})
	unknown := s.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "b@x.com", "password": "nope nope"})
	expectStatus(t, wrong, http.StatusUnauthorized)
	expectStatus(t, unknown, http.StatusUnauthorized)
	if decode[map[string]any](t, wrong)["error"] != decode[map[string]any](t, unknown)["error"] {
		t.Fatalf("login failures must not reveal which check failed")
	}
}

func TestJoinRejectsAdminAndBadInput(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/v1/auth/join", "", map[string]string{"email": "a@x.com", "password": "correct horse", "type": "admin"})
	expectStatus(t, rr, http.StatusForbidden)

	rr = s.do(t, http.MethodPost, "/v1/auth/join", "", map[string]string{"email": "not-an-email", "password": "correct horse"})
	expectStatus(t, rr, http.StatusBadRequest)

	rr = s.do(t, http.MethodPost, "/v1/auth/join", "", map[string]any{"email": "a@x.com", "unexpected": true})
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestLogoutRevokesSession(t *testing.T) {
	s := newTestServer(t)
	session := s.join(t, "a@x.com", "member")

	rr := s.do(t, http.MethodPost, "/v1/auth/logout", "", map[string]string{"refresh": session.Token.Refresh})
	expectStatus(t, rr, http.StatusNoContent)

	rr = s.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh": session.Token.Refresh})
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestMeRequiresValidToken(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/v1/me", "", nil)
	expectStatus(t, rr, http.StatusUnauthorized)
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}

	rr = s.do(t, http.MethodGet, "/v1/me", "garbage", nil)
	expectStatus(t, rr, http.StatusUnauthorized)

	session := s.join(t, "a@x.com", "member")
	s.assign(t, session.ID, "t1")
	rr = s.do(t, http.MethodGet, "/v1/me", session.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
	me := decode[struct {
		ID          string `json:"id"`
		Assignments []struct {
			TenantID string `json:"tenant_id"`
		} `json:"assignments"`
	}](t, rr)
	if me.ID != session.ID || len(me.Assignments) != 1 || me.Assignments[0].TenantID != "t1" {
		t.Fatalf("unexpected me payload: %+v", me)
	}
}

func TestDeactivationRevokesAccessImmediately(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	member := s.join(t, "a@x.com", "member")

	rr := s.do(t, http.MethodPost, "/v1/actors/"+member.ID+"/deactivate", member.Token.Access, nil)
	expectStatus(t, rr, http.StatusForbidden)

	rr = s.do(t, http.MethodPost, "/v1/actors/"+member.ID+"/deactivate", root.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)

	rr = s.do(t, http.MethodGet, "/v1/me", member.Token.Access, nil)
	expectStatus(t, rr, http.StatusUnauthorized)
	rr = s.do(t, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh": member.Token.Refresh})
	expectStatus(t, rr, http.StatusUnauthorized)

	rr = s.do(t, http.MethodPost, "/v1/actors/"+member.ID+"/reactivate", root.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
	rr = s.do(t, http.MethodGet, "/v1/me", member.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestActorEndpoints(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	alice := s.join(t, "alice@x.com", "member")
	bob := s.join(t, "bob@x.com", "manager")

	expectStatus(t, s.do(t, http.MethodGet, "/v1/actors/"+alice.ID, alice.Token.Access, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/actors/"+alice.ID, bob.Token.Access, nil), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodDelete, "/v1/actors/"+alice.ID, alice.Token.Access, nil), http.StatusForbidden)

	expectStatus(t, s.do(t, http.MethodDelete, "/v1/actors/"+alice.ID, root.Token.Access, nil), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodDelete, "/v1/actors/"+alice.ID, root.Token.Access, nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/me", alice.Token.Access, nil), http.StatusUnauthorized)

	// The identity is free again after the soft delete.
	s.join(t, "alice@x.com", "member")
}

func TestAssignmentEndpoints(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	manager := s.join(t, "m@x.com", "manager")
	member := s.join(t, "a@x.com", "member")

	body := map[string]string{"actor_id": member.ID, "tenant_id": "t1"}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/assignments", manager.Token.Access, body), http.StatusForbidden)

	rr := s.do(t, http.MethodPost, "/v1/assignments", root.Token.Access, body)
	expectStatus(t, rr, http.StatusCreated)
	created := decode[struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}](t, rr)
	if created.Status != "active" {
		t.Fatalf("unexpected assignment: %+v", created)
	}
	expectStatus(t, s.do(t, http.MethodPost, "/v1/assignments", root.Token.Access, body), http.StatusConflict)

	rr = s.do(t, http.MethodPatch, "/v1/assignments/"+created.ID, root.Token.Access, map[string]string{"status": "suspended"})
	expectStatus(t, rr, http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t1/records", member.Token.Access, nil), http.StatusForbidden)

	rr = s.do(t, http.MethodPatch, "/v1/assignments/"+created.ID, root.Token.Access, map[string]string{"status": "gone"})
	expectStatus(t, rr, http.StatusBadRequest)

	expectStatus(t, s.do(t, http.MethodDelete, "/v1/assignments/"+created.ID, root.Token.Access, nil), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodDelete, "/v1/assignments/"+created.ID, root.Token.Access, nil), http.StatusNotFound)

	rr = s.do(t, http.MethodGet, "/v1/actors/"+member.ID+"/assignments", member.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	owner := s.join(t, "owner@x.com", "member")
	peer := s.join(t, "peer@x.com", "member")
	outsider := s.join(t, "out@x.com", "member")
	manager := s.join(t, "boss@x.com", "manager")
	s.assign(t, owner.ID, "t1")
	s.assign(t, peer.ID, "t1")
	s.assign(t, manager.ID, "t1")
	s.assign(t, outsider.ID, "t2")

	rr := s.do(t, http.MethodPost, "/v1/tenants/t1/records", owner.Token.Access, map[string]any{
		"code": "R-1", "name": "First", "attributes": map[string]any{"color": "red"},
	})
	expectStatus(t, rr, http.StatusCreated)
	rec := decode[records.Record](t, rr)
	if rec.OwnerID != owner.ID || rec.TenantID != "t1" || rec.Attributes["color"] != "red" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/v1/tenants/t1/records", outsider.Token.Access, map[string]any{"code": "X", "name": "x"}), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodPost, "/v1/tenants/t1/records", owner.Token.Access, map[string]any{"code": "R-1", "name": "dup"}), http.StatusConflict)

	path := "/v1/records/" + rec.ID
	expectStatus(t, s.do(t, http.MethodGet, path, peer.Token.Access, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, path, outsider.Token.Access, nil), http.StatusForbidden)

	// Members edit only what they own; managers edit anything in the tenant.
	expectStatus(t, s.do(t, http.MethodPatch, path, peer.Token.Access, map[string]any{"name": "Peer"}), http.StatusForbidden)
	rr = s.do(t, http.MethodPatch, path, manager.Token.Access, map[string]any{"name": "Managed"})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[records.Record](t, rr).Name; got != "Managed" {
		t.Fatalf("expected updated name, got %q", got)
	}
	expectStatus(t, s.do(t, http.MethodPatch, path, owner.Token.Access, map[string]any{}), http.StatusBadRequest)

	expectStatus(t, s.do(t, http.MethodDelete, path, owner.Token.Access, nil), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodDelete, path, owner.Token.Access, nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, path, owner.Token.Access, nil), http.StatusNotFound)

	expectStatus(t, s.do(t, http.MethodDelete, path+"/purge", manager.Token.Access, nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodDelete, path+"/purge", root.Token.Access, nil), http.StatusNoContent)
	expectStatus(t, s.do(t, http.MethodDelete, path+"/purge", root.Token.Access, nil), http.StatusNotFound)
}

func TestListRecordsPaginates(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	member := s.join(t, "a@x.com", "member")
	s.assign(t, member.ID, "t1")

	for _, code := range []string{"c", "a", "b"} {
		rr := s.do(t, http.MethodPost, "/v1/tenants/t1/records", member.Token.Access, map[string]any{"code": code, "name": code})
		expectStatus(t, rr, http.StatusCreated)
	}

	rr := s.do(t, http.MethodGet, "/v1/tenants/t1/records?order=code&limit=2&page=1", member.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
	page := decode[records.Page](t, rr)
	if page.Pagination != (records.Pagination{Current: 1, Limit: 2, Records: 3, Pages: 2}) {
		t.Fatalf("unexpected pagination: %+v", page.Pagination)
	}
	if len(page.Data) != 2 || page.Data[0].Code != "a" || page.Data[1].Code != "b" {
		t.Fatalf("unexpected page data: %+v", page.Data)
	}

	rr = s.do(t, http.MethodGet, "/v1/tenants/t1/records?order=code&desc=true", member.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[records.Page](t, rr).Data[0].Code; got != "c" {
		t.Fatalf("expected descending order, got %q first", got)
	}

	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t1/records?limit=101", member.Token.Access, nil), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t1/records?page=0", member.Token.Access, nil), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t1/records?order=owner", member.Token.Access, nil), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t1/records?include_deleted=true", member.Token.Access, nil), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t1/records?include_deleted=true", root.Token.Access, nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, "/v1/tenants/t2/records", member.Token.Access, nil), http.StatusForbidden)
}

func TestAuditEndpoint(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	member := s.join(t, "a@x.com", "member")

	expectStatus(t, s.do(t, http.MethodGet, "/v1/audit", member.Token.Access, nil), http.StatusForbidden)

	rr := s.do(t, http.MethodGet, "/v1/audit?action=auth.register&limit=10", root.Token.Access, nil)
	expectStatus(t, rr, http.StatusOK)
	body := decode[struct {
		Data []audit.Entry `json:"data"`
	}](t, rr)
	if len(body.Data) != 2 {
		t.Fatalf("expected 2 register entries, got %d", len(body.Data))
	}
	for _, e := range body.Data {
		if e.Action != "auth.register" {
			t.Fatalf("filter leaked %q", e.Action)
		}
	}

	expectStatus(t, s.do(t, http.MethodGet, "/v1/audit?since=yesterday", root.Token.Access, nil), http.StatusBadRequest)
}

func TestRecordRoutesRejectNonUUIDKeys(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	path := "/v1/records/" + ids.New()

	expectStatus(t, s.do(t, http.MethodGet, path, root.Token.Access, nil), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodPatch, path, root.Token.Access, map[string]any{"name": "x"}), http.StatusBadRequest)
	expectStatus(t, s.do(t, http.MethodDelete, path, root.Token.Access, nil), http.StatusBadRequest)
}

func TestAuditStream(t *testing.T) {
	s := newTestServer(t)
	root := s.admin(t)
	member := s.join(t, "a@x.com", "member")

	expectStatus(t, s.do(t, http.MethodGet, "/v1/audit/stream", member.Token.Access, nil), http.StatusForbidden)

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/audit/stream?action=actor.deactivate", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+root.Token.Access)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q, %v", line, err)
	}

	s.join(t, "b@x.com", "member")
	if _, err := s.svc.Deactivate(context.Background(), member.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	var entry audit.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if entry.Action != "actor.deactivate" || entry.EntityID != member.ID {
		t.Fatalf("unexpected event: %+v", entry)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/v1/nope", "", nil)
	expectStatus(t, rr, http.StatusNotFound)
	if decode[map[string]any](t, rr)["error"] != "not found" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}
