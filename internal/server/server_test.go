package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"ballotline/internal/catalog"
	"ballotline/internal/config"
	"ballotline/internal/db"
	"ballotline/internal/engine"
	"ballotline/internal/metrics"
	"ballotline/internal/migrate"
	"ballotline/internal/realtime"
	"ballotline/internal/scheduler"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Bus    *realtime.MemoryBus
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.New(cfg.Templates)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	e := engine.New(conn, cfg, cat)
	e.RequireMembership = false
	bus := realtime.NewMemoryBus()
	relay := &realtime.Relay{Repo: e.Repo, Publisher: bus}
	e.Relay = relay
	if err := e.SeedRBAC(context.Background()); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	m := metrics.New()
	handler, err := New(Config{
		Engine:    e,
		Scheduler: scheduler.New(e, 2, nil, m),
		Relay:     relay,
		Metrics:   m,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Bus:    bus,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %s, got %s: %s", code, env.Error.Code, string(data))
	}
	return env
}

func createInstance(t *testing.T, srv *testServer, body map[string]any) InstanceResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances", body, as("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create instance status %d: %s", res.StatusCode, string(data))
	}
	var inst InstanceResponse
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	return inst
}

func TestHealthIsOpenAndRoutesNeedAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestProposalBudgetAndPhaseRules(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inst := createInstance(t, srv, map[string]any{
		"template_id": "participatory-budgeting",
		"name":        "City budget 2024",
		"phase_schedule": []map[string]any{
			{"settings": map[string]any{"budget": 1000}},
		},
	})
	if inst.CurrentPhaseID != "propose" || inst.Revision != 1 {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	base := srv.URL + "/v0/instances/" + inst.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/proposals", map[string]any{
		"title":  "New park",
		"budget": 1200,
	}, as("alice"))
	env := expectError(t, res, data, http.StatusUnprocessableEntity, engine.CodeBudgetExceedsCap)
	if env.Error.Details["source"] != "phase_settings" {
		t.Fatalf("expected phase_settings source, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/proposals", map[string]any{
		"title":  "New park",
		"budget": 800,
	}, as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var p engine.ProposalView
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode proposal: %v", err)
	}
	if p.AuthorProfileID != "alice" || p.Status != engine.StatusSubmitted {
		t.Fatalf("unexpected proposal: %+v", p)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/ballot", map[string]any{
		"proposal_ids": []string{p.ID},
	}, as("alice"))
	expectError(t, res, data, http.StatusConflict, engine.CodePhaseDoesNotAllowVoting)

	res, data = doJSON(t, client, http.MethodGet, base+"/proposals", nil, as("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list proposals status %d: %s", res.StatusCode, string(data))
	}
	var list []engine.ProposalView
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode proposals: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(list))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/missing", nil, as("alice"))
	expectError(t, res, data, http.StatusNotFound, engine.CodeInstanceNotFound)
}

func TestUpdateInstanceGuards(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inst := createInstance(t, srv, map[string]any{"template_id": "simple-vote"})
	url := srv.URL + "/v0/instances/" + inst.ID

	res, data := doJSON(t, client, http.MethodPatch, url, map[string]any{"name": "Renamed"}, as("mallory"))
	expectError(t, res, data, http.StatusForbidden, engine.CodeForbidden)

	res, data = doJSON(t, client, http.MethodPatch, url, map[string]any{"name": "Renamed", "expected_revision": 1}, as("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, url, map[string]any{"name": "Again", "expected_revision": 1}, as("admin"))
	expectError(t, res, data, http.StatusConflict, engine.CodeConcurrencyConflict)
}

func TestEventsNeedInstancePermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inst := createInstance(t, srv, map[string]any{"template_id": "simple-vote"})
	url := srv.URL + "/v0/instances/" + inst.ID + "/events"

	res, data := doJSON(t, client, http.MethodGet, url, nil, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, url+"?limit=1", nil, as("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "instance.created" {
		t.Fatalf("unexpected events: %+v", page.Items)
	}
	if page.Items[0].MutationID == "" {
		t.Fatalf("expected mutation id on event")
	}
}

func TestInviteAcceptGrantsRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	inst := createInstance(t, srv, map[string]any{"template_id": "simple-vote"})
	base := srv.URL + "/v0/instances/" + inst.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/invites", map[string]any{
		"profile_id": "carol",
		"role":       "member",
	}, as("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("invite status %d: %s", res.StatusCode, string(data))
	}
	var inv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &inv); err != nil {
		t.Fatalf("decode invite: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/invites/"+inv.ID+"/accept", nil, as("mallory"))
	if res.StatusCode < 400 {
		t.Fatalf("expected another profile to be refused, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/invites/"+inv.ID+"/accept", nil, as("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/me/permissions", nil, as("carol"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("permissions status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("decode permissions: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "member" {
		t.Fatalf("expected member role, got %+v", who)
	}
}

func TestSchedulerTickNeedsGlobalPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/tick", nil, as("admin"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "cron",
		"permissions": []string{"scheduler.tick", "outbox.manage"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"source":"jwt"`) {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}

	end := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	inst := createInstance(t, srv, map[string]any{
		"template_id":    "simple-vote",
		"phase_schedule": []map[string]any{{"planned_end_date": end}},
	})

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/scheduler/tick", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick status %d: %s", res.StatusCode, string(data))
	}
	var sum TickResponse
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+inst.ID, nil, bearer)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"current_phase_id":"vote"`) {
		t.Fatalf("instance not advanced: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/outbox/flush", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flush status %d: %s", res.StatusCode, string(data))
	}
	if len(srv.Bus.Published()) == 0 {
		t.Fatalf("expected invalidations on the bus")
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ballotline_scheduler_ticks_total") {
		t.Fatalf("metrics status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v0/instances/{instance_id}/ballot"]; !ok {
		t.Fatalf("ballot route missing from openapi")
	}
}
