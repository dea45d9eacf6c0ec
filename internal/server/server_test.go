package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"reviewgate/internal/config"
	"reviewgate/internal/db"
	"reviewgate/internal/domain"
	"reviewgate/internal/engine"
	"reviewgate/internal/migrate"
	"reviewgate/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
	}
}

func get(t *testing.T, client *http.Client, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
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

func seedSession(t *testing.T, srv *testServer) domain.Session {
	t.Helper()
	s, err := srv.Engine.StartSession(context.Background(), engine.SessionStartOptions{
		Task: "add api endpoint for service accounts",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Open: true})
	s := seedSession(t, srv)

	res, data := get(t, srv.client, srv.URL+"/v0/sessions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list sessions status %d: %s", res.StatusCode, data)
	}
	var sessions []domain.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != s.ID {
		t.Fatalf("sessions = %+v", sessions)
	}

	res, data = get(t, srv.client, srv.URL+"/v0/sessions/"+s.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get session status %d: %s", res.StatusCode, data)
	}
	var detail SessionDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Session.Phase != domain.PhaseSetup {
		t.Fatalf("phase = %s", detail.Session.Phase)
	}
	if len(detail.Actors) != 5 {
		t.Fatalf("actors = %d, want 5", len(detail.Actors))
	}

	res, _ = get(t, srv.client, srv.URL+"/v0/sessions/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status %d, want 404", res.StatusCode)
	}
}

func TestStatusReflectsLatestSession(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Open: true})
	s := seedSession(t, srv)

	res, data := get(t, srv.client, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var body StatusBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.SessionID != s.ID || body.Phase != domain.PhaseSetup {
		t.Fatalf("status body = %+v", body)
	}
}

func TestStatusWithoutSessions(t *testing.T) {
	srv := newTestServer(t, AuthConfig{Open: true})
	res, _ := get(t, srv.client, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404 when no sessions exist", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	seedSession(t, srv)

	res, _ := get(t, srv.client, srv.URL+"/v0/sessions", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", res.StatusCode)
	}

	// health stays open
	res, _ = get(t, srv.client, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	seedSession(t, srv)

	key := "rg_test_key_123"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "tester",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: "2026-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, _ := get(t, srv.client, srv.URL+"/v0/sessions", map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d, want 200", res.StatusCode)
	}
	res, _ = get(t, srv.client, srv.URL+"/v0/sessions", map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d, want 401", res.StatusCode)
	}
}

func TestWhoami(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	key := "rg_whoami_key"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      "key-2",
		ActorID: "agent-7",
		KeyHash: repo.HashAPIKey(key),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := get(t, srv.client, srv.URL+"/v0/me", map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", res.StatusCode, data)
	}
	var body PrincipalBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.ActorID != "agent-7" || body.Source != "api_key" {
		t.Fatalf("principal = %+v", body)
	}

	res, _ = get(t, srv.client, srv.URL+"/v0/me", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated whoami status %d, want 401", res.StatusCode)
	}
}
