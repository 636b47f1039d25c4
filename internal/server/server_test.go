package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"humanrpc/internal/config"
	"humanrpc/internal/db"
	"humanrpc/internal/engine"
	"humanrpc/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Consensus.MinVoters = 3
	cfg.Consensus.MaxVoters = 3
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
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
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
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

func registerVoter(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/voters", map[string]any{
		"id":    id,
		"stake": 100,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register voter %s: %d %s", id, res.StatusCode, string(data))
	}
}

func TestHealthWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestVoteFlowToSettlement(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyVoterHeader: true})
	defer cleanup()
	client := srv.Client()
	for _, id := range []string{"alice", "bob", "carol"} {
		registerVoter(t, srv, id)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"agent_id":  "agent-1",
		"summary":   "deployment is safe",
		"certainty": 0.95,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Phase != 1 || created.RequiredVoters != 3 {
		t.Fatalf("unexpected task: %+v", created)
	}

	// needed = ceil(3 * threshold); two yes votes settle with the default
	// sliding scale at certainty 0.95
	var vote VoteResponse
	for _, voter := range []string{"alice", "bob"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/votes", map[string]any{
			"decision": "yes",
		}, map[string]string{"X-Voter-Id": voter})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("vote %s: %d %s", voter, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &vote); err != nil {
			t.Fatalf("unmarshal vote: %v", err)
		}
	}
	if !vote.Reached || vote.Verdict == nil {
		t.Fatalf("expected consensus on second vote: %+v", vote)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", res.StatusCode, string(data))
	}
	var settled TaskResponse
	_ = json.Unmarshal(data, &settled)
	if settled.Status != "completed" || settled.Verdict == nil {
		t.Fatalf("expected completed task, got %+v", settled)
	}
}

func TestDuplicateVoteConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyVoterHeader: true})
	defer cleanup()
	client := srv.Client()
	registerVoter(t, srv, "alice")
	registerVoter(t, srv, "bob")
	registerVoter(t, srv, "carol")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"agent_id":  "agent-1",
		"certainty": 0.5,
	}, nil)
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	headers := map[string]string{"X-Voter-Id": "alice"}
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/votes", map[string]any{"decision": "yes"}, headers); res.StatusCode != http.StatusCreated {
		t.Fatalf("first vote: %d %s", res.StatusCode, string(body))
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/votes", map[string]any{"decision": "no"}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
}

func TestVoteRequiresIdentity(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"agent_id":  "agent-1",
		"certainty": 0.5,
	}, nil)
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/votes", map[string]any{"decision": "yes"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+created.ID+"/votes", map[string]any{
		"decision":  "yes",
		"anonymous": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("anonymous vote: %d %s", res.StatusCode, string(body))
	}
}

func TestLeaderboardRanking(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyVoterHeader: true})
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	registerVoter(t, srv, "alice")
	registerVoter(t, srv, "bob")
	if err := srv.Engine.Repo.AddScore(ctx, "bob", 40); err != nil {
		t.Fatal(err)
	}
	if err := srv.Engine.Repo.AddScore(ctx, "alice", 10); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/leaderboard", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard: %d %s", res.StatusCode, string(data))
	}
	var board []LeaderboardEntry
	if err := json.Unmarshal(data, &board); err != nil {
		t.Fatalf("unmarshal leaderboard: %v", err)
	}
	if len(board) != 2 || board[0].ID != "bob" || board[0].Rank != 1 || board[1].ID != "alice" {
		t.Fatalf("unexpected ranking: %+v", board)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyVoterHeader: true})
	defer cleanup()
	client := srv.Client()
	registerVoter(t, srv, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "laptop",
	}, map[string]string{"X-Voter-Id": "alice"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("raw key must be returned once on creation")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys via api key: %d %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	_ = json.Unmarshal(data, &keys)
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("listing must not leak raw keys: %+v", keys)
	}
}

func TestJWTAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"voter_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status with bearer: %d %s", res.StatusCode, string(data))
	}
}
