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

	"protovault/internal/config"
	"protovault/internal/db"
	"protovault/internal/domain"
	"protovault/internal/engine"
	"protovault/internal/migrate"
)

type testServer struct {
	URL    string
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
	cfg := config.Default("protovault")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.InitVault(context.Background(), cfg.Vault.ID, "tester"); err != nil {
		t.Fatalf("init vault: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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
	req.Header.Set("X-Actor-Id", "tester")
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

func protocolPayload() map[string]any {
	return map[string]any{
		"title":          "Supplier Onboarding",
		"category":       "Operations",
		"price":          0,
		"purpose":        "Onboard a new supplier with due diligence checks",
		"scope_includes": "All direct material suppliers",
		"roles":          []map[string]any{{"role": "Procurement Lead"}},
		"risks":          []map[string]any{{"trigger": "Missing tax documents", "severity": "medium"}},
		"escalation":     []map[string]any{{"condition": "No documents after 7 days", "contact": "Head of Procurement"}},
		"kpis":           []string{"onboarding-lead-time"},
		"steps": []map[string]any{
			{"id": "s1", "title": "Collect registration documents", "type": "action"},
			{"id": "s2", "title": "Approve supplier", "type": "decision"},
			{"id": "s3", "title": "Record supplier code", "type": "input"},
		},
	}
}

func createAndPublish(t *testing.T, srv *testServer) domain.Protocol {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", protocolPayload(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create protocol: %d %s", res.StatusCode, string(data))
	}
	var created domain.Protocol
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal protocol: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols/"+created.ID+"/publish", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, string(data))
	}
	var published PublishResponse
	if err := json.Unmarshal(data, &published); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	return published.Protocol
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createAndPublish(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols/"+p.ID+"/runs", map[string]any{}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run: %d %s", res.StatusCode, string(data))
	}
	var started domain.Run
	_ = json.Unmarshal(data, &started)
	if started.Status != "running" || started.Cost != 1 {
		t.Fatalf("unexpected run %+v", started)
	}

	// unsatisfied action gate
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+started.ID+"/advance", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on unsatisfied gate, got %d %s", res.StatusCode, string(data))
	}

	for _, body := range []map[string]any{
		{"confirmed": true},
		{"choice": "approved"},
		{"text": "SUP-001"},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+started.ID+"/advance", body, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance %v: %d %s", body, res.StatusCode, string(data))
		}
	}
	var finished domain.Run
	_ = json.Unmarshal(data, &finished)
	if finished.Status != "completed" {
		t.Fatalf("status = %s, want completed", finished.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+started.ID+"/report", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(data))
	}
	var report ReportResponse
	_ = json.Unmarshal(data, &report)
	if !strings.Contains(report.Report, "EXECUTION LOG") {
		t.Fatalf("report missing sections:\n%s", report.Report)
	}
	if !strings.Contains(report.Report, `Input Value: "SUP-001"`) {
		t.Fatalf("report missing input action:\n%s", report.Report)
	}
}

func TestPublishBlockedBelowThreshold(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := protocolPayload()
	delete(payload, "risks")
	delete(payload, "escalation")
	delete(payload, "kpis")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", payload, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Protocol
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols/"+created.ID+"/publish", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "quality_below_threshold") {
		t.Fatalf("missing error code: %s", string(data))
	}
}

func TestTierDenialStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := protocolPayload()
	payload["price"] = 150 // commander tier
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", payload, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var created domain.Protocol
	_ = json.Unmarshal(data, &created)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols/"+created.ID+"/publish", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols/"+created.ID+"/runs", map[string]any{}, map[string]string{"X-Actor-Id": "fresh-actor"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "insufficient_tier") {
		t.Fatalf("missing error code: %s", string(data))
	}
}

func TestEntitlementRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/entitlements/actor-9", map[string]any{"tier": "commander"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set entitlement: %d %s", res.StatusCode, string(data))
	}
	var ent domain.Entitlement
	_ = json.Unmarshal(data, &ent)
	if ent.Tier != "commander" || ent.Balance != 300 {
		t.Fatalf("unexpected entitlement %+v", ent)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/entitlements/never-seen", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get entitlement: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &ent)
	if ent.Tier != "observer" || ent.Balance != 2 {
		t.Fatalf("default entitlement %+v", ent)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/protocols", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{"actor_id": "svc-1", "name": "ci"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if key.Key == "" {
		t.Fatalf("raw key not returned: %s", string(data))
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/runs", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", key.Key)
	res2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d", res2.StatusCode)
	}
}
