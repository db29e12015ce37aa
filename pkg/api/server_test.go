package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/pkg/auth"
	"github.com/perchlabs/perch/pkg/command"
	"github.com/perchlabs/perch/pkg/config"
	"github.com/perchlabs/perch/pkg/ingest"
	"github.com/perchlabs/perch/pkg/query"
	"github.com/perchlabs/perch/pkg/storage"
	"github.com/perchlabs/perch/pkg/types"
)

const testAdminToken = "adm_secret_abc"

type testServer struct {
	*Server
	store *storage.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "perch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hub := command.NewHub()
	cfg := config.DefaultServerConfig()
	cfg.UseTLS = false

	srv := NewServer(cfg, Deps{
		Store:      s,
		Pipeline:   ingest.New(s),
		Engine:     query.New(s),
		Commands:   command.NewManager(s, hub),
		Hub:        hub,
		AdminToken: testAdminToken,
	})
	return &testServer{Server: srv, store: s}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

func adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// register enrolls a fresh agent through the real endpoint and returns
// its bearer token.
func (ts *testServer) register(t *testing.T, agentID string) string {
	t.Helper()
	id, err := auth.LoadOrCreateIdentity(t.TempDir())
	require.NoError(t, err)

	now := time.Now().Unix()
	sig, err := id.SignChallenge(agentID, now)
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/api/clients/register", map[string]any{
		"agent_id":    agentID,
		"hostname":    agentID,
		"public_key":  id.Public,
		"nonce":       "nonce1",
		"timestamp":   now,
		"signature":   sig,
		"admin_token": testAdminToken,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp registerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.BearerToken)
	return resp.BearerToken
}

func TestRegistrationHappyPath(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	w := ts.do(t, http.MethodGet, "/api/client/verify", nil, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code)

	var verify struct {
		AgentID  string `json:"agent_id"`
		Hostname string `json:"hostname"`
		LastSeen int64  `json:"last_seen"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	assert.Equal(t, "host01", verify.AgentID)
	assert.Equal(t, "host01", verify.Hostname)
	assert.InDelta(t, time.Now().Unix(), verify.LastSeen, 5)
}

func TestRegistrationRejections(t *testing.T) {
	ts := newTestServer(t)
	id, err := auth.LoadOrCreateIdentity(t.TempDir())
	require.NoError(t, err)
	now := time.Now().Unix()
	sig, err := id.SignChallenge("host01", now)
	require.NoError(t, err)

	base := map[string]any{
		"agent_id": "host01", "hostname": "host01", "public_key": id.Public,
		"nonce": "n", "timestamp": now, "signature": sig, "admin_token": testAdminToken,
	}

	// Bad admin token.
	bad := map[string]any{}
	for k, v := range base {
		bad[k] = v
	}
	bad["admin_token"] = "wrong"
	w := ts.do(t, http.MethodPost, "/api/clients/register", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Tampered signature.
	bad = map[string]any{}
	for k, v := range base {
		bad[k] = v
	}
	bad["agent_id"] = "host02"
	w = ts.do(t, http.MethodPost, "/api/clients/register", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Happy path, then same agent_id with a different key.
	w = ts.do(t, http.MethodPost, "/api/clients/register", base, nil)
	require.Equal(t, http.StatusOK, w.Code)

	other, err := auth.LoadOrCreateIdentity(t.TempDir())
	require.NoError(t, err)
	sig2, err := other.SignChallenge("host01", now)
	require.NoError(t, err)
	conflict := map[string]any{
		"agent_id": "host01", "hostname": "host01", "public_key": other.Public,
		"nonce": "n", "timestamp": now, "signature": sig2, "admin_token": testAdminToken,
	}
	w = ts.do(t, http.MethodPost, "/api/clients/register", conflict, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(types.KindAlreadyRegistered), body.ErrorKind)

	// Same key re-registers idempotently and gets the same token back.
	w = ts.do(t, http.MethodPost, "/api/clients/register", base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w2 := ts.do(t, http.MethodPost, "/api/clients/register", base, nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.JSONEq(t, w.Body.String(), w2.Body.String())
}

func TestIngestAndDuplicateIdempotency(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	batch := map[string]any{
		"agent_id":        "host01",
		"batch_timestamp": time.Now().Unix(),
		"samples": []map[string]any{
			{"metric_name": "cpu_usage_percent", "labels": map[string]string{}, "value": 42.0, "timestamp": time.Now().Unix() - 10},
			{"metric_name": "ipmi_temp_celsius", "labels": map[string]string{"sensor": "CPU Temp"}, "value": 55, "timestamp": time.Now().Unix() - 10},
		},
	}

	w := ts.do(t, http.MethodPost, "/api/metrics", batch, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res types.BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.SeriesCreated)

	// Same batch twice: 200 both times, storage unchanged.
	w = ts.do(t, http.MethodPost, "/api/metrics", batch, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code)

	stats := ts.do(t, http.MethodGet, "/api/stats", nil, adminHeader())
	require.Equal(t, http.StatusOK, stats.Code)
	var st types.StorageStats
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.Points)

	// Wrong identity in the batch body.
	batch["agent_id"] = "host02"
	w = ts.do(t, http.MethodPost, "/api/metrics", batch, bearerHeader(token))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// No token at all.
	batch["agent_id"] = "host01"
	w = ts.do(t, http.MethodPost, "/api/metrics", batch, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCommandRoundTripOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	// Admin enqueues.
	w := ts.do(t, http.MethodPost, "/api/commands", map[string]any{
		"agent_id":     "host01",
		"command_type": "fan_control",
		"payload":      map[string]any{"action": "set_fan_speeds", "zone0": 60, "zone1": 80},
	}, adminHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cmd struct {
		CommandID string `json:"command_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cmd))
	assert.Equal(t, "pending", cmd.Status)

	// Agent may not read another agent's queue.
	w = ts.do(t, http.MethodGet, "/api/commands/host02", nil, bearerHeader(token))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Agent claims its queue; commands flip to delivered.
	w = ts.do(t, http.MethodGet, "/api/commands/host01", nil, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code)
	var claim struct {
		Commands []struct {
			CommandID string          `json:"command_id"`
			Status    string          `json:"status"`
			Payload   json.RawMessage `json:"payload"`
		} `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claim))
	require.Len(t, claim.Commands, 1)
	assert.Equal(t, cmd.CommandID, claim.Commands[0].CommandID)
	assert.Equal(t, "delivered", claim.Commands[0].Status)
	assert.JSONEq(t, `{"action":"set_fan_speeds","zone0":60,"zone1":80}`, string(claim.Commands[0].Payload))

	// Agent posts the result.
	w = ts.do(t, http.MethodPost, "/api/command-results", map[string]any{
		"command_id": cmd.CommandID,
		"status":     "completed",
		"result":     map[string]any{"applied": true},
	}, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Admin polls the final status.
	w = ts.do(t, http.MethodGet, "/api/command/"+cmd.CommandID, nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	var final struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &final))
	assert.Equal(t, "completed", final.Status)
	assert.JSONEq(t, `{"applied":true}`, string(final.Result))
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	paths := []string{"/api/clients", "/api/stats", "/api/timeseries/cpu_usage_percent"}
	for _, p := range paths {
		w := ts.do(t, http.MethodGet, p, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, p)

		// An agent bearer is not an admin credential.
		w = ts.do(t, http.MethodGet, p, nil, bearerHeader(token))
		assert.Equal(t, http.StatusUnauthorized, w.Code, p)
	}

	// Basic auth with the fixed admin username works.
	req := httptest.NewRequest(http.MethodGet, "/api/clients", nil)
	req.SetBasicAuth("admin", testAdminToken)
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/clients", nil)
	req.SetBasicAuth("root", testAdminToken)
	w = httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTimeseriesAndRateEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	now := time.Now().Unix()
	samples := []map[string]any{}
	for i, v := range []int{1000, 3000, 5000} {
		samples = append(samples, map[string]any{
			"metric_name": "network_receive_bytes_total",
			"labels":      map[string]string{},
			"value":       v,
			"timestamp":   now - 300 + int64(i)*100,
		})
	}
	w := ts.do(t, http.MethodPost, "/api/metrics", map[string]any{"samples": samples}, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/timeseries/network_receive_bytes_total?seconds=600&aggregation=max", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	var tsResp struct {
		Series map[string][]query.TimePoint `json:"series"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsResp))
	require.Len(t, tsResp.Series["host01"], 3)

	w = ts.do(t, http.MethodGet, "/api/timeseries/network_receive_bytes_total/rate?seconds=600&rate_window=150&aggregation=sum", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tsResp))
	rates := tsResp.Series["host01"]
	require.NotEmpty(t, rates)
	for _, p := range rates {
		assert.Equal(t, 20.0, p.Value) // +2000 every 100s
	}

	// Unknown aggregation is a 400.
	w = ts.do(t, http.MethodGet, "/api/timeseries/m?aggregation=median", nil, adminHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimeseriesActiveOnly(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")
	ctx := context.Background()
	now := time.Now().Unix()

	// host02 reported once, two hours ago.
	require.NoError(t, ts.store.CreateAgent(ctx, &types.Agent{
		AgentID: "host02", Hostname: "host02", PublicKey: "pem",
		BearerToken: "perch_host02", RegisteredAt: now - 7200,
		LastSeen: now - 7200, Status: types.AgentStatusActive,
	}))
	stale := &types.Series{
		AgentID: "host02", MetricName: "cpu_usage_percent",
		LabelsHash: types.Labels{}.Hash(), Kind: types.KindFloat,
	}
	require.NoError(t, ts.store.CreateSeries(ctx, stale))
	_, err := ts.store.InsertPoints(ctx, types.KindFloat,
		[]types.Point{{SeriesID: stale.SeriesID, Timestamp: now - 60, Value: 90}})
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/api/metrics", map[string]any{
		"samples": []map[string]any{
			{"metric_name": "cpu_usage_percent", "labels": map[string]string{}, "value": 10.5, "timestamp": now - 60},
		},
	}, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Default: the stale agent is filtered out.
	var resp struct {
		Series map[string][]query.TimePoint `json:"series"`
	}
	w = ts.do(t, http.MethodGet, "/api/timeseries/cpu_usage_percent?seconds=600", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Series, "host01")
	assert.NotContains(t, resp.Series, "host02")

	// active_only=false includes it.
	w = ts.do(t, http.MethodGet, "/api/timeseries/cpu_usage_percent?seconds=600&active_only=false", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	resp.Series = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Series, "host02")

	// Explicit agent_ids override the activity filter.
	w = ts.do(t, http.MethodGet, "/api/timeseries/cpu_usage_percent?seconds=600&agent_ids=host02", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	resp.Series = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Series, "host02")
	assert.NotContains(t, resp.Series, "host01")
}

func TestRawPointsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	now := time.Now().Unix()
	w := ts.do(t, http.MethodPost, "/api/metrics", map[string]any{
		"agent_id": "host01",
		"samples": []map[string]any{
			{"metric_name": "ipmi_temp_celsius", "labels": map[string]string{"sensor": "CPU Temp"}, "value": 55, "timestamp": now - 120},
			{"metric_name": "ipmi_temp_celsius", "labels": map[string]string{"sensor": "CPU Temp"}, "value": 58, "timestamp": now - 60},
			{"metric_name": "cpu_usage_percent", "labels": map[string]string{}, "value": 12.5, "timestamp": now - 60},
		},
	}, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/metrics?metric_name=ipmi_temp_celsius&agent_id=host01", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Points []rawPoint `json:"points"`
		Count  int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "host01", resp.Points[0].AgentID)
	assert.Equal(t, types.Labels{"sensor": "CPU Temp"}, resp.Points[0].Labels)
	assert.Equal(t, 55.0, resp.Points[0].Value)

	// limit trims the dump
	w = ts.do(t, http.MethodGet, "/api/metrics?metric_name=ipmi_temp_celsius&limit=1", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	// metric_name is mandatory
	w = ts.do(t, http.MethodGet, "/api/metrics", nil, adminHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogIngestAndQuery(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "host01")

	now := time.Now().Unix()
	w := ts.do(t, http.MethodPost, "/api/logs", map[string]any{
		"agent_id": "host01",
		"entries": []map[string]any{
			{"source": "kernel", "timestamp": now - 60, "severity": 3, "message": "nvme timeout"},
			{"source": "journal", "timestamp": now - 30, "severity": 6, "message": "started unit"},
		},
	}, bearerHeader(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/logs?agent_id=host01&severity=ERROR", nil, adminHeader())
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []types.LogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "nvme timeout", resp.Entries[0].Message)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestDevAdminTokenOnlyInTestMode(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/stats", nil, bearerHeader(config.DevAdminToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ts.cfg.TestMode = true
	w = ts.do(t, http.MethodGet, "/api/stats", nil, bearerHeader(config.DevAdminToken))
	assert.Equal(t, http.StatusOK, w.Code)
}
