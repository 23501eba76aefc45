package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusline/internal/config"
	"statusline/internal/db"
	"statusline/internal/domain"
	"statusline/internal/engine"
	"statusline/internal/events"
	"statusline/internal/migrate"
	"statusline/internal/notify"
	"statusline/internal/repo"
)

const (
	testFeature = "001-feature"
	testSecret  = "test-secret"
)

type testServer struct {
	*httptest.Server
	FeatureDir string
}

func newTestServer(t *testing.T, opts ...func(*engine.Engine)) *testServer {
	t.Helper()
	root := t.TempDir()
	featureDir := filepath.Join(root, config.SpecsDir, testFeature)
	require.NoError(t, os.MkdirAll(filepath.Join(featureDir, "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(featureDir, "tasks", "WP01.md"), []byte("---\nlane: planned\n---\n"), 0o644))

	e := engine.New(root, &config.Config{})
	e.Notifier = notify.Nop{}
	e.Branch = func(context.Context, string) (string, error) { return "main", nil }
	clock := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for _, opt := range opts {
		opt(&e)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, FeatureDir: featureDir}
}

func asActor(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func (s *testServer) transition(t *testing.T, body map[string]any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/features/"+testFeature+"/transitions", body, headers)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/status", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)
}

func TestTransitionFlow(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "claimed"}, asActor("agent1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evt domain.StatusEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "agent1", evt.Actor)
	assert.Equal(t, domain.LanePlanned, evt.FromLane)
	assert.Equal(t, domain.LaneClaimed, evt.ToLane)

	res, data = srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "done"}, asActor("agent1"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "illegal_transition", apiErr.Code)
	assert.Equal(t, "claimed", apiErr.Details["from_lane"])

	res, data = srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "done", "force": true}, asActor("admin"))
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "force_justification_required", decodeError(t, data).Code)

	res, data = srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "doing"}, asActor("agent1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, domain.LaneInProgress, evt.ToLane)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/status", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var status StatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, 1, status.Phase.Phase)
	assert.Equal(t, 2, status.Snapshot.EventCount)
	assert.Equal(t, domain.LaneInProgress, status.Snapshot.WorkPackages["WP01"].Lane)
	assert.Len(t, status.Snapshot.Summary, 7)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/work-packages/WP01/history", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist.Events, 2)
	assert.Equal(t, domain.LaneClaimed, hist.Events[0].ToLane)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/work-packages/WP09", nil, asActor("reader"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestTransitionActorFromJWT(t *testing.T) {
	srv := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "agent-jwt"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	headers := map[string]string{"Authorization": "Bearer " + token, "X-Actor-Id": "ignored"}

	res, data := srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "claimed"}, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evt domain.StatusEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "agent-jwt", evt.Actor)
}

func TestJWTSubjectIsTheOnlyIdentityClaim(t *testing.T) {
	srv := newTestServer(t)
	sign := func(claims jwt.MapClaims) map[string]string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return map[string]string{"Authorization": "Bearer " + token}
	}

	res, data := srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "claimed"}, sign(jwt.MapClaims{"sub": "agent-jwt", "roles": []string{"admin"}}))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evt domain.StatusEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "agent-jwt", evt.Actor)

	res, data = srv.transition(t, map[string]any{"wp_id": "WP02", "to_lane": "claimed"}, sign(jwt.MapClaims{"roles": []string{"admin"}}))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)
}

func TestTransitionRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.transition(t, map[string]any{"wp_id": "WP01"}, asActor("agent1"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "shipped"}, asActor("agent1"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "unknown_lane", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/features/999-nope/transitions", map[string]any{"wp_id": "WP01", "to_lane": "claimed"}, asActor("agent1"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestListEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, body := range []map[string]any{
		{"wp_id": "WP01", "to_lane": "claimed"},
		{"wp_id": "WP02", "to_lane": "claimed"},
		{"wp_id": "WP01", "to_lane": "in_progress"},
	} {
		res, data := srv.transition(t, body, asActor("agent1"))
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	}

	base := srv.URL + "/v0/features/" + testFeature + "/events"
	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"?limit=2", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, domain.LaneInProgress, page.Items[0].ToLane)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"?limit=2&cursor="+page.NextCursor, nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedEvents
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Equal(t, "WP01", next.Items[0].WPID)
	assert.Empty(t, next.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"?wp_id=WP02", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 1)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, base+"?cursor=broken", nil, asActor("reader"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCorruptLogIsReported(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(srv.FeatureDir, events.FileName), []byte("{broken\n"), 0o644))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/status", nil, asActor("reader"))
	require.Equal(t, http.StatusInternalServerError, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "corrupt_event_log", apiErr.Code)
	assert.EqualValues(t, 1, apiErr.Details["line"])
}

func TestMaterializeAndValidate(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "claimed"}, asActor("agent1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, os.WriteFile(filepath.Join(srv.FeatureDir, "tasks", "WP01.md"), []byte("---\nlane: blocked\n---\n"), 0o644))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/validate", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rep ValidateResponse
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.False(t, rep.OK)
	require.Len(t, rep.Drift, 1)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/features/"+testFeature+"/materialize", nil, asActor("agent1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var mat MaterializeResponse
	require.NoError(t, json.Unmarshal(data, &mat))
	assert.Equal(t, []string{"WP01"}, mat.Views.Updated)
}

func TestOpenAPISpecServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/features/{feature}/transitions")
	assert.Contains(t, string(data), "bearerAuth")
}

func TestIndexBackedWorkPackage(t *testing.T) {
	plain := newTestServer(t)
	res, data := doJSON(t, plain.Client(), http.MethodGet, plain.URL+"/v0/features/"+testFeature+"/index", nil, asActor("reader"))
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "index_not_configured", decodeError(t, data).Code)

	srv := newTestServer(t, func(e *engine.Engine) {
		conn, err := db.Open(db.Config{Root: e.Root})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, migrate.Migrate(context.Background(), conn))
		e.Index = &repo.Repo{DB: conn}
	})
	res, data = srv.transition(t, map[string]any{"wp_id": "WP01", "to_lane": "claimed"}, asActor("agent1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/index", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var st engine.IndexStatus
	require.NoError(t, json.Unmarshal(data, &st))
	assert.True(t, st.Indexed)
	assert.False(t, st.Stale)
	assert.Equal(t, 1, st.Lanes[domain.LaneClaimed])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/work-packages/WP01", nil, asActor("reader"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var wp WorkPackageResponse
	require.NoError(t, json.Unmarshal(data, &wp))
	assert.Equal(t, domain.LaneClaimed, wp.State.Lane)
	assert.Equal(t, "agent1", wp.State.Actor)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/features/"+testFeature+"/work-packages/WP09", nil, asActor("reader"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
