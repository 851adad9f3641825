package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotfleet/internal/config"
	"robotfleet/internal/db"
	"robotfleet/internal/domain"
	"robotfleet/internal/engine"
	"robotfleet/internal/events"
	"robotfleet/internal/migrate"
	"robotfleet/internal/repo"
)

const (
	testAPIKey    = "fleet-test-key"
	testJWTSecret = "test-secret"
)

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type testServer struct {
	URL     string
	client  *http.Client
	conn    *sql.DB
	repo    repo.Repo
	trigger *countingTrigger
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn, Events: events.Writer{}}
	require.NoError(t, r.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      "key-1",
		ActorID: "operator",
		KeyHash: repo.HashAPIKey(testAPIKey),
	}))
	if authCfg.JWTSecret == "" {
		authCfg.JWTSecret = testJWTSecret
	}
	authCfg.DevLogin = true
	trigger := &countingTrigger{}
	handler, err := New(Config{
		Engine:   engine.New(r, nil),
		Repo:     r,
		BasePath: "/v0",
		Auth:     authCfg,
		Runner:   trigger,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{},
		conn:    conn,
		repo:    r,
		trigger: trigger,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

var operator = map[string]string{"X-Api-Key": testAPIKey}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

type seeded struct {
	licence      LicenceResponse
	alimentation AlimentationResponse
	guidage      GuidageResponse
}

func seed(t *testing.T, srv *testServer, expires time.Time) seeded {
	t.Helper()
	c := srv.Client()
	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v0/licences", map[string]any{"expiration_date": expires}, operator)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	l := decode[LicenceResponse](t, data)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/alimentations", map[string]any{"alimentationType": "SOLAIRE", "isHealthy": true, "capacity": 80}, operator)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	a := decode[AlimentationResponse](t, data)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/guidages", map[string]any{"isHealthy": true}, operator)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	g := decode[GuidageResponse](t, data)
	return seeded{licence: l, alimentation: a, guidage: g}
}

func createRobot(t *testing.T, srv *testServer, s seeded, name, motor string, healthy bool) RobotResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/robots", map[string]any{
		"name":            name,
		"isHealthy":       healthy,
		"motor":           motor,
		"alimentation_id": s.alimentation.ID,
		"guidage_id":      s.guidage.ID,
		"licence_id":      s.licence.ID,
	}, operator)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[RobotResponse](t, data)
}

func TestHealthAndRootAreOpen(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/robots", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/robots", nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAPIKeysCanBeDisabled(t *testing.T) {
	srv := newTestServer(t, AuthConfig{APIKeysDisabled: true})
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/robots", nil, operator)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRobotCarriesConsumption(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	s := seed(t, srv, time.Now().Add(24*time.Hour))
	r := createRobot(t, srv, s, "R2", "GRAND", true)
	assert.Equal(t, 30, r.Consumption)

	res, data := doJSON(t, srv.Client(), http.MethodGet, fmt.Sprintf("%s/v0/robots/%d", srv.URL, r.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[RobotResponse](t, data)
	assert.Equal(t, r, got)
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	s := seed(t, srv, time.Now().Add(time.Hour))
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v0/robots", map[string]any{
		"name": "bad", "isHealthy": true, "motor": "ENORME",
		"alimentation_id": s.alimentation.ID, "guidage_id": s.guidage.ID, "licence_id": s.licence.ID,
	}, operator)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/robots", map[string]any{
		"name": "orphan", "isHealthy": true, "motor": "PETIT",
		"alimentation_id": s.alimentation.ID, "guidage_id": 999, "licence_id": s.licence.ID,
	}, operator)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/alimentations", map[string]any{"alimentationType": "CHARBON", "isHealthy": true, "capacity": 1}, operator)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, c, http.MethodPut, fmt.Sprintf("%s/v0/guidages/%d/status", srv.URL, s.guidage.ID), nil, operator)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestEmptyBodiesAreRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v0/auth/dev/login", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/guidages", nil, operator)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v0/guidages", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[[]GuidageResponse](t, data))
}

func TestLicenceHealthFollowsExpiry(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()
	expired := seed(t, srv, time.Now().Add(-time.Hour))
	assert.False(t, expired.licence.IsHealthy)
	r := createRobot(t, srv, expired, "late", "PETIT", true)

	res, data := doJSON(t, c, http.MethodPut, fmt.Sprintf("%s/v0/licences/%d/status?status=true", srv.URL, expired.licence.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	l := decode[LicenceResponse](t, data)
	assert.False(t, l.IsHealthy)
	assert.Equal(t, []int64{r.ID}, l.AffectedRobots)
	assert.Equal(t, int32(1), srv.trigger.n.Load())

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v0/licences?isHealthy=false", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]LicenceResponse](t, data), 1)
}

func TestDependencyFailureCascadesAndRecoveryIsGuarded(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()
	s := seed(t, srv, time.Now().Add(24*time.Hour))
	r1 := createRobot(t, srv, s, "r1", "PETIT", true)
	r2 := createRobot(t, srv, s, "r2", "MOYEN", true)

	res, data := doJSON(t, c, http.MethodPut, fmt.Sprintf("%s/v0/guidages/%d/status?status=false", srv.URL, s.guidage.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	g := decode[GuidageResponse](t, data)
	assert.False(t, g.IsHealthy)
	assert.ElementsMatch(t, []int64{r1.ID, r2.ID}, g.AffectedRobots)
	assert.Equal(t, int32(1), srv.trigger.n.Load())

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v0/robots?isHealthy=false&guidage_id="+fmt.Sprint(s.guidage.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]RobotResponse](t, data), 2)

	res, data = doJSON(t, c, http.MethodPut, fmt.Sprintf("%s/v0/robots/%d/status?status=true", srv.URL, r1.ID), nil, operator)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "dependency_unhealthy", env.Error.Code)
	assert.Equal(t, []any{"guidage"}, env.Error.Details["unhealthy"])

	res, _ = doJSON(t, c, http.MethodPut, fmt.Sprintf("%s/v0/guidages/%d/status?status=true", srv.URL, s.guidage.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(1), srv.trigger.n.Load())

	res, data = doJSON(t, c, http.MethodPut, fmt.Sprintf("%s/v0/robots/%d/status?status=true", srv.URL, r1.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[RobotResponse](t, data).IsHealthy)

	res, data = doJSON(t, c, http.MethodPut, srv.URL+"/v0/robots/update_health_status", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	summary := decode[ReconcileResponse](t, data)
	assert.Equal(t, 1, summary.RobotsRecovered)
	assert.NotEmpty(t, summary.RunID)

	res, data = doJSON(t, c, http.MethodGet, fmt.Sprintf("%s/v0/robots/%d", srv.URL, r2.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, decode[RobotResponse](t, data).IsHealthy)
}

func TestListPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	s := seed(t, srv, time.Now().Add(time.Hour))
	for i := 0; i < 12; i++ {
		createRobot(t, srv, s, fmt.Sprintf("r%d", i), "PETIT", true)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/robots", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]RobotResponse](t, data), 10)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/robots?skip=10&limit=5", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page := decode[[]RobotResponse](t, data)
	require.Len(t, page, 2)
	assert.Equal(t, "r10", page[0].Name)
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	for _, p := range []string{"/v0/licences/7", "/v0/alimentations/7", "/v0/guidages/7", "/v0/robots/7"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+p, nil, operator)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, p)
		assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)
	}
	res, _ := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/robots/7/status?status=false", nil, operator)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestJWTPermissions(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.Client()

	res, data := doJSON(t, c, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "viewer"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	viewer := map[string]string{"Authorization": "Bearer " + decode[DevLoginResponse](t, data).Token}

	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/v0/robots", nil, viewer)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/guidages", map[string]any{"isHealthy": true}, viewer)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, c, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "ops", "permissions": []string{PermWrite}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	ops := map[string]string{"Authorization": "Bearer " + decode[DevLoginResponse](t, data).Token}
	res, _ = doJSON(t, c, http.MethodPost, srv.URL+"/v0/guidages", map[string]any{"isHealthy": true}, ops)
	assert.Equal(t, http.StatusCreated, res.StatusCode)

	res, data = doJSON(t, c, http.MethodGet, srv.URL+"/v0/me", nil, ops)
	require.Equal(t, http.StatusOK, res.StatusCode)
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "ops", me.ActorID)
	assert.Equal(t, "jwt", me.Source)

	res, _ = doJSON(t, c, http.MethodGet, srv.URL+"/v0/robots", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestEventsTail(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	s := seed(t, srv, time.Now().Add(time.Hour))
	createRobot(t, srv, s, "r1", "PETIT", true)
	res, _ := doJSON(t, srv.Client(), http.MethodPut, fmt.Sprintf("%s/v0/alimentations/%d/status?status=false", srv.URL, s.alimentation.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=robot.health.changed", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 1)
	evt := page.Items[0]
	assert.Equal(t, "robot", evt.EntityKind)
	assert.Equal(t, "operator", evt.ActorID)
	assert.Equal(t, domain.ReasonCascade, evt.Payload["reason"])
	assert.Equal(t, fmt.Sprintf("alimentation:%d", s.alimentation.ID), evt.Payload["cause"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2", nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page = decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)
	next := decode[paginatedEvents](t, data)
	require.NotEmpty(t, next.Items)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, operator)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStoreUnavailable(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true})
	require.NoError(t, srv.conn.Close())
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/robots/1", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
	assert.Equal(t, "store_unavailable", decode[errorEnvelope](t, data).Error.Code)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/robots/update_health_status")
	assert.Contains(t, paths, "/v0/licences/{id}/status")
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Fleet-Secret"))
		var evt webhookEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	srv := newTestServer(t, AuthConfig{})
	ctx := context.Background()
	d := NewWebhookDispatcher(srv.repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"guidage.health.changed"},
		Secret: "s3cret",
	}}, nil)
	// Prime the cursor before anything happens.
	d.dispatchAll(ctx)

	s := seed(t, srv, time.Now().Add(time.Hour))
	res, _ := doJSON(t, srv.Client(), http.MethodPut, fmt.Sprintf("%s/v0/guidages/%d/status?status=false", srv.URL, s.guidage.ID), nil, operator)
	require.Equal(t, http.StatusOK, res.StatusCode)

	d.dispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "guidage.health.changed", got[0].Type)
	assert.Equal(t, fmt.Sprint(s.guidage.ID), got[0].EntityID)
	assert.JSONEq(t, `{"healthy":false,"previous":true,"reason":"operator"}`, string(got[0].Payload))
}
