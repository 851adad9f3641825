package fleetsdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"robotfleet/internal/app"
	"robotfleet/internal/domain"
	"robotfleet/internal/repo"
	"robotfleet/internal/server"
	fleetsdk "robotfleet/sdk/go"
)

const apiKey = "sdk-test-key"

func newClient(t *testing.T) *fleetsdk.Client {
	t.Helper()
	ctx := context.Background()
	a, err := app.Open(ctx, t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:      "sdk-key",
		ActorID: "sdk-operator",
		KeyHash: repo.HashAPIKey(apiKey),
	}))
	handler, err := server.New(server.Config{
		Engine:   a.Engine,
		Repo:     a.Repo,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := fleetsdk.New(ts.URL)
	c.APIKey = apiKey
	return c
}

type fleet struct {
	alimentation fleetsdk.Alimentation
	guidage      fleetsdk.Guidage
	licence      fleetsdk.Licence
	robot        fleetsdk.Robot
}

func seedFleet(t *testing.T, c *fleetsdk.Client) fleet {
	t.Helper()
	ctx := context.Background()
	var f fleet
	var err error
	f.alimentation, err = c.CreateAlimentation(ctx, "SOLAIRE", 100, true)
	require.NoError(t, err)
	f.guidage, err = c.CreateGuidage(ctx, true)
	require.NoError(t, err)
	f.licence, err = c.CreateLicence(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	f.robot, err = c.CreateRobot(ctx, fleetsdk.Robot{
		Name:           "r2",
		IsHealthy:      true,
		Motor:          "MOYEN",
		AlimentationID: f.alimentation.ID,
		GuidageID:      f.guidage.ID,
		LicenceID:      f.licence.ID,
	})
	require.NoError(t, err)
	return f
}

func TestClientCreateAndRead(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	f := seedFleet(t, c)

	assert.True(t, f.robot.IsHealthy)
	assert.Equal(t, 20, f.robot.Consumption)
	assert.True(t, f.licence.IsHealthy)

	got, err := c.GetRobot(ctx, f.robot.ID)
	require.NoError(t, err)
	assert.Equal(t, f.robot, got)

	robots, err := c.ListRobots(ctx, fleetsdk.RobotListOptions{GuidageID: f.guidage.ID})
	require.NoError(t, err)
	require.Len(t, robots, 1)

	robots, err = c.ListRobots(ctx, fleetsdk.RobotListOptions{GuidageID: f.guidage.ID + 100})
	require.NoError(t, err)
	assert.Empty(t, robots)

	healthy := false
	licences, err := c.ListLicences(ctx, fleetsdk.ListOptions{Healthy: &healthy})
	require.NoError(t, err)
	assert.Empty(t, licences)

	_, err = c.GetRobot(ctx, 9999)
	require.Error(t, err)
	assert.True(t, fleetsdk.IsNotFound(err))
}

func TestClientCascadeAndRecovery(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	f := seedFleet(t, c)

	g, err := c.SetGuidageStatus(ctx, f.guidage.ID, false)
	require.NoError(t, err)
	assert.False(t, g.IsHealthy)
	assert.Equal(t, []int64{f.robot.ID}, g.AffectedRobots)

	r, err := c.GetRobot(ctx, f.robot.ID)
	require.NoError(t, err)
	assert.False(t, r.IsHealthy)

	_, err = c.SetRobotStatus(ctx, f.robot.ID, true)
	require.Error(t, err)
	assert.True(t, fleetsdk.IsDependencyUnhealthy(err))
	var apiErr *fleetsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = c.SetGuidageStatus(ctx, f.guidage.ID, true)
	require.NoError(t, err)

	summary, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 1, summary.RobotsRecovered)
	assert.Equal(t, 0, summary.RobotsDowngraded)

	r, err = c.GetRobot(ctx, f.robot.ID)
	require.NoError(t, err)
	assert.True(t, r.IsHealthy)
}

func TestClientEventsPaging(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	f := seedFleet(t, c)
	_, err := c.SetAlimentationStatus(ctx, f.alimentation.ID, false)
	require.NoError(t, err)

	page, err := c.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	newest := page.Items[0]

	next, err := c.EventsPage(ctx, 1, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Less(t, next.Items[0].ID, newest.ID)
}

func TestClientDevLoginPermissions(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	c.APIKey = ""

	_, err := c.DevLogin(ctx, "viewer", "fleet.read")
	require.NoError(t, err)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "viewer", me.ActorID)
	assert.Equal(t, "jwt", me.Source)

	_, err = c.CreateGuidage(ctx, true)
	var apiErr *fleetsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	_, err = c.ListGuidages(ctx, fleetsdk.ListOptions{})
	require.NoError(t, err)
}
