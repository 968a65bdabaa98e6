package repository_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelper emulates the USB helper daemon's JSON API.
type fakeHelper struct {
	mu          sync.Mutex
	initialized []string
	speedBodies []map[string]any
	colorBodies []map[string]any
}

func (h *fakeHelper) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, _ *http.Request) {
		_, err := w.Write([]byte(`[{
            "id": 0,
            "name": "Kraken X63",
            "speed_channels": [
                {"name": "fan", "fixed_enabled": true, "profiles_enabled": true},
                {"name": "pump", "fixed_enabled": true, "manual_profiles_enabled": true}
            ],
            "lighting_channels": [
                {"name": "ring", "modes": ["fixed", "breathing"]}
            ]
        }]`))
		assert.NoError(t, err)
	})
	mux.HandleFunc("/devices/0/initialize", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.initialized = append(h.initialized, r.URL.Path)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/devices/0/status", func(w http.ResponseWriter, _ *http.Request) {
		_, err := w.Write([]byte(`{
            "temps": [{"name": "liquid", "temp": 32.5}],
            "channels": [{"name": "pump", "duty": 60, "rpm": 2400}]
        }`))
		assert.NoError(t, err)
	})
	mux.HandleFunc("/devices/0/speed", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		h.mu.Lock()
		h.speedBodies = append(h.speedBodies, body)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/devices/0/color", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		h.mu.Lock()
		h.colorBodies = append(h.colorBodies, body)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newLiquidRepo(t *testing.T) (*repository.LiquidRepository, *fakeHelper, string) {
	t.Helper()

	helper := &fakeHelper{}
	srv := helper.server(t)

	repo := repository.NewLiquidRepository(srv.URL, srv.Client())
	require.NoError(t, repo.InitializeDevices(context.Background()))

	uid := device.MakeUID(device.TypeLiquid, "Kraken X63", 0)

	return repo, helper, uid
}

func TestLiquidInitializeDevices(t *testing.T) {
	repo, helper, uid := newLiquidRepo(t)

	devices := repo.Devices()
	require.Len(t, devices, 1)
	dev := devices[uid]
	require.NotNil(t, dev)
	assert.Equal(t, "Kraken X63", dev.Name())
	assert.Len(t, helper.initialized, 1, "devices are initialized during discovery")

	fan, ok := dev.Channel("fan")
	require.True(t, ok)
	assert.True(t, fan.Speed.ProfilesEnabled)
	assert.False(t, fan.Speed.ManualProfilesEnabled)

	pump, ok := dev.Channel("pump")
	require.True(t, ok)
	assert.False(t, pump.Speed.ProfilesEnabled)
	assert.True(t, pump.Speed.ManualProfilesEnabled)

	ring, ok := dev.Channel("ring")
	require.True(t, ok)
	require.NotNil(t, ring.Lighting)
	assert.Equal(t, []string{"fixed", "breathing"}, ring.Lighting.Modes)
}

func TestLiquidUpdateStatuses(t *testing.T) {
	repo, _, uid := newLiquidRepo(t)

	require.NoError(t, repo.UpdateStatuses(context.Background()))

	status, ok := repo.Devices()[uid].LatestStatus()
	require.True(t, ok)

	temp, ok := status.Temp("liquid")
	require.True(t, ok)
	assert.InDelta(t, 32.5, temp, 0.001)

	require.Len(t, status.Channels, 1)
	require.NotNil(t, status.Channels[0].Duty)
	assert.Equal(t, 60, *status.Channels[0].Duty)
	require.NotNil(t, status.Channels[0].RPM)
	assert.Equal(t, 2400, *status.Channels[0].RPM)
}

func TestLiquidApplySpeedSetting(t *testing.T) {
	repo, helper, uid := newLiquidRepo(t)
	duty := 80

	err := repo.ApplySetting(context.Background(), uid, device.Setting{ChannelName: "pump", FixedDuty: &duty})
	require.NoError(t, err)

	require.Len(t, helper.speedBodies, 1)
	assert.Equal(t, "pump", helper.speedBodies[0]["channel"])
	assert.InDelta(t, 80, helper.speedBodies[0]["duty"], 0.001)
}

func TestLiquidApplyLightingSetting(t *testing.T) {
	repo, helper, uid := newLiquidRepo(t)

	err := repo.ApplySetting(context.Background(), uid, device.Setting{
		ChannelName: "ring",
		Lighting: &device.LightingSettings{
			Mode:   "breathing",
			Colors: [][3]uint8{{255, 0, 0}},
		},
	})
	require.NoError(t, err)

	require.Len(t, helper.colorBodies, 1)
	assert.Equal(t, "ring", helper.colorBodies[0]["channel"])
	assert.Equal(t, "breathing", helper.colorBodies[0]["mode"])
}

func TestLiquidResetAndReinitialize(t *testing.T) {
	repo, helper, uid := newLiquidRepo(t)

	err := repo.ApplySetting(context.Background(), uid, device.Setting{ChannelName: "pump", ResetToDefault: true})
	require.NoError(t, err)
	assert.Len(t, helper.initialized, 2)

	require.NoError(t, repo.ReinitializeDevices(context.Background()))
	assert.Len(t, helper.initialized, 3)
}

func TestLiquidApplySettingUnknownDevice(t *testing.T) {
	repo, _, _ := newLiquidRepo(t)
	duty := 50

	err := repo.ApplySetting(context.Background(), "unknown", device.Setting{ChannelName: "pump", FixedDuty: &duty})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}
