package device_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeUIDStability(t *testing.T) {
	uid := device.MakeUID(device.TypeHwmon, "nct6775", 0)

	assert.Equal(t, uid, device.MakeUID(device.TypeHwmon, "nct6775", 0), "same identity must yield the same UID")
	assert.NotEqual(t, uid, device.MakeUID(device.TypeHwmon, "nct6775", 1))
	assert.NotEqual(t, uid, device.MakeUID(device.TypeLiquid, "nct6775", 0))
	assert.Len(t, uid, 64)
}

func TestDeviceChannels(t *testing.T) {
	dev := device.New(device.TypeHwmon, "nct6775", 0, []device.Channel{
		{Name: "fan1", Speed: &device.SpeedOptions{MaxDuty: 100, FixedEnabled: true}},
		{Name: "fan2", Speed: &device.SpeedOptions{MaxDuty: 100}},
	})

	ch, ok := dev.Channel("fan1")
	require.True(t, ok)
	assert.True(t, ch.Speed.FixedEnabled)

	_, ok = dev.Channel("fan9")
	assert.False(t, ok)

	assert.Len(t, dev.Channels(), 2)
}

func TestDeviceStatusHistory(t *testing.T) {
	dev := device.New(device.TypeCPU, "test-cpu", 0, nil)

	_, ok := dev.LatestStatus()
	assert.False(t, ok, "fresh device has no status")

	for i := 0; i < 1000; i++ {
		dev.SetStatus(device.Status{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Temps:     []device.TempStatus{{Name: "temp1", Temp: float64(i)}},
		})
	}

	history := dev.StatusHistory()
	assert.Len(t, history, 900, "history is bounded")
	temp, ok := history[0].Temp("temp1")
	require.True(t, ok)
	assert.InDelta(t, 100.0, temp, 0.001, "oldest entries are dropped first")

	latest, ok := dev.LatestTemp("temp1")
	require.True(t, ok)
	assert.InDelta(t, 999.0, latest, 0.001)
}

func TestDeviceRecentTemps(t *testing.T) {
	dev := device.New(device.TypeCPU, "test-cpu", 0, nil)
	for _, temp := range []float64{20, 21, 22, 23} {
		dev.SetStatus(device.Status{Temps: []device.TempStatus{{Name: "temp1", Temp: temp}}})
	}

	assert.Equal(t, []float64{22, 23}, dev.RecentTemps("temp1", 2), "oldest first")
	assert.Equal(t, []float64{20, 21, 22, 23}, dev.RecentTemps("temp1", 10))
	assert.Empty(t, dev.RecentTemps("missing", 10))
}

func TestDeviceCriticalTemp(t *testing.T) {
	dev := device.New(device.TypeGPU, "test-gpu", 0, nil)
	assert.InDelta(t, 100.0, dev.CriticalTemp(), 0.001)

	dev.SetCriticalTemp(90)
	assert.InDelta(t, 90.0, dev.CriticalTemp(), 0.001)

	dev.SetCriticalTemp(0)
	assert.InDelta(t, 90.0, dev.CriticalTemp(), 0.001, "non-positive overrides are ignored")
}

func TestSettingValidate(t *testing.T) {
	duty := 50
	outOfRange := 150

	tests := []struct {
		name    string
		setting device.Setting
		valid   bool
	}{
		{"reset", device.Setting{ChannelName: "fan1", ResetToDefault: true}, true},
		{"fixed duty", device.Setting{ChannelName: "fan1", FixedDuty: &duty}, true},
		{"profile", device.Setting{ChannelName: "fan1", ProfileUID: "p1"}, true},
		{"lighting", device.Setting{ChannelName: "led1", Lighting: &device.LightingSettings{Mode: "fixed"}}, true},
		{"missing channel name", device.Setting{FixedDuty: &duty}, false},
		{"no variant", device.Setting{ChannelName: "fan1"}, false},
		{"two variants", device.Setting{ChannelName: "fan1", FixedDuty: &duty, ProfileUID: "p1"}, false},
		{"duty out of range", device.Setting{ChannelName: "fan1", FixedDuty: &outOfRange}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.setting.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrValidation))
			}
		})
	}
}
