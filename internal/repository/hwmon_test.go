package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixtureFile(t *testing.T, dir, name, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), perm))
}

// newHwmonFixture lays out a fake sysfs tree with one controllable fan
// and two temperature sensors.
func newHwmonFixture(t *testing.T) (string, string) {
	t.Helper()

	basePath := t.TempDir()
	chipDir := filepath.Join(basePath, "hwmon0")
	require.NoError(t, os.Mkdir(chipDir, 0o755))

	writeFixtureFile(t, chipDir, "name", "nct6775", 0o444)
	writeFixtureFile(t, chipDir, "temp1_input", "45000", 0o444)
	writeFixtureFile(t, chipDir, "temp1_label", "SYSTIN", 0o444)
	writeFixtureFile(t, chipDir, "temp2_input", "38500", 0o444)
	writeFixtureFile(t, chipDir, "pwm1", "128", 0o644)
	writeFixtureFile(t, chipDir, "pwm1_enable", "2", 0o644)
	writeFixtureFile(t, chipDir, "fan1_input", "1200", 0o444)

	// read-only pwm must not become a channel
	writeFixtureFile(t, chipDir, "pwm2", "255", 0o444)

	return basePath, chipDir
}

func readFixtureFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	return string(data)
}

func TestHwmonInitializeDevices(t *testing.T) {
	basePath, _ := newHwmonFixture(t)
	repo := repository.NewHwmonRepository(basePath)

	require.NoError(t, repo.InitializeDevices(context.Background()))

	devices := repo.Devices()
	require.Len(t, devices, 1)

	var dev *device.Device
	for _, d := range devices {
		dev = d
	}
	assert.Equal(t, "nct6775", dev.Name())
	assert.Equal(t, device.TypeHwmon, dev.Type())

	ch, ok := dev.Channel("pwm1")
	require.True(t, ok)
	assert.True(t, ch.Speed.FixedEnabled)
	assert.True(t, ch.Speed.ProfilesEnabled)

	_, ok = dev.Channel("pwm2")
	assert.False(t, ok, "read-only pwm files are not channels")
}

func TestHwmonInitializeNoDevices(t *testing.T) {
	basePath := t.TempDir()
	chipDir := filepath.Join(basePath, "hwmon0")
	require.NoError(t, os.Mkdir(chipDir, 0o755))
	writeFixtureFile(t, chipDir, "name", "bare", 0o444)

	repo := repository.NewHwmonRepository(basePath)
	err := repo.InitializeDevices(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, repository.ErrNoDevicesFound))
}

func TestHwmonUpdateStatuses(t *testing.T) {
	basePath, _ := newHwmonFixture(t)
	repo := repository.NewHwmonRepository(basePath)
	require.NoError(t, repo.InitializeDevices(context.Background()))
	require.NoError(t, repo.UpdateStatuses(context.Background()))

	var dev *device.Device
	for _, d := range repo.Devices() {
		dev = d
	}

	status, ok := dev.LatestStatus()
	require.True(t, ok)

	require.Len(t, status.Temps, 2)
	assert.Equal(t, "SYSTIN", status.Temps[0].Name, "label file overrides the input name")
	assert.InDelta(t, 45.0, status.Temps[0].Temp, 0.001)
	assert.Equal(t, "temp2", status.Temps[1].Name)
	assert.InDelta(t, 38.5, status.Temps[1].Temp, 0.001)

	require.Len(t, status.Channels, 1)
	require.NotNil(t, status.Channels[0].Duty)
	assert.Equal(t, 50, *status.Channels[0].Duty, "pwm 128 of 255 is 50 percent")
	require.NotNil(t, status.Channels[0].RPM)
	assert.Equal(t, 1200, *status.Channels[0].RPM)
}

func TestHwmonApplySetting(t *testing.T) {
	basePath, chipDir := newHwmonFixture(t)
	repo := repository.NewHwmonRepository(basePath)
	require.NoError(t, repo.InitializeDevices(context.Background()))

	uid := device.MakeUID(device.TypeHwmon, "nct6775", 0)
	duty := 75

	err := repo.ApplySetting(context.Background(), uid, device.Setting{ChannelName: "pwm1", FixedDuty: &duty})
	require.NoError(t, err)
	assert.Equal(t, "1", readFixtureFile(t, chipDir, "pwm1_enable"), "manual mode before the duty write")
	assert.Equal(t, "191", readFixtureFile(t, chipDir, "pwm1"), "75 percent of 255")

	err = repo.ApplySetting(context.Background(), uid, device.Setting{ChannelName: "pwm1", ResetToDefault: true})
	require.NoError(t, err)
	assert.Equal(t, "2", readFixtureFile(t, chipDir, "pwm1_enable"))

	err = repo.ApplySetting(context.Background(), uid, device.Setting{
		ChannelName: "pwm1",
		Lighting:    &device.LightingSettings{Mode: "fixed"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupported))

	err = repo.ApplySetting(context.Background(), "unknown", device.Setting{ChannelName: "pwm1", FixedDuty: &duty})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestHwmonShutdownRestoresAutomaticControl(t *testing.T) {
	basePath, chipDir := newHwmonFixture(t)
	repo := repository.NewHwmonRepository(basePath)
	require.NoError(t, repo.InitializeDevices(context.Background()))

	uid := device.MakeUID(device.TypeHwmon, "nct6775", 0)
	duty := 60
	require.NoError(t, repo.ApplySetting(context.Background(), uid, device.Setting{ChannelName: "pwm1", FixedDuty: &duty}))
	require.Equal(t, "1", readFixtureFile(t, chipDir, "pwm1_enable"))

	require.NoError(t, repo.Shutdown(context.Background()))
	assert.Equal(t, "2", readFixtureFile(t, chipDir, "pwm1_enable"))
}
