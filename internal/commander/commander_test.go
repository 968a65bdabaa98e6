package commander_test

import (
	"context"
	"testing"

	"codeberg.org/mutker/coolerd/internal/commander"
	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/processing"
	"codeberg.org/mutker/coolerd/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepository struct {
	dtype   device.Type
	devices device.Map
	applied []device.Setting
	reinits int
}

func (r *fakeRepository) DeviceType() device.Type                 { return r.dtype }
func (r *fakeRepository) InitializeDevices(context.Context) error { return nil }
func (r *fakeRepository) Devices() device.Map                     { return r.devices }
func (r *fakeRepository) UpdateStatuses(context.Context) error    { return nil }
func (r *fakeRepository) Shutdown(context.Context) error          { return nil }

func (r *fakeRepository) ApplySetting(_ context.Context, _ string, setting device.Setting) error {
	r.applied = append(r.applied, setting)
	return nil
}

func (r *fakeRepository) ReinitializeDevices(context.Context) error {
	r.reinits++
	return errors.New().WithMessage(errors.ErrNotImplemented, "not supported")
}

type fakeResolver struct {
	profiles  map[string]*device.Profile
	functions map[string]device.Function
}

func (r *fakeResolver) ProfileByUID(uid string) (*device.Profile, error) {
	profile, ok := r.profiles[uid]
	if !ok {
		return nil, errors.New().WithData(errors.ErrNotFound, uid)
	}

	return profile, nil
}

func (r *fakeResolver) FunctionByUID(uid string) (device.Function, error) {
	fn, ok := r.functions[uid]
	if !ok {
		return device.Function{}, errors.New().WithData(errors.ErrNotFound, uid)
	}

	return fn, nil
}

type fixture struct {
	commander *commander.DeviceCommander
	repo      *fakeRepository
	resolver  *fakeResolver
	sensor    *device.Device
	fan       *device.Device
	pump      *device.Device
	led       *device.Device
	orphan    *device.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sensor := device.New(device.TypeCPU, "test-cpu", 0, nil)
	sensor.SetStatus(device.Status{Temps: []device.TempStatus{{Name: "temp1", Temp: 30}}})

	fan := device.New(device.TypeHwmon, "test-fan", 0, []device.Channel{{
		Name: "fan1",
		Speed: &device.SpeedOptions{
			MaxDuty:         device.MaxDuty,
			FixedEnabled:    true,
			ProfilesEnabled: true,
		},
	}, {
		Name: "fan2",
		Speed: &device.SpeedOptions{
			MaxDuty:      device.MaxDuty,
			FixedEnabled: true,
		},
	}})
	orphan := device.New(device.TypeGPU, "test-gpu", 0, []device.Channel{{
		Name: "fan",
		Speed: &device.SpeedOptions{
			MaxDuty:      device.MaxDuty,
			FixedEnabled: true,
		},
	}})
	pump := device.New(device.TypeLiquid, "test-pump", 0, []device.Channel{{
		Name: "pump",
		Speed: &device.SpeedOptions{
			MaxDuty:               device.MaxDuty,
			ManualProfilesEnabled: true,
		},
	}})
	led := device.New(device.TypeLiquid, "test-led", 1, []device.Channel{{
		Name:     "led1",
		Lighting: &device.LightingOptions{Modes: []string{"fixed", "breathing"}},
	}})

	devices := device.Map{
		sensor.UID(): sensor,
		fan.UID():    fan,
		pump.UID():   pump,
		led.UID():    led,
		orphan.UID(): orphan,
	}
	repo := &fakeRepository{
		dtype:   device.TypeHwmon,
		devices: device.Map{fan.UID(): fan},
	}
	liquidRepo := &fakeRepository{
		dtype:   device.TypeLiquid,
		devices: device.Map{pump.UID(): pump, led.UID(): led},
	}
	registry := repository.NewRegistry(repo, liquidRepo)

	resolver := &fakeResolver{
		profiles: map[string]*device.Profile{
			"graph": {
				UID:         "graph",
				Type:        device.ProfileGraph,
				Curve:       []device.CurvePoint{{Temp: 20, Duty: 20}, {Temp: 40, Duty: 90}},
				TempSource:  &device.TempSource{DeviceUID: sensor.UID(), TempName: "temp1"},
				FunctionUID: device.DefaultFunctionUID,
			},
		},
		functions: map[string]device.Function{
			device.DefaultFunctionUID: device.DefaultFunction(),
		},
	}

	graph := processing.NewGraphCommander(devices, registry)
	step := processing.NewStepCommander(devices, registry)

	return &fixture{
		commander: commander.New(devices, registry, resolver, graph, step),
		repo:      repo,
		resolver:  resolver,
		sensor:    sensor,
		fan:       fan,
		pump:      pump,
		led:       led,
		orphan:    orphan,
	}
}

func TestSetSettingFixedDuty(t *testing.T) {
	f := newFixture(t)
	duty := 60

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", FixedDuty: &duty})
	require.NoError(t, err)

	require.Len(t, f.repo.applied, 1)
	require.NotNil(t, f.repo.applied[0].FixedDuty)
	assert.Equal(t, 60, *f.repo.applied[0].FixedDuty)
}

func TestSetSettingReset(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", ResetToDefault: true})
	require.NoError(t, err)

	require.Len(t, f.repo.applied, 1)
	assert.True(t, f.repo.applied[0].ResetToDefault)
}

func TestSetSettingUnknownDevice(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), "unknown",
		device.Setting{ChannelName: "fan1", ResetToDefault: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestSetSettingUnknownChannel(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan9", ResetToDefault: true})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestSetSettingInvalidCombination(t *testing.T) {
	f := newFixture(t)
	duty := 50

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", FixedDuty: &duty, ProfileUID: "graph"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrValidation))
}

func TestSetSettingFixedDutyUnsupportedChannel(t *testing.T) {
	f := newFixture(t)
	duty := 50

	err := f.commander.SetSetting(context.Background(), f.led.UID(),
		device.Setting{ChannelName: "led1", FixedDuty: &duty})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupported))
}

func TestSetSettingLighting(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.led.UID(), device.Setting{
		ChannelName: "led1",
		Lighting:    &device.LightingSettings{Mode: "breathing"},
	})
	require.NoError(t, err)

	err = f.commander.SetSetting(context.Background(), f.led.UID(), device.Setting{
		ChannelName: "led1",
		Lighting:    &device.LightingSettings{Mode: "rainbow"},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupported))
}

func TestSetSettingGraphProfileSchedules(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", ProfileUID: "graph"})
	require.NoError(t, err)

	// scheduled for continuous evaluation, nothing written synchronously
	assert.Empty(t, f.repo.applied)
}

func TestSetSettingStepProfileForManualOnlyChannel(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.pump.UID(),
		device.Setting{ChannelName: "pump", ProfileUID: "graph"})
	require.NoError(t, err)
}

func TestSetSettingProfileOnLightingChannel(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.led.UID(),
		device.Setting{ChannelName: "led1", ProfileUID: "graph"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupported))
}

func TestSetSettingProfileOnFixedOnlyChannel(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan2", ProfileUID: "graph"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnsupported))
}

func TestSetSettingNoRepositoryForDeviceType(t *testing.T) {
	f := newFixture(t)
	duty := 50

	err := f.commander.SetSetting(context.Background(), f.orphan.UID(),
		device.Setting{ChannelName: "fan", FixedDuty: &duty})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrBackendUnavailable))
}

func TestSetSettingUnknownProfile(t *testing.T) {
	f := newFixture(t)

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", ProfileUID: "missing"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestSetSettingFixedProfile(t *testing.T) {
	f := newFixture(t)
	duty := 45
	f.resolver.profiles["fixed"] = &device.Profile{UID: "fixed", Type: device.ProfileFixed, FixedDuty: &duty}

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", ProfileUID: "fixed"})
	require.NoError(t, err)

	require.Len(t, f.repo.applied, 1)
	require.NotNil(t, f.repo.applied[0].FixedDuty)
	assert.Equal(t, 45, *f.repo.applied[0].FixedDuty)
}

func TestSetSettingFixedProfileWithoutDuty(t *testing.T) {
	f := newFixture(t)
	f.resolver.profiles["broken"] = &device.Profile{UID: "broken", Type: device.ProfileFixed}

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", ProfileUID: "broken"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrValidation))
}

func TestSetSettingDefaultProfileResets(t *testing.T) {
	f := newFixture(t)
	f.resolver.profiles["0"] = &device.Profile{UID: "0", Type: device.ProfileDefault}

	err := f.commander.SetSetting(context.Background(), f.fan.UID(),
		device.Setting{ChannelName: "fan1", ProfileUID: "0"})
	require.NoError(t, err)

	require.Len(t, f.repo.applied, 1)
	assert.True(t, f.repo.applied[0].ResetToDefault)
}

func TestReinitializeDevicesSkipsUnsupported(t *testing.T) {
	f := newFixture(t)

	err := f.commander.ReinitializeDevices(context.Background())
	assert.NoError(t, err, "not-implemented backends are skipped")
	assert.Equal(t, 1, f.repo.reinits)
}
