package actor_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/coolerd/internal/actor"
	"codeberg.org/mutker/coolerd/internal/commander"
	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/processing"
	"codeberg.org/mutker/coolerd/internal/repository"
	"codeberg.org/mutker/coolerd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollRepository owns a sensor and a fan device and fakes the hardware
// I/O of a real backend.
type pollRepository struct {
	sensor *device.Device
	fan    *device.Device

	mu      sync.Mutex
	temp    float64
	applied []device.Setting
}

func (r *pollRepository) DeviceType() device.Type                 { return device.TypeHwmon }
func (r *pollRepository) InitializeDevices(context.Context) error { return nil }
func (r *pollRepository) Shutdown(context.Context) error          { return nil }

func (r *pollRepository) ReinitializeDevices(context.Context) error {
	return errors.New().WithMessage(errors.ErrNotImplemented, "not supported")
}

func (r *pollRepository) Devices() device.Map {
	return device.Map{r.sensor.UID(): r.sensor, r.fan.UID(): r.fan}
}

func (r *pollRepository) UpdateStatuses(context.Context) error {
	r.mu.Lock()
	temp := r.temp
	r.mu.Unlock()

	now := time.Now()
	r.sensor.SetStatus(device.Status{
		Timestamp: now,
		Temps:     []device.TempStatus{{Name: "temp1", Temp: temp}},
	})
	r.fan.SetStatus(device.Status{Timestamp: now})

	return nil
}

func (r *pollRepository) ApplySetting(_ context.Context, _ string, setting device.Setting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, setting)

	return nil
}

func (r *pollRepository) setTemp(temp float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.temp = temp
}

func (r *pollRepository) appliedSettings() []device.Setting {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Setting, len(r.applied))
	copy(out, r.applied)

	return out
}

type daemonFixture struct {
	ctx         context.Context
	repo        *pollRepository
	settings    *store.Store
	broadcaster *actor.Broadcaster
	deviceActor *actor.DeviceActor

	status   actor.StatusHandle
	devices  actor.DeviceHandle
	profiles actor.ProfileHandle
	modes    actor.ModeHandle
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()

	sensor := device.New(device.TypeHwmon, "test-chip", 0, nil)
	fan := device.New(device.TypeHwmon, "test-fan", 1, []device.Channel{{
		Name: "pwm1",
		Speed: &device.SpeedOptions{
			MaxDuty:         device.MaxDuty,
			FixedEnabled:    true,
			ProfilesEnabled: true,
		},
	}, {
		Name: "pwm2",
		Speed: &device.SpeedOptions{
			MaxDuty:               device.MaxDuty,
			ManualProfilesEnabled: true,
		},
	}})
	repo := &pollRepository{sensor: sensor, fan: fan, temp: 30}
	registry := repository.NewRegistry(repo)
	devices := registry.AllDevices()

	settings, err := store.New(filepath.Join(t.TempDir(), "settings.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { settings.Close() })

	graph := processing.NewGraphCommander(devices, registry)
	step := processing.NewStepCommander(devices, registry)
	cmd := commander.New(devices, registry, settings, graph, step)
	broadcaster := actor.NewBroadcaster()
	t.Cleanup(broadcaster.Close)

	statusActor := actor.NewStatusActor(registry, devices, graph, step, broadcaster)
	deviceActor := actor.NewDeviceActor(devices, cmd, settings, broadcaster)
	profileActor := actor.NewProfileActor(settings, graph, step, cmd)
	modeActor := actor.NewModeActor(settings, deviceActor.Handle(), broadcaster)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go actor.Run(ctx, statusActor)
	go actor.Run(ctx, deviceActor)
	go actor.Run(ctx, profileActor)
	go actor.Run(ctx, modeActor)

	return &daemonFixture{
		ctx:         ctx,
		repo:        repo,
		settings:    settings,
		broadcaster: broadcaster,
		deviceActor: deviceActor,
		status:      statusActor.Handle(),
		devices:     deviceActor.Handle(),
		profiles:    profileActor.Handle(),
		modes:       modeActor.Handle(),
	}
}

func waitForEvent(t *testing.T, events <-chan actor.Event, want actor.EventType) actor.Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event received", want)
		}
	}
}

func (f *daemonFixture) graphProfile() device.Profile {
	return device.Profile{
		Name: "Curve",
		Type: device.ProfileGraph,
		Curve: []device.CurvePoint{
			{Temp: 20, Duty: 20},
			{Temp: 40, Duty: 90},
		},
		TempSource:  &device.TempSource{DeviceUID: f.repo.sensor.UID(), TempName: "temp1"},
		FunctionUID: device.DefaultFunctionUID,
	}
}

func TestStatusActorPollPublishesSnapshot(t *testing.T) {
	f := newDaemonFixture(t)

	events, cancel := f.status.Subscribe()
	defer cancel()

	require.NoError(t, f.status.Poll(f.ctx))
	waitForEvent(t, events, actor.EventStatus)

	recent, err := f.status.Recent(f.ctx)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, dto := range recent {
		assert.Len(t, dto.History, 1)
	}
}

func TestStatusActorSince(t *testing.T) {
	f := newDaemonFixture(t)

	require.NoError(t, f.status.Poll(f.ctx))
	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, f.status.Poll(f.ctx))

	since, err := f.status.Since(f.ctx, cutoff)
	require.NoError(t, err)
	for _, dto := range since {
		assert.Len(t, dto.History, 1, "only statuses after the cutoff")
	}

	all, err := f.status.All(f.ctx)
	require.NoError(t, err)
	for _, dto := range all {
		assert.Len(t, dto.History, 2)
	}
}

func TestDeviceActorListsDevices(t *testing.T) {
	f := newDaemonFixture(t)

	dtos, err := f.devices.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, dtos, 2)
}

func TestDeviceActorSetSettingPersistsAndBroadcasts(t *testing.T) {
	f := newDaemonFixture(t)
	duty := 55

	events, cancel := f.broadcaster.Subscribe()
	defer cancel()

	err := f.devices.SetSetting(f.ctx, f.repo.fan.UID(), device.Setting{ChannelName: "pwm1", FixedDuty: &duty})
	require.NoError(t, err)
	waitForEvent(t, events, actor.EventSettingChange)

	applied := f.repo.appliedSettings()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].FixedDuty)
	assert.Equal(t, 55, *applied[0].FixedDuty)

	persisted, err := f.settings.ChannelSettings()
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	// resetting removes the persisted setting again
	err = f.devices.SetSetting(f.ctx, f.repo.fan.UID(), device.Setting{ChannelName: "pwm1", ResetToDefault: true})
	require.NoError(t, err)

	persisted, err = f.settings.ChannelSettings()
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestDeviceActorRestoreSettings(t *testing.T) {
	f := newDaemonFixture(t)
	duty := 42

	require.NoError(t, f.settings.SaveChannelSetting(f.repo.fan.UID(),
		device.Setting{ChannelName: "pwm1", FixedDuty: &duty}))

	f.deviceActor.RestoreSettings(f.ctx)

	applied := f.repo.appliedSettings()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].FixedDuty)
	assert.Equal(t, 42, *applied[0].FixedDuty)
}

func TestProfileActorAssignsUIDAndProtectsDefault(t *testing.T) {
	f := newDaemonFixture(t)

	saved, err := f.profiles.SaveProfile(f.ctx, f.graphProfile())
	require.NoError(t, err)
	assert.NotEmpty(t, saved.UID)

	_, err = f.profiles.SaveProfile(f.ctx, device.Profile{UID: store.DefaultProfileUID, Type: device.ProfileGraph})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, store.ErrProtected))
}

func TestProfileLifecycleDrivesScheduledChannel(t *testing.T) {
	f := newDaemonFixture(t)

	saved, err := f.profiles.SaveProfile(f.ctx, f.graphProfile())
	require.NoError(t, err)

	err = f.devices.SetSetting(f.ctx, f.repo.fan.UID(), device.Setting{ChannelName: "pwm1", ProfileUID: saved.UID})
	require.NoError(t, err)

	// 30 degrees on the 20/20 40/90 curve interpolates to duty 55
	require.NoError(t, f.status.Poll(f.ctx))
	applied := f.repo.appliedSettings()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].FixedDuty)
	assert.Equal(t, 55, *applied[0].FixedDuty)

	// deleting the scheduled profile resets its channel
	require.NoError(t, f.profiles.DeleteProfile(f.ctx, saved.UID))
	applied = f.repo.appliedSettings()
	require.Len(t, applied, 2)
	assert.True(t, applied[1].ResetToDefault)

	persisted, err := f.settings.ChannelSettings()
	require.NoError(t, err)
	assert.Empty(t, persisted, "persisted setting of the deleted profile is removed")
}

func TestProfileDeleteResetsStepScheduledChannel(t *testing.T) {
	f := newDaemonFixture(t)

	saved, err := f.profiles.SaveProfile(f.ctx, f.graphProfile())
	require.NoError(t, err)

	err = f.devices.SetSetting(f.ctx, f.repo.fan.UID(), device.Setting{ChannelName: "pwm2", ProfileUID: saved.UID})
	require.NoError(t, err)

	// 30 degrees is equidistant from the 20 and 40 points, so the
	// nearest step resolves to the lower one
	require.NoError(t, f.status.Poll(f.ctx))
	applied := f.repo.appliedSettings()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].FixedDuty)
	assert.Equal(t, 20, *applied[0].FixedDuty)

	require.NoError(t, f.profiles.DeleteProfile(f.ctx, saved.UID))
	applied = f.repo.appliedSettings()
	require.Len(t, applied, 2)
	assert.True(t, applied[1].ResetToDefault)

	persisted, err := f.settings.ChannelSettings()
	require.NoError(t, err)
	assert.Empty(t, persisted, "persisted setting of the deleted profile is removed")

	// a temperature change after the delete must not drive the channel
	f.repo.setTemp(45)
	require.NoError(t, f.status.Poll(f.ctx))
	assert.Len(t, f.repo.appliedSettings(), 2)
}

func TestProfileUpdateReschedulesStepChannel(t *testing.T) {
	f := newDaemonFixture(t)

	saved, err := f.profiles.SaveProfile(f.ctx, f.graphProfile())
	require.NoError(t, err)

	err = f.devices.SetSetting(f.ctx, f.repo.fan.UID(), device.Setting{ChannelName: "pwm2", ProfileUID: saved.UID})
	require.NoError(t, err)

	require.NoError(t, f.status.Poll(f.ctx))
	applied := f.repo.appliedSettings()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].FixedDuty)
	assert.Equal(t, 20, *applied[0].FixedDuty)

	// saving a new curve under the same UID reaches the step scheduler
	updated := saved
	updated.Curve = []device.CurvePoint{
		{Temp: 20, Duty: 40},
		{Temp: 40, Duty: 100},
	}
	_, err = f.profiles.SaveProfile(f.ctx, updated)
	require.NoError(t, err)

	require.NoError(t, f.status.Poll(f.ctx))
	applied = f.repo.appliedSettings()
	require.Len(t, applied, 2)
	require.NotNil(t, applied[1].FixedDuty)
	assert.Equal(t, 40, *applied[1].FixedDuty)
}

func TestProfileActorFunctionRoundTrip(t *testing.T) {
	f := newDaemonFixture(t)
	window := 4

	saved, err := f.profiles.SaveFunction(f.ctx, device.Function{
		Name:         "Smooth",
		Type:         device.FunctionEMA,
		SampleWindow: &window,
		DutyMinimum:  2,
		DutyMaximum:  100,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.UID)

	functions, err := f.profiles.Functions(f.ctx)
	require.NoError(t, err)
	assert.Len(t, functions, 2, "saved function plus the default")

	require.NoError(t, f.profiles.DeleteFunction(f.ctx, saved.UID))

	err = f.profiles.DeleteFunction(f.ctx, device.DefaultFunctionUID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, store.ErrProtected))
}

func TestModeActorActivate(t *testing.T) {
	f := newDaemonFixture(t)
	duty := 35

	events, cancel := f.broadcaster.Subscribe()
	defer cancel()

	saved, err := f.modes.SaveMode(f.ctx, store.Mode{
		Name: "Night",
		Settings: []store.ChannelSetting{{
			DeviceUID: f.repo.fan.UID(),
			Setting:   device.Setting{ChannelName: "pwm1", FixedDuty: &duty},
		}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.UID)

	require.NoError(t, f.modes.Activate(f.ctx, saved.UID))
	waitForEvent(t, events, actor.EventModeActivated)

	applied := f.repo.appliedSettings()
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].FixedDuty)
	assert.Equal(t, 35, *applied[0].FixedDuty)

	active, err := f.modes.ActiveMode(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.UID, active)

	require.NoError(t, f.modes.DeleteMode(f.ctx, saved.UID))
	active, err = f.modes.ActiveMode(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestModeActorRejectsInvalidSettings(t *testing.T) {
	f := newDaemonFixture(t)

	_, err := f.modes.SaveMode(f.ctx, store.Mode{
		Name:     "Broken",
		Settings: []store.ChannelSetting{{DeviceUID: "dev", Setting: device.Setting{ChannelName: "pwm1"}}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrValidation))
}
