package processing

import (
	"context"
	"sync"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/repository"
)

// ChannelRef identifies one speed channel on one device.
type ChannelRef struct {
	DeviceUID   string
	ChannelName string
}

type scheduledProfile struct {
	profile  *NormalizedGraphProfile
	channels map[ChannelRef]struct{}
}

// GraphCommander owns the per-profile evaluation state of the speed-profile
// pipeline. It is driven by the periodic tick: ProcessAllProfiles evaluates
// every scheduled profile once, UpdateSpeeds applies the cached results to
// the hardware.
type GraphCommander struct {
	devices device.Map
	repos   repository.Registry

	mu sync.RWMutex
	// keyed by profile UID: profile identity ignores curve contents, so a
	// curve update replaces the entry without touching processor state
	scheduled   map[string]*scheduledProfile
	outputCache map[string]*int

	safetyLatch   *SafetyLatchProcessor
	identityPre   *IdentityProcessor
	emaPre        *EMAProcessor
	hysteresisPre *HysteresisProcessor
	graph         *GraphProcessor
	dutyThreshold *DutyThresholdProcessor
}

func NewGraphCommander(devices device.Map, repos repository.Registry) *GraphCommander {
	return &GraphCommander{
		devices:       devices,
		repos:         repos,
		scheduled:     make(map[string]*scheduledProfile),
		outputCache:   make(map[string]*int),
		safetyLatch:   NewSafetyLatchProcessor(),
		identityPre:   NewIdentityProcessor(devices),
		emaPre:        NewEMAProcessor(devices),
		hysteresisPre: NewHysteresisProcessor(devices),
		graph:         NewGraphProcessor(),
		dutyThreshold: NewDutyThresholdProcessor(),
	}
}

// ScheduleSetting registers or updates a profile evaluation for the given
// channel. Called on the initial setting and again whenever the profile is
// updated.
func (c *GraphCommander) ScheduleSetting(channel ChannelRef, profile *device.Profile, fn device.Function) error {
	errFactory := errors.New()
	if profile.Type != device.ProfileGraph {
		return errFactory.WithMessage(errors.ErrValidation,
			"Only graph profiles can be scheduled for continuous evaluation")
	}
	normalized, err := c.normalizeProfile(channel, profile, fn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.scheduled[profile.UID]; ok {
		// replace the profile to pick up curve/function changes; the
		// processor state keyed by UID stays untouched
		existing.profile = normalized
		existing.channels[channel] = struct{}{}
		return nil
	}

	c.scheduled[profile.UID] = &scheduledProfile{
		profile:  normalized,
		channels: map[ChannelRef]struct{}{channel: {}},
	}
	c.outputCache[profile.UID] = nil
	c.safetyLatch.InitState(profile.UID)
	c.hysteresisPre.InitState(profile.UID)
	c.dutyThreshold.InitState(profile.UID)

	return nil
}

// ClearChannelSetting removes the channel from any scheduled profile and
// discards the profile's processor state once no channel uses it anymore.
func (c *GraphCommander) ClearChannelSetting(deviceUID, channelName string) {
	ref := ChannelRef{DeviceUID: deviceUID, ChannelName: channelName}

	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, sched := range c.scheduled {
		delete(sched.channels, ref)
		if len(sched.channels) > 0 {
			continue
		}
		c.safetyLatch.ClearState(uid)
		c.hysteresisPre.ClearState(uid)
		c.dutyThreshold.ClearState(uid)
		delete(c.outputCache, uid)
		delete(c.scheduled, uid)
	}
}

// ProcessAllProfiles evaluates every scheduled profile once and updates the
// output cache. Called first and exactly once per update cycle.
func (c *GraphCommander) ProcessAllProfiles() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, sched := range c.scheduled {
		c.outputCache[uid] = c.processSpeedSetting(sched.profile)
	}
}

// UpdateSpeeds applies the cached duty of every scheduled profile to all of
// its channels. Per-channel write failures are logged and skipped.
func (c *GraphCommander) UpdateSpeeds(ctx context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for uid, sched := range c.scheduled {
		duty := c.outputCache[uid]
		if duty == nil {
			continue
		}
		for channel := range sched.channels {
			c.setDeviceDuty(ctx, channel, *duty)
		}
	}
}

// ScheduledChannels returns the channels currently driven by the given
// profile.
func (c *GraphCommander) ScheduledChannels(profileUID string) []ChannelRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sched, ok := c.scheduled[profileUID]
	if !ok {
		return nil
	}
	channels := make([]ChannelRef, 0, len(sched.channels))
	for channel := range sched.channels {
		channels = append(channels, channel)
	}

	return channels
}

func (c *GraphCommander) processSpeedSetting(profile *NormalizedGraphProfile) *int {
	data := &SpeedProfileData{Profile: profile}
	duty, ok := data.
		Apply(c.safetyLatch).
		Apply(c.identityPre).
		Apply(c.emaPre).
		Apply(c.hysteresisPre).
		Apply(c.graph).
		Apply(c.dutyThreshold).
		Apply(c.safetyLatch).
		ProcessedDuty()
	if !ok {
		return nil
	}

	return &duty
}

func (c *GraphCommander) setDeviceDuty(ctx context.Context, channel ChannelRef, duty int) {
	dev, ok := c.devices[channel.DeviceUID]
	if !ok {
		return
	}
	logger.Debug().
		Str("device_uid", channel.DeviceUID).
		Str("channel", channel.ChannelName).
		Int("duty", duty).
		Msg("Applying scheduled speed profile duty")

	repo, err := c.repos.ForType(dev.Type())
	if err != nil {
		logger.Error().Err(err).Msg("Repository for scheduled device is not running")
		return
	}
	fixed := duty
	setting := device.Setting{ChannelName: channel.ChannelName, FixedDuty: &fixed}
	if err := repo.ApplySetting(ctx, channel.DeviceUID, setting); err != nil {
		logger.Error().Err(err).Msg("Error applying scheduled speed setting")
	}
}

func (c *GraphCommander) normalizeProfile(
	channel ChannelRef, profile *device.Profile, fn device.Function,
) (*NormalizedGraphProfile, error) {
	errFactory := errors.New()
	if profile.TempSource == nil || len(profile.Curve) == 0 {
		return nil, errFactory.WithMessage(errors.ErrValidation,
			"A temperature source and curve are required to schedule a speed profile")
	}
	sourceDevice, ok := c.devices[profile.TempSource.DeviceUID]
	if !ok {
		return nil, errFactory.WithData(errors.ErrNotFound, profile.TempSource.DeviceUID)
	}
	maxDuty, err := c.maxChannelDuty(channel)
	if err != nil {
		return nil, err
	}

	return &NormalizedGraphProfile{
		ProfileUID: profile.UID,
		Curve:      NormalizeCurve(profile.Curve, sourceDevice.CriticalTemp(), maxDuty),
		TempSource: *profile.TempSource,
		Function:   fn,
	}, nil
}

func (c *GraphCommander) maxChannelDuty(channel ChannelRef) (int, error) {
	errFactory := errors.New()
	dev, ok := c.devices[channel.DeviceUID]
	if !ok {
		return 0, errFactory.WithData(errors.ErrNotFound, channel.DeviceUID)
	}
	ch, ok := dev.Channel(channel.ChannelName)
	if !ok || ch.Speed == nil {
		return 0, errFactory.WithData(errors.ErrUnsupported, channel.ChannelName)
	}

	return ch.Speed.MaxDuty, nil
}
