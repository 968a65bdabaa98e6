package processing

import (
	"context"
	"sync"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/repository"
)

type scheduledStep struct {
	profile     *NormalizedGraphProfile
	channels    map[ChannelRef]struct{}
	lastApplied *int
}

// StepCommander is the discrete sibling of the GraphCommander for channels
// that only support manual step profiles: the sampled temperature selects
// the nearest control point directly, without interpolation or transfer
// functions, and a write is issued only when the selected step changes.
type StepCommander struct {
	devices device.Map
	repos   repository.Registry

	mu        sync.RWMutex
	scheduled map[string]*scheduledStep
}

func NewStepCommander(devices device.Map, repos repository.Registry) *StepCommander {
	return &StepCommander{
		devices:   devices,
		repos:     repos,
		scheduled: make(map[string]*scheduledStep),
	}
}

// ScheduleSetting registers or updates a discrete step evaluation for the
// given channel.
func (c *StepCommander) ScheduleSetting(channel ChannelRef, profile *device.Profile) error {
	errFactory := errors.New()
	if profile.Type != device.ProfileGraph {
		return errFactory.WithMessage(errors.ErrValidation,
			"Only graph profiles can be scheduled as step profiles")
	}
	if profile.TempSource == nil || len(profile.Curve) == 0 {
		return errFactory.WithMessage(errors.ErrValidation,
			"A temperature source and curve are required to schedule a step profile")
	}
	sourceDevice, ok := c.devices[profile.TempSource.DeviceUID]
	if !ok {
		return errFactory.WithData(errors.ErrNotFound, profile.TempSource.DeviceUID)
	}

	normalized := &NormalizedGraphProfile{
		ProfileUID: profile.UID,
		Curve:      NormalizeCurve(profile.Curve, sourceDevice.CriticalTemp(), device.MaxDuty),
		TempSource: *profile.TempSource,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.scheduled[profile.UID]; ok {
		existing.profile = normalized
		existing.channels[channel] = struct{}{}
		existing.lastApplied = nil
		return nil
	}
	c.scheduled[profile.UID] = &scheduledStep{
		profile:  normalized,
		channels: map[ChannelRef]struct{}{channel: {}},
	}

	return nil
}

// ScheduledChannels returns the channels currently driven by the given
// profile.
func (c *StepCommander) ScheduledChannels(profileUID string) []ChannelRef {
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

// ClearChannelSetting removes the channel from any scheduled step profile.
func (c *StepCommander) ClearChannelSetting(deviceUID, channelName string) {
	ref := ChannelRef{DeviceUID: deviceUID, ChannelName: channelName}

	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, sched := range c.scheduled {
		delete(sched.channels, ref)
		if len(sched.channels) == 0 {
			delete(c.scheduled, uid)
		}
	}
}

// UpdateSpeeds samples each scheduled profile's temperature source, selects
// the nearest discrete step and applies it when it changed.
func (c *StepCommander) UpdateSpeeds(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sched := range c.scheduled {
		source := sched.profile.TempSource
		sourceDevice, ok := c.devices[source.DeviceUID]
		if !ok {
			continue
		}
		temp, ok := sourceDevice.LatestTemp(source.TempName)
		if !ok {
			continue
		}
		duty := NearestStep(sched.profile.Curve, temp)
		if sched.lastApplied != nil && *sched.lastApplied == duty {
			continue
		}
		for channel := range sched.channels {
			c.applyStep(ctx, channel, duty)
		}
		applied := duty
		sched.lastApplied = &applied
	}
}

func (c *StepCommander) applyStep(ctx context.Context, channel ChannelRef, duty int) {
	dev, ok := c.devices[channel.DeviceUID]
	if !ok {
		return
	}
	repo, err := c.repos.ForType(dev.Type())
	if err != nil {
		logger.Error().Err(err).Msg("Repository for scheduled device is not running")
		return
	}
	fixed := duty
	setting := device.Setting{ChannelName: channel.ChannelName, FixedDuty: &fixed}
	if err := repo.ApplySetting(ctx, channel.DeviceUID, setting); err != nil {
		logger.Error().Err(err).Msg("Error applying scheduled step setting")
	}
}
