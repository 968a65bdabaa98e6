// Package commander routes channel settings to the right control path:
// direct hardware writes for resets, fixed duties and lighting, and the
// profile schedulers for curve-based control.
package commander

import (
	"context"
	"fmt"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/processing"
	"codeberg.org/mutker/coolerd/internal/repository"
)

// ProfileResolver looks up stored profiles and functions by UID.
type ProfileResolver interface {
	ProfileByUID(uid string) (*device.Profile, error)
	FunctionByUID(uid string) (device.Function, error)
}

type DeviceCommander struct {
	devices  device.Map
	repos    repository.Registry
	resolver ProfileResolver
	graph    *processing.GraphCommander
	step     *processing.StepCommander
}

func New(
	devices device.Map,
	repos repository.Registry,
	resolver ProfileResolver,
	graph *processing.GraphCommander,
	step *processing.StepCommander,
) *DeviceCommander {
	return &DeviceCommander{
		devices:  devices,
		repos:    repos,
		resolver: resolver,
		graph:    graph,
		step:     step,
	}
}

// SetSetting validates and applies a channel setting. Resets, fixed
// duties and lighting go straight to the hardware repository; profile
// settings are resolved and handed to the matching scheduler.
func (c *DeviceCommander) SetSetting(ctx context.Context, deviceUID string, setting device.Setting) error {
	if err := setting.Validate(); err != nil {
		return err
	}

	dev, ok := c.devices[deviceUID]
	if !ok {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("device not found: %s", deviceUID))
	}

	channel, ok := dev.Channel(setting.ChannelName)
	if !ok {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("channel not found: %s", setting.ChannelName))
	}

	switch {
	case setting.ResetToDefault:
		c.clearSchedulers(deviceUID, setting.ChannelName)

		return c.applyToRepo(ctx, dev, setting)
	case setting.FixedDuty != nil:
		if channel.Speed == nil || !channel.Speed.FixedEnabled {
			return errors.New().
				WithMessage(errors.ErrUnsupported, fmt.Sprintf("channel does not support fixed duties: %s", setting.ChannelName))
		}
		c.clearSchedulers(deviceUID, setting.ChannelName)

		return c.applyToRepo(ctx, dev, setting)
	case setting.Lighting != nil:
		if channel.Lighting == nil {
			return errors.New().
				WithMessage(errors.ErrUnsupported, fmt.Sprintf("channel does not support lighting: %s", setting.ChannelName))
		}
		if !lightingModeSupported(channel.Lighting, setting.Lighting.Mode) {
			return errors.New().
				WithMessage(errors.ErrUnsupported, fmt.Sprintf("unsupported lighting mode: %s", setting.Lighting.Mode))
		}

		return c.applyToRepo(ctx, dev, setting)
	default:
		return c.applyProfile(ctx, dev, channel, setting)
	}
}

func (c *DeviceCommander) applyProfile(
	ctx context.Context,
	dev *device.Device,
	channel device.Channel,
	setting device.Setting,
) error {
	profile, err := c.resolver.ProfileByUID(setting.ProfileUID)
	if err != nil {
		return err
	}

	switch profile.Type {
	case device.ProfileDefault:
		c.clearSchedulers(dev.UID(), setting.ChannelName)

		return c.applyToRepo(ctx, dev, device.Setting{
			ChannelName:    setting.ChannelName,
			ResetToDefault: true,
		})
	case device.ProfileFixed:
		if profile.FixedDuty == nil {
			return errors.New().
				WithMessage(errors.ErrValidation, fmt.Sprintf("fixed profile has no duty: %s", profile.UID))
		}
		c.clearSchedulers(dev.UID(), setting.ChannelName)

		return c.applyToRepo(ctx, dev, device.Setting{
			ChannelName: setting.ChannelName,
			FixedDuty:   profile.FixedDuty,
		})
	case device.ProfileGraph:
		return c.scheduleGraph(dev, channel, setting.ChannelName, profile)
	default:
		return errors.New().
			WithMessage(errors.ErrValidation, fmt.Sprintf("unknown profile type: %s", profile.Type))
	}
}

func (c *DeviceCommander) scheduleGraph(
	dev *device.Device,
	channel device.Channel,
	channelName string,
	profile *device.Profile,
) error {
	if channel.Speed == nil {
		return errors.New().
			WithMessage(errors.ErrUnsupported, fmt.Sprintf("channel has no speed control: %s", channelName))
	}

	ref := processing.ChannelRef{DeviceUID: dev.UID(), ChannelName: channelName}

	switch {
	case channel.Speed.ProfilesEnabled:
		fn, err := c.resolver.FunctionByUID(profile.FunctionUID)
		if err != nil {
			return err
		}
		c.step.ClearChannelSetting(ref.DeviceUID, ref.ChannelName)

		return c.graph.ScheduleSetting(ref, profile, fn)
	case channel.Speed.ManualProfilesEnabled:
		c.graph.ClearChannelSetting(ref.DeviceUID, ref.ChannelName)

		return c.step.ScheduleSetting(ref, profile)
	default:
		return errors.New().
			WithMessage(errors.ErrUnsupported, fmt.Sprintf("channel does not support speed profiles: %s", channelName))
	}
}

func (c *DeviceCommander) applyToRepo(ctx context.Context, dev *device.Device, setting device.Setting) error {
	repo, err := c.repos.ForType(dev.Type())
	if err != nil {
		return err
	}

	logger.Info().
		Str("device", dev.Name()).
		Str("channel", setting.ChannelName).
		Msg("Applying device setting")

	return repo.ApplySetting(ctx, dev.UID(), setting)
}

func (c *DeviceCommander) clearSchedulers(deviceUID, channelName string) {
	c.graph.ClearChannelSetting(deviceUID, channelName)
	c.step.ClearChannelSetting(deviceUID, channelName)
}

// ReinitializeDevices re-runs hardware initialization on every backend
// that supports it, typically after waking from suspend.
func (c *DeviceCommander) ReinitializeDevices(ctx context.Context) error {
	var firstErr error
	for _, repo := range c.repos {
		err := repo.ReinitializeDevices(ctx)
		if err == nil {
			continue
		}
		if errors.IsCode(err, errors.ErrNotImplemented) {
			continue
		}
		logger.Warn().Err(err).Str("type", string(repo.DeviceType())).Msg("Failed to reinitialize devices")
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func lightingModeSupported(opts *device.LightingOptions, mode string) bool {
	for _, m := range opts.Modes {
		if m == mode {
			return true
		}
	}

	return false
}
