package actor

import (
	"context"
	"sort"

	"codeberg.org/mutker/coolerd/internal/commander"
	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/logger"
	"codeberg.org/mutker/coolerd/internal/store"
)

const deviceMailboxSize = 8

// DeviceDTO describes a device and its control capabilities.
type DeviceDTO struct {
	UID          string           `json:"uid"`
	Name         string           `json:"name"`
	Type         device.Type      `json:"type"`
	CriticalTemp float64          `json:"critical_temp"`
	Channels     []device.Channel `json:"channels"`
}

type deviceMessage interface{ isDeviceMessage() }

type deviceListMsg struct {
	reply chan []DeviceDTO
}

type deviceSetSettingMsg struct {
	deviceUID string
	setting   device.Setting
	reply     chan error
}

type deviceReinitializeMsg struct {
	reply chan error
}

func (deviceListMsg) isDeviceMessage()         {}
func (deviceSetSettingMsg) isDeviceMessage()   {}
func (deviceReinitializeMsg) isDeviceMessage() {}

// DeviceActor owns setting application. Applied settings are persisted
// so they can be restored on the next startup.
type DeviceActor struct {
	ch          chan deviceMessage
	devices     device.Map
	commander   *commander.DeviceCommander
	settings    *store.Store
	broadcaster *Broadcaster
}

func NewDeviceActor(
	devices device.Map,
	cmd *commander.DeviceCommander,
	settings *store.Store,
	broadcaster *Broadcaster,
) *DeviceActor {
	return &DeviceActor{
		ch:          make(chan deviceMessage, deviceMailboxSize),
		devices:     devices,
		commander:   cmd,
		settings:    settings,
		broadcaster: broadcaster,
	}
}

func (a *DeviceActor) Name() string { return "device" }

func (a *DeviceActor) Receiver() <-chan deviceMessage { return a.ch }

func (a *DeviceActor) HandleMessage(ctx context.Context, msg deviceMessage) {
	switch m := msg.(type) {
	case deviceListMsg:
		m.reply <- a.list()
	case deviceSetSettingMsg:
		m.reply <- a.setSetting(ctx, m.deviceUID, m.setting)
	case deviceReinitializeMsg:
		m.reply <- a.commander.ReinitializeDevices(ctx)
	}
}

func (a *DeviceActor) list() []DeviceDTO {
	dtos := make([]DeviceDTO, 0, len(a.devices))
	for _, dev := range a.devices {
		dtos = append(dtos, DeviceDTO{
			UID:          dev.UID(),
			Name:         dev.Name(),
			Type:         dev.Type(),
			CriticalTemp: dev.CriticalTemp(),
			Channels:     dev.Channels(),
		})
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].UID < dtos[j].UID })

	return dtos
}

func (a *DeviceActor) setSetting(ctx context.Context, deviceUID string, setting device.Setting) error {
	if err := a.commander.SetSetting(ctx, deviceUID, setting); err != nil {
		return err
	}

	if setting.ResetToDefault {
		if err := a.settings.DeleteChannelSetting(deviceUID, setting.ChannelName); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove persisted channel setting")
		}
	} else if err := a.settings.SaveChannelSetting(deviceUID, setting); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist channel setting")
	}

	a.broadcaster.Publish(Event{
		Type: EventSettingChange,
		Payload: map[string]any{
			"device_uid": deviceUID,
			"channel":    setting.ChannelName,
		},
	})

	return nil
}

// RestoreSettings reapplies all persisted channel settings, typically
// at startup. Failures are logged per setting and skipped since the
// hardware layout may have changed since the last run.
func (a *DeviceActor) RestoreSettings(ctx context.Context) {
	settings, err := a.settings.ChannelSettings()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load persisted channel settings")
		return
	}

	for _, cs := range settings {
		if err := a.commander.SetSetting(ctx, cs.DeviceUID, cs.Setting); err != nil {
			logger.Warn().
				Err(err).
				Str("device", cs.DeviceUID).
				Str("channel", cs.Setting.ChannelName).
				Msg("Failed to restore channel setting")
		}
	}
}

type DeviceHandle struct {
	ch chan<- deviceMessage
}

func (a *DeviceActor) Handle() DeviceHandle {
	return DeviceHandle{ch: a.ch}
}

func (h DeviceHandle) List(ctx context.Context) ([]DeviceDTO, error) {
	msg := deviceListMsg{reply: NewReply[[]DeviceDTO]()}
	if err := Send(ctx, h.ch, deviceMessage(msg)); err != nil {
		return nil, err
	}

	return Await(ctx, msg.reply)
}

func (h DeviceHandle) SetSetting(ctx context.Context, deviceUID string, setting device.Setting) error {
	msg := deviceSetSettingMsg{deviceUID: deviceUID, setting: setting, reply: NewReply[error]()}
	if err := Send(ctx, h.ch, deviceMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}

func (h DeviceHandle) Reinitialize(ctx context.Context) error {
	msg := deviceReinitializeMsg{reply: NewReply[error]()}
	if err := Send(ctx, h.ch, deviceMessage(msg)); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}
