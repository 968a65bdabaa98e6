package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const (
	DefaultLiquidAddress = "http://127.0.0.1:11986"

	liquidConnectAttempts = 5
	liquidConnectBackoff  = 2 * time.Second
	liquidRequestTimeout  = 10 * time.Second
)

// DTOs for the helper daemon's JSON API.

type liquidSpeedChannelDTO struct {
	Name                  string `json:"name"`
	FixedEnabled          bool   `json:"fixed_enabled"`
	ProfilesEnabled       bool   `json:"profiles_enabled"`
	ManualProfilesEnabled bool   `json:"manual_profiles_enabled"`
}

type liquidLightingChannelDTO struct {
	Name  string   `json:"name"`
	Modes []string `json:"modes"`
}

type liquidDeviceDTO struct {
	ID               int                        `json:"id"`
	Name             string                     `json:"name"`
	SpeedChannels    []liquidSpeedChannelDTO    `json:"speed_channels"`
	LightingChannels []liquidLightingChannelDTO `json:"lighting_channels"`
}

type liquidTempDTO struct {
	Name string  `json:"name"`
	Temp float64 `json:"temp"`
}

type liquidChannelStatusDTO struct {
	Name string `json:"name"`
	Duty *int   `json:"duty,omitempty"`
	RPM  *int   `json:"rpm,omitempty"`
}

type liquidStatusDTO struct {
	Temps    []liquidTempDTO          `json:"temps"`
	Channels []liquidChannelStatusDTO `json:"channels"`
}

type liquidSpeedRequest struct {
	Channel string `json:"channel"`
	Duty    int    `json:"duty"`
}

type liquidColorRequest struct {
	Channel string     `json:"channel"`
	Mode    string     `json:"mode"`
	Speed   string     `json:"speed,omitempty"`
	Colors  [][3]uint8 `json:"colors,omitempty"`
}

type liquidDevice struct {
	dev *device.Device
	id  int
}

// LiquidRepository talks to the USB helper daemon over its local HTTP
// API. The helper owns the USB protocol details; this repository only
// translates settings and statuses.
type LiquidRepository struct {
	address string
	client  *http.Client
	devices map[string]*liquidDevice
}

func NewLiquidRepository(address string, client *http.Client) *LiquidRepository {
	if address == "" {
		address = DefaultLiquidAddress
	}
	if client == nil {
		client = &http.Client{Timeout: liquidRequestTimeout}
	}

	return &LiquidRepository{
		address: address,
		client:  client,
		devices: make(map[string]*liquidDevice),
	}
}

func (r *LiquidRepository) DeviceType() device.Type {
	return device.TypeLiquid
}

// InitializeDevices connects to the helper daemon, retrying a bounded
// number of times since the helper may still be starting up.
func (r *LiquidRepository) InitializeDevices(ctx context.Context) error {
	var dtos []liquidDeviceDTO
	var err error

	for attempt := 1; attempt <= liquidConnectAttempts; attempt++ {
		err = r.getJSON(ctx, "/devices", &dtos)
		if err == nil {
			break
		}

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Msg("Helper daemon not reachable yet")

		if attempt == liquidConnectAttempts {
			return errors.New().
				Wrap(ErrBackendRequest, err).
				WithMessage("failed to connect to liquid helper daemon")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(liquidConnectBackoff):
		}
	}

	for i, dto := range dtos {
		if err := r.postJSON(ctx, fmt.Sprintf("/devices/%d/initialize", dto.ID), nil); err != nil {
			logger.Warn().Err(err).Str("name", dto.Name).Msg("Failed to initialize liquid device")
			continue
		}

		ld := &liquidDevice{
			dev: device.New(device.TypeLiquid, dto.Name, i, channelsFromDTO(dto)),
			id:  dto.ID,
		}
		r.devices[ld.dev.UID()] = ld

		logger.Debug().
			Str("uid", ld.dev.UID()).
			Str("name", dto.Name).
			Msg("Initialized liquid device")
	}

	if len(r.devices) == 0 {
		return errors.New().
			WithMessage(ErrNoDevicesFound, "no liquid devices found")
	}

	return nil
}

func channelsFromDTO(dto liquidDeviceDTO) []device.Channel {
	channels := make([]device.Channel, 0, len(dto.SpeedChannels)+len(dto.LightingChannels))
	for _, sc := range dto.SpeedChannels {
		channels = append(channels, device.Channel{
			Name: sc.Name,
			Speed: &device.SpeedOptions{
				MinDuty:               device.MinDuty,
				MaxDuty:               device.MaxDuty,
				FixedEnabled:          sc.FixedEnabled,
				ProfilesEnabled:       sc.ProfilesEnabled,
				ManualProfilesEnabled: sc.ManualProfilesEnabled,
			},
		})
	}
	for _, lc := range dto.LightingChannels {
		channels = append(channels, device.Channel{
			Name:     lc.Name,
			Lighting: &device.LightingOptions{Modes: lc.Modes},
		})
	}

	return channels
}

func (r *LiquidRepository) Devices() device.Map {
	m := make(device.Map, len(r.devices))
	for uid, ld := range r.devices {
		m[uid] = ld.dev
	}

	return m
}

func (r *LiquidRepository) UpdateStatuses(ctx context.Context) error {
	for _, ld := range r.devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var dto liquidStatusDTO
		if err := r.getJSON(ctx, fmt.Sprintf("/devices/%d/status", ld.id), &dto); err != nil {
			logger.Debug().Err(err).Str("uid", ld.dev.UID()).Msg("Failed to read liquid device status")
			continue
		}

		status := device.Status{Timestamp: time.Now()}
		for _, t := range dto.Temps {
			status.Temps = append(status.Temps, device.TempStatus{Name: t.Name, Temp: t.Temp})
		}
		for _, c := range dto.Channels {
			status.Channels = append(status.Channels, device.ChannelStatus{Name: c.Name, Duty: c.Duty, RPM: c.RPM})
		}
		sort.Slice(status.Temps, func(i, j int) bool { return status.Temps[i].Name < status.Temps[j].Name })
		sort.Slice(status.Channels, func(i, j int) bool { return status.Channels[i].Name < status.Channels[j].Name })

		ld.dev.SetStatus(status)
	}

	return nil
}

func (r *LiquidRepository) ApplySetting(ctx context.Context, deviceUID string, setting device.Setting) error {
	ld, ok := r.devices[deviceUID]
	if !ok {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("liquid device not found: %s", deviceUID))
	}

	switch {
	case setting.ResetToDefault:
		return r.postJSON(ctx, fmt.Sprintf("/devices/%d/initialize", ld.id), nil)
	case setting.FixedDuty != nil:
		return r.putJSON(ctx, fmt.Sprintf("/devices/%d/speed", ld.id), liquidSpeedRequest{
			Channel: setting.ChannelName,
			Duty:    *setting.FixedDuty,
		})
	case setting.Lighting != nil:
		return r.putJSON(ctx, fmt.Sprintf("/devices/%d/color", ld.id), liquidColorRequest{
			Channel: setting.ChannelName,
			Mode:    setting.Lighting.Mode,
			Speed:   setting.Lighting.Speed,
			Colors:  setting.Lighting.Colors,
		})
	default:
		return errors.New().
			WithMessage(errors.ErrUnsupported, "liquid channels support duty and lighting control")
	}
}

func (r *LiquidRepository) Shutdown(ctx context.Context) error {
	for _, ld := range r.devices {
		if err := r.postJSON(ctx, fmt.Sprintf("/devices/%d/initialize", ld.id), nil); err != nil {
			logger.Warn().Err(err).Str("uid", ld.dev.UID()).Msg("Failed to reset liquid device on shutdown")
		}
	}

	return nil
}

// ReinitializeDevices re-runs device initialization on the helper. USB
// devices lose their state across suspend, so this runs on wake.
func (r *LiquidRepository) ReinitializeDevices(ctx context.Context) error {
	for _, ld := range r.devices {
		if err := r.postJSON(ctx, fmt.Sprintf("/devices/%d/initialize", ld.id), nil); err != nil {
			return errors.New().
				Wrap(ErrBackendRequest, err).
				WithMessage(fmt.Sprintf("failed to reinitialize liquid device %s", ld.dev.Name()))
		}
	}

	return nil
}

func (r *LiquidRepository) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.address+path, http.NoBody)
	if err != nil {
		return errors.New().Wrap(ErrBackendRequest, err)
	}

	return r.do(req, out)
}

func (r *LiquidRepository) postJSON(ctx context.Context, path string, body any) error {
	return r.sendJSON(ctx, http.MethodPost, path, body)
}

func (r *LiquidRepository) putJSON(ctx context.Context, path string, body any) error {
	return r.sendJSON(ctx, http.MethodPut, path, body)
}

func (r *LiquidRepository) sendJSON(ctx context.Context, method, path string, body any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.New().Wrap(ErrBackendRequest, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.address+path, reader)
	if err != nil {
		return errors.New().Wrap(ErrBackendRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return r.do(req, nil)
}

func (r *LiquidRepository) do(req *http.Request, out any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.New().Wrap(ErrBackendRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return errors.New().
			WithMessage(ErrBackendRequest, fmt.Sprintf("helper daemon returned %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.New().Wrap(ErrBackendRequest, err)
		}
	}

	return nil
}
