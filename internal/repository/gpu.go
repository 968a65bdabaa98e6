package repository

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const gpuTempName = "gpu"

type gpuDevice struct {
	dev      *device.Device
	handle   nvml.Device
	fanCount int
}

// GPURepository drives NVIDIA GPU fans through NVML. Each physical fan
// is exposed as its own channel ("fan1", "fan2", ...) so curves can be
// scheduled per fan.
type GPURepository struct {
	devices     map[string]*gpuDevice
	initialized bool
}

func NewGPURepository() *GPURepository {
	return &GPURepository{
		devices: make(map[string]*gpuDevice),
	}
}

func (r *GPURepository) DeviceType() device.Type {
	return device.TypeGPU
}

func (r *GPURepository) InitializeDevices(ctx context.Context) error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return errors.New().
			WithMessage(ErrDiscoveryFailed, fmt.Sprintf("failed to initialize NVML: %v", nvml.ErrorString(ret)))
	}
	r.initialized = true

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return errors.New().
			WithMessage(ErrDiscoveryFailed, fmt.Sprintf("failed to count GPUs: %v", nvml.ErrorString(ret)))
	}

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		gd, err := probeGPU(i)
		if err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Skipping GPU")
			continue
		}
		r.devices[gd.dev.UID()] = gd

		logger.Debug().
			Str("uid", gd.dev.UID()).
			Str("name", gd.dev.Name()).
			Int("fans", gd.fanCount).
			Msg("Initialized gpu device")
	}

	if len(r.devices) == 0 {
		return errors.New().
			WithMessage(ErrNoDevicesFound, "no usable GPUs found")
	}

	return nil
}

func probeGPU(index int) (*gpuDevice, error) {
	handle, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, errors.New().
			WithMessage(ErrDiscoveryFailed, fmt.Sprintf("failed to get GPU handle: %v", nvml.ErrorString(ret)))
	}

	name, ret := handle.GetName()
	if ret != nvml.SUCCESS {
		name = fmt.Sprintf("gpu%d", index)
	}

	fanCount, ret := handle.GetNumFans()
	if ret != nvml.SUCCESS {
		fanCount = 0
	}

	minDuty, maxDuty := device.MinDuty, device.MaxDuty
	if fanMin, fanMax, ret := handle.GetMinMaxFanSpeed(); ret == nvml.SUCCESS {
		minDuty, maxDuty = fanMin, fanMax
	}

	channels := make([]device.Channel, 0, fanCount)
	for f := 0; f < fanCount; f++ {
		channels = append(channels, device.Channel{
			Name: fanChannelName(f),
			Speed: &device.SpeedOptions{
				MinDuty:         minDuty,
				MaxDuty:         maxDuty,
				FixedEnabled:    true,
				ProfilesEnabled: true,
			},
		})
	}

	return &gpuDevice{
		dev:      device.New(device.TypeGPU, name, index, channels),
		handle:   handle,
		fanCount: fanCount,
	}, nil
}

func (r *GPURepository) Devices() device.Map {
	m := make(device.Map, len(r.devices))
	for uid, gd := range r.devices {
		m[uid] = gd.dev
	}

	return m
}

func (r *GPURepository) UpdateStatuses(ctx context.Context) error {
	for _, gd := range r.devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		status := device.Status{Timestamp: time.Now()}

		if temp, ret := gd.handle.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			status.Temps = append(status.Temps, device.TempStatus{
				Name: gpuTempName,
				Temp: float64(temp),
			})
		} else {
			logger.Debug().
				Str("uid", gd.dev.UID()).
				Str("error", nvml.ErrorString(ret)).
				Msg("Failed to read GPU temperature")
		}

		for f := 0; f < gd.fanCount; f++ {
			cs := device.ChannelStatus{Name: fanChannelName(f)}
			if speed, ret := gd.handle.GetFanSpeed_v2(f); ret == nvml.SUCCESS {
				duty := int(speed)
				cs.Duty = &duty
			}
			status.Channels = append(status.Channels, cs)
		}
		sort.Slice(status.Channels, func(i, j int) bool { return status.Channels[i].Name < status.Channels[j].Name })

		gd.dev.SetStatus(status)
	}

	return nil
}

func (r *GPURepository) ApplySetting(_ context.Context, deviceUID string, setting device.Setting) error {
	gd, ok := r.devices[deviceUID]
	if !ok {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("gpu device not found: %s", deviceUID))
	}

	fanIndex, err := fanIndexFromChannel(setting.ChannelName)
	if err != nil || fanIndex >= gd.fanCount {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("gpu channel not found: %s", setting.ChannelName))
	}

	switch {
	case setting.ResetToDefault:
		if ret := nvml.DeviceSetDefaultFanSpeed_v2(gd.handle, fanIndex); ret != nvml.SUCCESS {
			return errors.New().
				WithMessage(ErrSettingWrite, fmt.Sprintf("failed to restore automatic fan control: %v", nvml.ErrorString(ret)))
		}
		logger.Debug().Str("channel", setting.ChannelName).Msg("Restored gpu automatic fan control")

		return nil
	case setting.FixedDuty != nil:
		if ret := nvml.DeviceSetFanSpeed_v2(gd.handle, fanIndex, *setting.FixedDuty); ret != nvml.SUCCESS {
			return errors.New().
				WithMessage(ErrSettingWrite, fmt.Sprintf("failed to set fan speed: %v", nvml.ErrorString(ret)))
		}
		logger.Debug().Str("channel", setting.ChannelName).Int("duty", *setting.FixedDuty).Msg("Applied gpu duty")

		return nil
	default:
		return errors.New().
			WithMessage(errors.ErrUnsupported, "gpu channels support only duty control")
	}
}

// Shutdown hands fan control back to the driver before releasing NVML.
func (r *GPURepository) Shutdown(_ context.Context) error {
	for _, gd := range r.devices {
		for f := 0; f < gd.fanCount; f++ {
			if ret := nvml.DeviceSetDefaultFanSpeed_v2(gd.handle, f); ret != nvml.SUCCESS {
				logger.Warn().
					Str("uid", gd.dev.UID()).
					Int("fan", f).
					Str("error", nvml.ErrorString(ret)).
					Msg("Failed to restore automatic fan control on shutdown")
			}
		}
	}

	if r.initialized {
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			return errors.New().
				WithMessage(errors.ErrShutdownFailed, fmt.Sprintf("failed to shut down NVML: %v", nvml.ErrorString(ret)))
		}
	}

	return nil
}

func (r *GPURepository) ReinitializeDevices(_ context.Context) error {
	return reinitializeUnsupported(device.TypeGPU)
}

func fanChannelName(index int) string {
	return fmt.Sprintf("fan%d", index+1)
}

func fanIndexFromChannel(name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "fan"))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New().WithMessage(errors.ErrInvalidArgument, "fan channels are numbered from 1")
	}

	return n - 1, nil
}
