package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const (
	defaultHwmonPath = "/sys/class/hwmon"

	pwmManualMode    = 1
	pwmAutomaticMode = 2

	pwmRawMax = 255
)

// hwmonChannel maps a duty channel to its sysfs control files.
type hwmonChannel struct {
	name       string
	pwmPath    string
	enablePath string
	fanPath    string
}

type hwmonDevice struct {
	dev      *device.Device
	dirPath  string
	temps    map[string]string // temp name -> input file path
	channels map[string]*hwmonChannel
}

// HwmonRepository drives fans exposed through the kernel hwmon sysfs
// interface. Duty values are converted between the 0-100 percent scale
// and the raw 0-255 pwm scale on every read and write.
type HwmonRepository struct {
	basePath string
	devices  map[string]*hwmonDevice
}

func NewHwmonRepository(basePath string) *HwmonRepository {
	if basePath == "" {
		basePath = defaultHwmonPath
	}

	return &HwmonRepository{
		basePath: basePath,
		devices:  make(map[string]*hwmonDevice),
	}
}

func (r *HwmonRepository) DeviceType() device.Type {
	return device.TypeHwmon
}

func (r *HwmonRepository) InitializeDevices(ctx context.Context) error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return errors.New().
			Wrap(ErrDiscoveryFailed, err).
			WithMessage("failed to read hwmon base path")
	}

	typeIndex := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}

		dirPath := filepath.Join(r.basePath, entry.Name())
		hd, err := r.probeDevice(dirPath, typeIndex)
		if err != nil {
			logger.Warn().Err(err).Str("path", dirPath).Msg("Skipping hwmon device")
			continue
		}
		if hd == nil {
			continue
		}

		r.devices[hd.dev.UID()] = hd
		typeIndex++

		logger.Debug().
			Str("uid", hd.dev.UID()).
			Str("name", hd.dev.Name()).
			Int("temps", len(hd.temps)).
			Int("channels", len(hd.channels)).
			Msg("Initialized hwmon device")
	}

	if len(r.devices) == 0 {
		return errors.New().
			WithMessage(ErrNoDevicesFound, "no usable hwmon devices found")
	}

	return nil
}

// probeDevice inspects one hwmonN directory. Returns nil without error
// when the directory exposes neither temperatures nor pwm controls.
func (r *HwmonRepository) probeDevice(dirPath string, typeIndex int) (*hwmonDevice, error) {
	name, err := readSysfsString(filepath.Join(dirPath, "name"))
	if err != nil {
		return nil, errors.New().
			Wrap(ErrDiscoveryFailed, err).
			WithMessage("hwmon device has no name file")
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, errors.New().
			Wrap(ErrDiscoveryFailed, err).
			WithMessage("failed to list hwmon device files")
	}

	temps := make(map[string]string)
	pwms := make(map[int]*hwmonChannel)
	fans := make(map[int]string)

	for _, entry := range entries {
		fname := entry.Name()
		fpath := filepath.Join(dirPath, fname)

		switch {
		case strings.HasPrefix(fname, "temp") && strings.HasSuffix(fname, "_input"):
			tempName := tempLabelOrDefault(dirPath, fname)
			temps[tempName] = fpath
		case strings.HasPrefix(fname, "pwm") && !strings.Contains(fname, "_"):
			idx, err := strconv.Atoi(strings.TrimPrefix(fname, "pwm"))
			if err != nil {
				continue
			}
			if !isWritable(fpath) {
				continue
			}
			pwms[idx] = &hwmonChannel{
				name:       fname,
				pwmPath:    fpath,
				enablePath: filepath.Join(dirPath, fname+"_enable"),
			}
		case strings.HasPrefix(fname, "fan") && strings.HasSuffix(fname, "_input"):
			idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fname, "fan"), "_input"))
			if err != nil {
				continue
			}
			fans[idx] = fpath
		}
	}

	if len(temps) == 0 && len(pwms) == 0 {
		return nil, nil
	}

	channels := make(map[string]*hwmonChannel)
	devChannels := make([]device.Channel, 0, len(pwms))
	for idx, ch := range pwms {
		if fanPath, ok := fans[idx]; ok {
			ch.fanPath = fanPath
		}
		channels[ch.name] = ch
		devChannels = append(devChannels, device.Channel{
			Name: ch.name,
			Speed: &device.SpeedOptions{
				MinDuty:         device.MinDuty,
				MaxDuty:         device.MaxDuty,
				FixedEnabled:    true,
				ProfilesEnabled: true,
			},
		})
	}
	sort.Slice(devChannels, func(i, j int) bool { return devChannels[i].Name < devChannels[j].Name })

	dev := device.New(device.TypeHwmon, name, typeIndex, devChannels)

	return &hwmonDevice{
		dev:      dev,
		dirPath:  dirPath,
		temps:    temps,
		channels: channels,
	}, nil
}

func (r *HwmonRepository) Devices() device.Map {
	m := make(device.Map, len(r.devices))
	for uid, hd := range r.devices {
		m[uid] = hd.dev
	}

	return m
}

func (r *HwmonRepository) UpdateStatuses(ctx context.Context) error {
	for _, hd := range r.devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		status := device.Status{Timestamp: time.Now()}

		for tempName, path := range hd.temps {
			raw, err := readSysfsInt(path)
			if err != nil {
				logger.Debug().Err(err).Str("temp", tempName).Msg("Failed to read hwmon temperature")
				continue
			}
			status.Temps = append(status.Temps, device.TempStatus{
				Name: tempName,
				Temp: float64(raw) / 1000.0,
			})
		}

		for chName, ch := range hd.channels {
			cs := device.ChannelStatus{Name: chName}
			if raw, err := readSysfsInt(ch.pwmPath); err == nil {
				duty := pwmRawToDuty(raw)
				cs.Duty = &duty
			}
			if ch.fanPath != "" {
				if rpm, err := readSysfsInt(ch.fanPath); err == nil {
					cs.RPM = &rpm
				}
			}
			status.Channels = append(status.Channels, cs)
		}

		sort.Slice(status.Temps, func(i, j int) bool { return status.Temps[i].Name < status.Temps[j].Name })
		sort.Slice(status.Channels, func(i, j int) bool { return status.Channels[i].Name < status.Channels[j].Name })

		hd.dev.SetStatus(status)
	}

	return nil
}

func (r *HwmonRepository) ApplySetting(ctx context.Context, deviceUID string, setting device.Setting) error {
	hd, ok := r.devices[deviceUID]
	if !ok {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("hwmon device not found: %s", deviceUID))
	}

	ch, ok := hd.channels[setting.ChannelName]
	if !ok {
		return errors.New().
			WithMessage(errors.ErrNotFound, fmt.Sprintf("hwmon channel not found: %s", setting.ChannelName))
	}

	switch {
	case setting.ResetToDefault:
		return r.setAutomatic(ch)
	case setting.FixedDuty != nil:
		return r.setFixedDuty(ch, *setting.FixedDuty)
	default:
		return errors.New().
			WithMessage(errors.ErrUnsupported, "hwmon channels support only duty control")
	}
}

func (r *HwmonRepository) setFixedDuty(ch *hwmonChannel, duty int) error {
	// Manual mode must be active before the pwm value takes effect.
	if err := writeSysfsInt(ch.enablePath, pwmManualMode); err != nil {
		return errors.New().
			Wrap(ErrSettingWrite, err).
			WithMessage("failed to enable manual pwm mode")
	}

	if err := writeSysfsInt(ch.pwmPath, dutyToPwmRaw(duty)); err != nil {
		return errors.New().
			Wrap(ErrSettingWrite, err).
			WithMessage("failed to write pwm value")
	}

	logger.Debug().Str("channel", ch.name).Int("duty", duty).Msg("Applied hwmon duty")

	return nil
}

func (r *HwmonRepository) setAutomatic(ch *hwmonChannel) error {
	if err := writeSysfsInt(ch.enablePath, pwmAutomaticMode); err != nil {
		return errors.New().
			Wrap(ErrSettingWrite, err).
			WithMessage("failed to restore automatic pwm mode")
	}

	logger.Debug().Str("channel", ch.name).Msg("Restored hwmon automatic control")

	return nil
}

func (r *HwmonRepository) Shutdown(ctx context.Context) error {
	for _, hd := range r.devices {
		for _, ch := range hd.channels {
			if err := r.setAutomatic(ch); err != nil {
				logger.Warn().Err(err).Str("channel", ch.name).Msg("Failed to restore automatic control on shutdown")
			}
		}
	}

	return nil
}

func (r *HwmonRepository) ReinitializeDevices(ctx context.Context) error {
	return reinitializeUnsupported(device.TypeHwmon)
}

func tempLabelOrDefault(dirPath, inputName string) string {
	labelName := strings.Replace(inputName, "_input", "_label", 1)
	if label, err := readSysfsString(filepath.Join(dirPath, labelName)); err == nil && label != "" {
		return label
	}

	return strings.TrimSuffix(inputName, "_input")
}

func isWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.Mode().Perm()&0o200 != 0
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

func readSysfsInt(path string) (int, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(s)
}

func writeSysfsInt(path string, value int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(value)), 0o644)
}

func pwmRawToDuty(raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > pwmRawMax {
		raw = pwmRawMax
	}

	return int(float64(raw)/pwmRawMax*100.0 + 0.5)
}

func dutyToPwmRaw(duty int) int {
	if duty < device.MinDuty {
		duty = device.MinDuty
	}
	if duty > device.MaxDuty {
		duty = device.MaxDuty
	}

	return int(float64(duty)/100.0*pwmRawMax + 0.5)
}
