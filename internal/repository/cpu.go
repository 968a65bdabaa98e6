package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

// cpuSensorPrefixes matches the hwmon driver names of the common x86
// package temperature sensors.
var cpuSensorPrefixes = []string{"coretemp", "k10temp", "zenpower", "cpu_thermal"}

// CPURepository exposes processor package temperatures as a read-only
// sensor device. CPU fans are driven through the hwmon repository, so
// this repository has no controllable channels.
type CPURepository struct {
	dev        *device.Device
	sensorKeys map[string]string // sensor key -> temp name
}

func NewCPURepository() *CPURepository {
	return &CPURepository{
		sensorKeys: make(map[string]string),
	}
}

func (r *CPURepository) DeviceType() device.Type {
	return device.TypeCPU
}

func (r *CPURepository) InitializeDevices(ctx context.Context) error {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		return errors.New().
			Wrap(ErrDiscoveryFailed, err).
			WithMessage("failed to probe cpu temperature sensors")
	}

	for _, t := range temps {
		if !isCPUSensor(t.SensorKey) {
			continue
		}
		r.sensorKeys[t.SensorKey] = tempNameFromKey(t.SensorKey)
	}

	if len(r.sensorKeys) == 0 {
		return errors.New().
			WithMessage(ErrNoDevicesFound, "no cpu temperature sensors found")
	}

	r.dev = device.New(device.TypeCPU, "cpu", 0, nil)

	logger.Debug().
		Str("uid", r.dev.UID()).
		Int("sensors", len(r.sensorKeys)).
		Msg("Initialized cpu device")

	return nil
}

func (r *CPURepository) Devices() device.Map {
	if r.dev == nil {
		return device.Map{}
	}

	return device.Map{r.dev.UID(): r.dev}
}

func (r *CPURepository) UpdateStatuses(ctx context.Context) error {
	if r.dev == nil {
		return nil
	}

	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		return errors.New().
			Wrap(ErrStatusRead, err).
			WithMessage("failed to read cpu temperatures")
	}

	status := device.Status{Timestamp: time.Now()}
	for _, t := range temps {
		name, ok := r.sensorKeys[t.SensorKey]
		if !ok {
			continue
		}
		status.Temps = append(status.Temps, device.TempStatus{
			Name: name,
			Temp: t.Temperature,
		})
	}
	sort.Slice(status.Temps, func(i, j int) bool { return status.Temps[i].Name < status.Temps[j].Name })

	r.dev.SetStatus(status)

	return nil
}

func (r *CPURepository) ApplySetting(_ context.Context, _ string, _ device.Setting) error {
	return errors.New().
		WithMessage(errors.ErrUnsupported, "cpu devices are sensor-only")
}

func (r *CPURepository) Shutdown(_ context.Context) error {
	return nil
}

func (r *CPURepository) ReinitializeDevices(_ context.Context) error {
	return reinitializeUnsupported(device.TypeCPU)
}

func isCPUSensor(key string) bool {
	for _, prefix := range cpuSensorPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}

	return false
}

// tempNameFromKey strips the driver prefix so "coretemp_package_id_0"
// becomes "package_id_0".
func tempNameFromKey(key string) string {
	for _, prefix := range cpuSensorPrefixes {
		if strings.HasPrefix(key, prefix+"_") {
			return strings.TrimPrefix(key, prefix+"_")
		}
	}

	return key
}
