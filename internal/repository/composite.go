package repository

import (
	"context"
	"sort"
	"time"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

// MixFunction combines several member temperatures into one value.
type MixFunction string

const (
	MixMin   MixFunction = "min"
	MixMax   MixFunction = "max"
	MixAvg   MixFunction = "avg"
	MixDelta MixFunction = "delta"
)

// CompositeSensor is a user-defined virtual temperature built from
// other devices' sensors.
type CompositeSensor struct {
	Name    string
	Mix     MixFunction
	Members []device.TempSource
}

func (s *CompositeSensor) Validate() error {
	errFactory := errors.New()

	if s.Name == "" {
		return errFactory.WithMessage(errors.ErrValidation, "composite sensor name must not be empty")
	}
	if len(s.Members) == 0 {
		return errFactory.WithMessage(errors.ErrValidation, "composite sensor needs at least one member")
	}

	switch s.Mix {
	case MixMin, MixMax, MixAvg, MixDelta:
		return nil
	default:
		return errFactory.WithData(errors.ErrValidation, string(s.Mix))
	}
}

// CompositeRepository exposes mix-function sensors as a single virtual
// device. Member temperatures are read from the already-polled source
// devices, so UpdateStatuses must run after the hardware repositories.
type CompositeRepository struct {
	sensors []CompositeSensor
	sources device.Map
	dev     *device.Device
}

func NewCompositeRepository(sensors []CompositeSensor, sources device.Map) *CompositeRepository {
	return &CompositeRepository{
		sensors: sensors,
		sources: sources,
	}
}

func (r *CompositeRepository) DeviceType() device.Type {
	return device.TypeComposite
}

func (r *CompositeRepository) InitializeDevices(_ context.Context) error {
	if len(r.sensors) == 0 {
		return errors.New().
			WithMessage(ErrNoDevicesFound, "no composite sensors configured")
	}

	for i := range r.sensors {
		if err := r.sensors[i].Validate(); err != nil {
			return err
		}
		for _, member := range r.sensors[i].Members {
			if _, ok := r.sources[member.DeviceUID]; !ok {
				return errors.New().
					WithMessage(errors.ErrNotFound, "composite sensor member device not found").
					WithData(member)
			}
		}
	}

	r.dev = device.New(device.TypeComposite, "composite", 0, nil)

	logger.Debug().
		Str("uid", r.dev.UID()).
		Int("sensors", len(r.sensors)).
		Msg("Initialized composite device")

	return nil
}

func (r *CompositeRepository) Devices() device.Map {
	if r.dev == nil {
		return device.Map{}
	}

	return device.Map{r.dev.UID(): r.dev}
}

func (r *CompositeRepository) UpdateStatuses(_ context.Context) error {
	if r.dev == nil {
		return nil
	}

	status := device.Status{Timestamp: time.Now()}
	for i := range r.sensors {
		temp, ok := r.mixTemp(&r.sensors[i])
		if !ok {
			logger.Debug().Str("sensor", r.sensors[i].Name).Msg("Composite sensor has no readable members")
			continue
		}
		status.Temps = append(status.Temps, device.TempStatus{
			Name: r.sensors[i].Name,
			Temp: temp,
		})
	}
	sort.Slice(status.Temps, func(i, j int) bool { return status.Temps[i].Name < status.Temps[j].Name })

	r.dev.SetStatus(status)

	return nil
}

func (r *CompositeRepository) mixTemp(sensor *CompositeSensor) (float64, bool) {
	values := make([]float64, 0, len(sensor.Members))
	for _, member := range sensor.Members {
		src, ok := r.sources[member.DeviceUID]
		if !ok {
			continue
		}
		if temp, ok := src.LatestTemp(member.TempName); ok {
			values = append(values, temp)
		}
	}
	if len(values) == 0 {
		return 0, false
	}

	switch sensor.Mix {
	case MixMin:
		lowest := values[0]
		for _, v := range values[1:] {
			if v < lowest {
				lowest = v
			}
		}

		return lowest, true
	case MixMax:
		highest := values[0]
		for _, v := range values[1:] {
			if v > highest {
				highest = v
			}
		}

		return highest, true
	case MixDelta:
		lowest, highest := values[0], values[0]
		for _, v := range values[1:] {
			if v < lowest {
				lowest = v
			}
			if v > highest {
				highest = v
			}
		}

		return highest - lowest, true
	default: // MixAvg
		sum := 0.0
		for _, v := range values {
			sum += v
		}

		return sum / float64(len(values)), true
	}
}

func (r *CompositeRepository) ApplySetting(_ context.Context, _ string, _ device.Setting) error {
	return errors.New().
		WithMessage(errors.ErrUnsupported, "composite devices are sensor-only")
}

func (r *CompositeRepository) Shutdown(_ context.Context) error {
	return nil
}

func (r *CompositeRepository) ReinitializeDevices(_ context.Context) error {
	return reinitializeUnsupported(device.TypeComposite)
}
