// Package repository contains the hardware backends. One repository owns all
// raw I/O for one device family and is the only writer of its devices'
// status snapshots.
package repository

import (
	"context"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/errors"
)

// Repository is the settings-application contract every hardware backend
// implements.
type Repository interface {
	DeviceType() device.Type

	// InitializeDevices discovers and registers the backend's devices.
	// Fails with an initialization error if the backend transport is
	// unreachable.
	InitializeDevices(ctx context.Context) error

	// Devices returns shared handles to currently known devices, keyed
	// by UID. Never blocks on I/O.
	Devices() device.Map

	// UpdateStatuses refreshes all device status snapshots. A failure on
	// one device must not abort updates for sibling devices: such errors
	// are logged and skipped.
	UpdateStatuses(ctx context.Context) error

	// ApplySetting validates the setting against the target channel's
	// capability descriptor and performs the hardware write.
	ApplySetting(ctx context.Context, deviceUID string, setting device.Setting) error

	Shutdown(ctx context.Context) error

	// ReinitializeDevices re-establishes device handles after a system
	// sleep/wake cycle. Optional: most backends keep their handles.
	ReinitializeDevices(ctx context.Context) error
}

// Registry maps device types to their owning repository. Immutable after
// construction.
type Registry map[device.Type]Repository

func NewRegistry(repos ...Repository) Registry {
	registry := make(Registry, len(repos))
	for _, repo := range repos {
		registry[repo.DeviceType()] = repo
	}

	return registry
}

// ForType returns the repository owning the given device type, or a
// backend-unavailable error if none is running.
func (r Registry) ForType(dtype device.Type) (Repository, error) {
	repo, ok := r[dtype]
	if !ok {
		return nil, errors.New().WithData(errors.ErrBackendUnavailable, string(dtype))
	}

	return repo, nil
}

// AllDevices collects shared handles from every running repository into a
// single UID-keyed map.
func (r Registry) AllDevices() device.Map {
	all := make(device.Map)
	for _, repo := range r {
		for uid, dev := range repo.Devices() {
			all[uid] = dev
		}
	}

	return all
}

func reinitializeUnsupported(dtype device.Type) error {
	return errors.New().
		WithMessage(errors.ErrNotImplemented, "Reinitializing devices is not supported for this repository").
		WithData(string(dtype))
}
