package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// statusHistoryLimit bounds the per-device status history. The history only
// needs to cover the largest smoothing/hysteresis window of the processing
// pipeline, not long-term telemetry.
const statusHistoryLimit = 900

const defaultCriticalTemp = 100.0

// Device is a hardware unit owned exclusively by its repository. All other
// components hold shared read-mostly handles: status reads take a read lock,
// only the owning repository's update path takes the write lock.
type Device struct {
	uid          string
	name         string
	dtype        Type
	channels     map[string]Channel
	criticalTemp float64

	mu      sync.RWMutex
	history []Status
}

// New creates a device handle. The channel set is fixed at creation.
func New(dtype Type, name string, typeIndex int, channels []Channel) *Device {
	chs := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		chs[ch.Name] = ch
	}

	return &Device{
		uid:          MakeUID(dtype, name, typeIndex),
		name:         name,
		dtype:        dtype,
		channels:     chs,
		criticalTemp: defaultCriticalTemp,
	}
}

// MakeUID derives the stable unique identifier for a device from its type,
// name and per-type index. The same hardware yields the same UID across
// daemon restarts.
func MakeUID(dtype Type, name string, typeIndex int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s%s%d", dtype, name, typeIndex)))
	return hex.EncodeToString(h[:])
}

func (d *Device) UID() string {
	return d.uid
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Type() Type {
	return d.dtype
}

// Channel returns the named channel's capability descriptor.
func (d *Device) Channel(name string) (Channel, bool) {
	ch, ok := d.channels[name]
	return ch, ok
}

// Channels returns all channel descriptors.
func (d *Device) Channels() []Channel {
	chs := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		chs = append(chs, ch)
	}

	return chs
}

// CriticalTemp is the failsafe temperature used when normalizing curves that
// use this device as their temperature source.
func (d *Device) CriticalTemp() float64 {
	return d.criticalTemp
}

// SetCriticalTemp overrides the failsafe temperature. Called once during
// repository initialization, before the device handle is shared.
func (d *Device) SetCriticalTemp(temp float64) {
	if temp > 0 {
		d.criticalTemp = temp
	}
}

// SetStatus appends a polled status snapshot, dropping the oldest entry once
// the history bound is reached. Only the owning repository calls this.
func (d *Device) SetStatus(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.history = append(d.history, status)
	if len(d.history) > statusHistoryLimit {
		d.history = d.history[1:]
	}
}

// LatestStatus returns the most recent status snapshot.
func (d *Device) LatestStatus() (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.history) == 0 {
		return Status{}, false
	}

	return d.history[len(d.history)-1], true
}

// StatusHistory returns a copy of the bounded status history, oldest first.
func (d *Device) StatusHistory() []Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	history := make([]Status, len(d.history))
	copy(history, d.history)

	return history
}

// LatestTemp returns the most recent reading of the named sensor.
func (d *Device) LatestTemp(name string) (float64, bool) {
	status, ok := d.LatestStatus()
	if !ok {
		return 0, false
	}

	return status.Temp(name)
}

// RecentTemps returns up to n most recent readings of the named sensor,
// oldest first.
func (d *Device) RecentTemps(name string, n int) []float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	temps := make([]float64, 0, n)
	for i := len(d.history) - 1; i >= 0 && len(temps) < n; i-- {
		if temp, ok := d.history[i].Temp(name); ok {
			temps = append(temps, temp)
		}
	}

	// reverse into oldest-first order
	for i, j := 0, len(temps)-1; i < j; i, j = i+1, j-1 {
		temps[i], temps[j] = temps[j], temps[i]
	}

	return temps
}

// Map holds shared handles to all known devices, keyed by UID. Built once
// after repository initialization and never mutated afterwards.
type Map map[string]*Device
