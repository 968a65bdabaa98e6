package device

import "time"

// Type identifies the hardware family a device belongs to. Each type is
// owned by exactly one repository implementation.
type Type string

const (
	TypeCPU       Type = "cpu"
	TypeGPU       Type = "gpu"
	TypeLiquid    Type = "liquid"
	TypeHwmon     Type = "hwmon"
	TypeComposite Type = "composite"
)

// Duty bounds commanded to fan/pump channels.
const (
	MinDuty = 0
	MaxDuty = 100
)

// SpeedOptions is the capability descriptor for a speed-controllable channel.
// Immutable after device initialization.
type SpeedOptions struct {
	MinDuty int `json:"min_duty"`
	MaxDuty int `json:"max_duty"`
	// FixedEnabled reports whether a fixed duty may be written directly.
	FixedEnabled bool `json:"fixed_enabled"`
	// ProfilesEnabled reports whether curve-based (graph) profiles are
	// supported for this channel.
	ProfilesEnabled bool `json:"profiles_enabled"`
	// ManualProfilesEnabled reports whether discrete step profiles are
	// supported for this channel.
	ManualProfilesEnabled bool `json:"manual_profiles_enabled"`
}

// LightingOptions is the capability descriptor for a lighting channel.
type LightingOptions struct {
	Modes []string `json:"modes"`
}

// Channel is a named control point on a device.
type Channel struct {
	Name     string           `json:"name"`
	Speed    *SpeedOptions    `json:"speed,omitempty"`
	Lighting *LightingOptions `json:"lighting,omitempty"`
}

// TempStatus is a single temperature reading.
type TempStatus struct {
	Name string  `json:"name"`
	Temp float64 `json:"temp"`
}

// ChannelStatus is a single channel output reading.
type ChannelStatus struct {
	Name string `json:"name"`
	Duty *int   `json:"duty,omitempty"`
	RPM  *int   `json:"rpm,omitempty"`
}

// Status is one polled snapshot of a device.
type Status struct {
	Timestamp time.Time       `json:"timestamp"`
	Temps     []TempStatus    `json:"temps"`
	Channels  []ChannelStatus `json:"channels"`
}

// Temp returns the reading with the given sensor name.
func (s Status) Temp(name string) (float64, bool) {
	for _, t := range s.Temps {
		if t.Name == name {
			return t.Temp, true
		}
	}

	return 0, false
}
