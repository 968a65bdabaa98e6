// Package processing implements the speed-profile evaluation pipeline: a
// fixed chain of processors that transforms a temperature reading into a
// safe, debounced duty value according to a normalized profile and its
// transfer function.
package processing

import "codeberg.org/mutker/coolerd/internal/device"

// Processor is one stage of the speed-profile pipeline. Process is
// infallible by contract: all hardware I/O happens before the chain runs
// (status polling) or after it (duty application); processors only consult
// the in-memory status history.
//
// Per-profile state is created by InitState and discarded by ClearState when
// a profile is deactivated or deleted.
type Processor interface {
	IsApplicable(data *SpeedProfileData) bool
	InitState(profileUID string)
	ClearState(profileUID string)
	Process(data *SpeedProfileData) *SpeedProfileData
}

// NormalizedGraphProfile is the resolved, ready-to-evaluate form of a graph
// profile. Identity is defined solely by ProfileUID: collections key on the
// UID so that updating a profile's curve never rebuilds identity-keyed state.
type NormalizedGraphProfile struct {
	ProfileUID string
	Curve      []device.CurvePoint
	TempSource device.TempSource
	Function   device.Function
}

// Equal reports profile identity. Curve contents are deliberately ignored.
func (p *NormalizedGraphProfile) Equal(other *NormalizedGraphProfile) bool {
	if p == nil || other == nil {
		return p == other
	}

	return p.ProfileUID == other.ProfileUID
}

// SpeedProfileData is the mutable working record passed through one pipeline
// evaluation. Created fresh per tick and discarded after the duty is
// extracted.
type SpeedProfileData struct {
	Temp    *float64
	Duty    *int
	Profile *NormalizedGraphProfile

	ProcessingStarted bool
	// SafetyLatchTriggered is a one-way flag: once set, every subsequent
	// processor in the chain must leave a concrete duty on the record.
	SafetyLatchTriggered bool
}

// Apply runs the processor if it is applicable, otherwise the record passes
// through unchanged.
func (d *SpeedProfileData) Apply(p Processor) *SpeedProfileData {
	if p.IsApplicable(d) {
		return p.Process(d)
	}

	return d
}

// ProcessedDuty extracts the chain's output duty, if any.
func (d *SpeedProfileData) ProcessedDuty() (int, bool) {
	if d.Duty == nil {
		return 0, false
	}

	return *d.Duty, true
}

func (d *SpeedProfileData) setTemp(temp float64) {
	d.Temp = &temp
}

func (d *SpeedProfileData) setDuty(duty int) {
	d.Duty = &duty
}
