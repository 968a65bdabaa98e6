package processing

import (
	"math"
	"sync"

	"codeberg.org/mutker/coolerd/internal/device"
	"codeberg.org/mutker/coolerd/internal/logger"
)

const (
	defaultSmoothingWindow = 8
	tempSampleSize         = 16
	minTempStackSize       = 2
	maxDutySampleSize      = 20

	defaultMaxNoDutySetCount = 30
	minNoDutySetCount        = 30
	maxNoDutySetCount        = 60
)

// IdentityProcessor passes the temperature source's latest reading through
// unchanged. Preprocessor for the identity transfer function.
type IdentityProcessor struct {
	devices device.Map
}

func NewIdentityProcessor(devices device.Map) *IdentityProcessor {
	return &IdentityProcessor{devices: devices}
}

func (p *IdentityProcessor) IsApplicable(data *SpeedProfileData) bool {
	return data.Profile.Function.Type == device.FunctionIdentity && data.Temp == nil
}

func (p *IdentityProcessor) InitState(string) {}

func (p *IdentityProcessor) ClearState(string) {}

func (p *IdentityProcessor) Process(data *SpeedProfileData) *SpeedProfileData {
	source := data.Profile.TempSource
	sourceDevice, ok := p.devices[source.DeviceUID]
	if !ok {
		logger.Warn().Str("device_uid", source.DeviceUID).Msg("Temperature source device is currently not present")
		return data
	}
	if temp, ok := sourceDevice.LatestTemp(source.TempName); ok {
		data.setTemp(temp)
	}

	return data
}

// EMAProcessor smooths the temperature input with an exponential moving
// average over recent readings. Recent values carry more weight, which keeps
// reaction times good for dynamic sources like CPUs while still averaging
// out spikes.
type EMAProcessor struct {
	devices device.Map
}

func NewEMAProcessor(devices device.Map) *EMAProcessor {
	return &EMAProcessor{devices: devices}
}

func (p *EMAProcessor) IsApplicable(data *SpeedProfileData) bool {
	return data.Profile.Function.Type == device.FunctionEMA && data.Temp == nil
}

func (p *EMAProcessor) InitState(string) {}

func (p *EMAProcessor) ClearState(string) {}

func (p *EMAProcessor) Process(data *SpeedProfileData) *SpeedProfileData {
	source := data.Profile.TempSource
	sourceDevice, ok := p.devices[source.DeviceUID]
	if !ok {
		logger.Warn().Str("device_uid", source.DeviceUID).Msg("Temperature source device is currently not present")
		return data
	}
	temps := sourceDevice.RecentTemps(source.TempName, tempSampleSize)
	if len(temps) == 0 {
		return data
	}

	window := defaultSmoothingWindow
	if data.Profile.Function.SampleWindow != nil && *data.Profile.Function.SampleWindow > 0 {
		window = *data.Profile.Function.SampleWindow
	}
	data.setTemp(exponentialMovingAvg(temps, window))

	return data
}

// exponentialMovingAvg returns the final value of an exponential moving
// average over temps, rounded to the nearest 100th.
func exponentialMovingAvg(temps []float64, window int) float64 {
	alpha := 2.0 / (float64(window) + 1.0)
	ema := temps[0]
	for _, temp := range temps[1:] {
		ema = alpha*temp + (1-alpha)*ema
	}

	return math.Round(ema*100) / 100
}

type hysteresisState struct {
	tempStack       []float64
	idealStackSize  int
	lastAppliedTemp float64
}

// HysteresisProcessor implements the standard transfer function: temperature
// changes are applied only after they have persisted for the configured
// response delay and left the deviance band around the last applied
// temperature. Preprocessor for the standard function.
type HysteresisProcessor struct {
	devices device.Map
	mu      sync.Mutex
	state   map[string]*hysteresisState
}

func NewHysteresisProcessor(devices device.Map) *HysteresisProcessor {
	return &HysteresisProcessor{
		devices: devices,
		state:   make(map[string]*hysteresisState),
	}
}

func (p *HysteresisProcessor) IsApplicable(data *SpeedProfileData) bool {
	return data.Profile.Function.Type == device.FunctionStandard && data.Temp == nil
}

func (p *HysteresisProcessor) InitState(profileUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[profileUID] = &hysteresisState{}
}

func (p *HysteresisProcessor) ClearState(profileUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, profileUID)
}

func (p *HysteresisProcessor) Process(data *SpeedProfileData) *SpeedProfileData {
	fn := data.Profile.Function
	if fn.ResponseDelay == nil || fn.Deviance == nil || fn.OnlyDownward == nil {
		logger.Error().Str("profile_uid", data.Profile.ProfileUID).
			Msg("All required fields must be set for the standard function")
		return data
	}
	source := data.Profile.TempSource
	sourceDevice, ok := p.devices[source.DeviceUID]
	if !ok {
		logger.Warn().Str("device_uid", source.DeviceUID).Msg("Temperature source device is currently not present")
		return data
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.state[data.Profile.ProfileUID]
	if !ok {
		return data
	}
	if state.idealStackSize == 0 {
		state.idealStackSize = max(minTempStackSize, *fn.ResponseDelay+1)
	}

	if state.lastAppliedTemp == 0 {
		// first application after start/wakeup
		state.tempStack = sourceDevice.RecentTemps(source.TempName, state.idealStackSize)
		if len(state.tempStack) == 0 {
			return data
		}
	} else {
		current, ok := sourceDevice.LatestTemp(source.TempName)
		if !ok {
			return data
		}
		state.tempStack = append(state.tempStack, current)
	}

	if len(state.tempStack) > state.idealStackSize {
		state.tempStack = state.tempStack[1:]
	} else if state.lastAppliedTemp == 0 && len(state.tempStack) < state.idealStackSize {
		// apply something right away on the very first runs
		applied := state.tempStack[0]
		state.lastAppliedTemp = applied
		data.setTemp(applied)
		return data
	}

	if *fn.OnlyDownward {
		newest := state.tempStack[len(state.tempStack)-1]
		if newest > state.lastAppliedTemp {
			state.tempStack = []float64{newest}
			state.lastAppliedTemp = newest
			data.setTemp(newest)
			return data
		}
	}

	oldest := state.tempStack[0]
	oldestInTolerance := withinTolerance(oldest, state.lastAppliedTemp, *fn.Deviance)
	if len(state.tempStack) > minTempStackSize {
		newestInTolerance := withinTolerance(
			state.tempStack[len(state.tempStack)-1], state.lastAppliedTemp, *fn.Deviance,
		)
		if oldestInTolerance && newestInTolerance {
			// flatten spikes that happened within the delay period
			for i := 0; i < len(state.tempStack)-1; i++ {
				state.tempStack[i] = oldest
			}
		}
	}
	if oldestInTolerance && !data.SafetyLatchTriggered {
		return data // nothing to apply
	}

	state.lastAppliedTemp = oldest
	data.setTemp(oldest)

	return data
}

func withinTolerance(temp, lastApplied, deviance float64) bool {
	return temp <= lastApplied+deviance && temp >= lastApplied-deviance
}

// GraphProcessor calculates duty by interpolating the profile curve.
// Applicable only once a temperature sample is present.
type GraphProcessor struct{}

func NewGraphProcessor() *GraphProcessor {
	return &GraphProcessor{}
}

func (p *GraphProcessor) IsApplicable(data *SpeedProfileData) bool {
	return data.Temp != nil
}

func (p *GraphProcessor) InitState(string) {}

func (p *GraphProcessor) ClearState(string) {}

func (p *GraphProcessor) Process(data *SpeedProfileData) *SpeedProfileData {
	data.setDuty(InterpolateCurve(data.Profile.Curve, *data.Temp))
	return data
}

type dutyThresholdState struct {
	lastAppliedDuties []int
}

// DutyThresholdProcessor debounces hardware writes: duty changes smaller than
// the function's duty minimum are suppressed to avoid chattering the
// controller on noisy input, changes larger than the duty maximum are
// stepped. The safety latch guarantees suppressed drift is eventually
// applied.
type DutyThresholdProcessor struct {
	mu    sync.Mutex
	state map[string]*dutyThresholdState
}

func NewDutyThresholdProcessor() *DutyThresholdProcessor {
	return &DutyThresholdProcessor{state: make(map[string]*dutyThresholdState)}
}

func (p *DutyThresholdProcessor) IsApplicable(data *SpeedProfileData) bool {
	return data.Duty != nil
}

func (p *DutyThresholdProcessor) InitState(profileUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[profileUID] = &dutyThresholdState{}
}

func (p *DutyThresholdProcessor) ClearState(profileUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, profileUID)
}

func (p *DutyThresholdProcessor) Process(data *SpeedProfileData) *SpeedProfileData {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.state[data.Profile.ProfileUID]
	if !ok {
		return data
	}
	dutyToSet, apply := p.dutyWithinThresholds(state, data)
	if !apply {
		data.Duty = nil
		return data
	}

	state.lastAppliedDuties = append(state.lastAppliedDuties, dutyToSet)
	if len(state.lastAppliedDuties) > maxDutySampleSize {
		state.lastAppliedDuties = state.lastAppliedDuties[1:]
	}
	data.setDuty(dutyToSet)

	return data
}

func (p *DutyThresholdProcessor) dutyWithinThresholds(
	state *dutyThresholdState, data *SpeedProfileData,
) (int, bool) {
	if len(state.lastAppliedDuties) == 0 {
		return *data.Duty, true // first application (startup)
	}

	lastDuty := state.lastAppliedDuties[len(state.lastAppliedDuties)-1]
	diff := abs(*data.Duty - lastDuty)
	fn := data.Profile.Function
	switch {
	case diff < fn.DutyMinimum && !data.SafetyLatchTriggered:
		return 0, false
	case diff > fn.DutyMaximum:
		if *data.Duty < lastDuty {
			return lastDuty - fn.DutyMaximum, true
		}
		return lastDuty + fn.DutyMaximum, true
	default:
		return *data.Duty, true
	}
}

type safetyLatchState struct {
	noDutySetCount    int
	maxNoDutySetCount int
}

// SafetyLatchProcessor makes sure profile targets are eventually hit
// regardless of threshold settings. It runs at both the start and the end of
// the chain: at the start it triggers the latch once too many evaluations
// passed without a duty being set, at the end it maintains the counter. Once
// the latch is triggered the chain must produce a concrete duty; anything
// else is a contract violation.
type SafetyLatchProcessor struct {
	mu    sync.Mutex
	state map[string]*safetyLatchState
}

func NewSafetyLatchProcessor() *SafetyLatchProcessor {
	return &SafetyLatchProcessor{state: make(map[string]*safetyLatchState)}
}

func (p *SafetyLatchProcessor) IsApplicable(*SpeedProfileData) bool {
	// applies to all function types, they all have a duty minimum
	return true
}

func (p *SafetyLatchProcessor) InitState(profileUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[profileUID] = &safetyLatchState{}
}

func (p *SafetyLatchProcessor) ClearState(profileUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, profileUID)
}

func (p *SafetyLatchProcessor) Process(data *SpeedProfileData) *SpeedProfileData {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.state[data.Profile.ProfileUID]
	if !ok {
		return data
	}

	if !data.ProcessingStarted {
		// start of the chain: decide whether to trigger the latch
		if state.maxNoDutySetCount == 0 {
			state.maxNoDutySetCount = defaultMaxNoDutySetCount
			if delay := data.Profile.Function.ResponseDelay; delay != nil {
				state.maxNoDutySetCount = clamp(*delay, minNoDutySetCount, maxNoDutySetCount)
			}
		}
		if state.noDutySetCount >= state.maxNoDutySetCount {
			data.SafetyLatchTriggered = true
		}
		data.ProcessingStarted = true
		return data
	}

	// end of the chain: maintain the counter
	if data.Duty != nil {
		state.noDutySetCount = 0
	} else {
		if data.SafetyLatchTriggered {
			logger.Error().Str("profile_uid", data.Profile.ProfileUID).
				Msg("No duty set with the safety latch triggered. This should not happen")
		}
		state.noDutySetCount++
	}

	return data
}

func abs(x int) int {
	if x < 0 {
		return -x
	}

	return x
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
