package device

// DefaultFunctionUID is the UID of the built-in identity function. It always
// exists and cannot be deleted.
const DefaultFunctionUID = "0"

type ProfileType string

const (
	ProfileDefault ProfileType = "default"
	ProfileFixed   ProfileType = "fixed"
	ProfileGraph   ProfileType = "graph"
)

type FunctionType string

const (
	FunctionIdentity FunctionType = "identity"
	FunctionEMA      FunctionType = "exponential_moving_avg"
	FunctionStandard FunctionType = "standard"
)

// TempSource references a temperature sensor on a specific device.
type TempSource struct {
	DeviceUID string `json:"device_uid"`
	TempName  string `json:"temp_name"`
}

// CurvePoint is one (temperature, duty) control point of a profile curve.
type CurvePoint struct {
	Temp float64 `json:"temp"`
	Duty int     `json:"duty"`
}

// Profile is a user-defined control behavior for speed channels.
type Profile struct {
	UID         string       `json:"uid"`
	Name        string       `json:"name"`
	Type        ProfileType  `json:"type"`
	FixedDuty   *int         `json:"fixed_duty,omitempty"`
	Curve       []CurvePoint `json:"curve,omitempty"`
	TempSource  *TempSource  `json:"temp_source,omitempty"`
	FunctionUID string       `json:"function_uid"`
}

// Function is the transfer function applied to a profile's temperature input
// before curve evaluation, plus the output thresholds applied after it.
type Function struct {
	UID  string       `json:"uid"`
	Name string       `json:"name"`
	Type FunctionType `json:"type"`

	// ResponseDelay is the number of polling cycles the standard function
	// waits before reacting to a temperature change.
	ResponseDelay *int `json:"response_delay,omitempty"`
	// Deviance is the temperature band around the last applied temperature
	// treated as noise by the standard function.
	Deviance *float64 `json:"deviance,omitempty"`
	// OnlyDownward restricts hysteresis to falling temperatures.
	OnlyDownward *bool `json:"only_downward,omitempty"`
	// SampleWindow sizes the moving-average window of the EMA function.
	SampleWindow *int `json:"sample_window,omitempty"`

	// DutyMinimum is the smallest duty change worth applying to hardware.
	DutyMinimum int `json:"duty_minimum"`
	// DutyMaximum caps a single duty change step.
	DutyMaximum int `json:"duty_maximum"`
}

// DefaultFunction returns the built-in identity function.
func DefaultFunction() Function {
	return Function{
		UID:         DefaultFunctionUID,
		Name:        "Default Function",
		Type:        FunctionIdentity,
		DutyMinimum: 2,
		DutyMaximum: 100,
	}
}
