package device

import "codeberg.org/mutker/coolerd/internal/errors"

// LightingSettings selects a lighting mode and its colors for a channel.
type LightingSettings struct {
	Mode   string     `json:"mode"`
	Speed  string     `json:"speed,omitempty"`
	Colors [][3]uint8 `json:"colors,omitempty"`
}

// Setting is a transient request to change a channel's behavior. Exactly one
// variant must be active: reset, fixed duty, lighting, or profile reference.
type Setting struct {
	ChannelName    string            `json:"channel_name"`
	ResetToDefault bool              `json:"reset_to_default,omitempty"`
	FixedDuty      *int              `json:"fixed_duty,omitempty"`
	Lighting       *LightingSettings `json:"lighting,omitempty"`
	ProfileUID     string            `json:"profile_uid,omitempty"`
}

// Validate checks that exactly one setting variant is active and that a fixed
// duty is within bounds.
func (s *Setting) Validate() error {
	errFactory := errors.New()

	if s.ChannelName == "" {
		return errFactory.WithMessage(errors.ErrValidation, "Setting channel name must not be empty")
	}

	variants := 0
	if s.ResetToDefault {
		variants++
	}
	if s.FixedDuty != nil {
		variants++
	}
	if s.Lighting != nil {
		variants++
	}
	if s.ProfileUID != "" {
		variants++
	}
	if variants != 1 {
		return errFactory.WithData(errors.ErrValidation, *s)
	}

	if s.FixedDuty != nil && (*s.FixedDuty < MinDuty || *s.FixedDuty > MaxDuty) {
		return errFactory.WithData(errors.ErrValidation, "fixed duty out of range")
	}

	return nil
}
