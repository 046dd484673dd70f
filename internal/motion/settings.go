package motion

import "github.com/banshee-data/bloom.scanner/internal/hwerr"

// Settings configures the turntable controller. A session keeps the settings
// it was created with; changing them means building a new Executor.
type Settings struct {
	DeviceName         string  `json:"device_name" yaml:"device_name"`
	SamplingRate       int     `json:"sampling_rate" yaml:"sampling_rate"`
	StepPin            int     `json:"step_pin" yaml:"step_pin"`
	DirPin             int     `json:"dir_pin" yaml:"dir_pin"`
	StepsPerRevolution int     `json:"steps_per_revolution" yaml:"steps_per_revolution"`
	NumFrames          int     `json:"num_frames" yaml:"num_frames"`
	SecondsPerRot      float64 `json:"seconds_per_rot" yaml:"seconds_per_rot"`
}

// DefaultSettings returns the settings of the stock turntable rig.
func DefaultSettings() Settings {
	return Settings{
		DeviceName:         "cDAQ1Mod1",
		SamplingRate:       40000,
		StepPin:            0,
		DirPin:             1,
		StepsPerRevolution: 6400,
		NumFrames:          72,
		SecondsPerRot:      7.0,
	}
}

// Validate reports the first invalid field as an InvalidArgument error.
func (s Settings) Validate() error {
	switch {
	case s.SamplingRate <= 0:
		return hwerr.InvalidArgument("sampling_rate must be positive, got %d", s.SamplingRate)
	case s.StepsPerRevolution <= 0:
		return hwerr.InvalidArgument("steps_per_revolution must be positive, got %d", s.StepsPerRevolution)
	case s.NumFrames <= 0:
		return hwerr.InvalidArgument("num_frames must be positive, got %d", s.NumFrames)
	case s.SecondsPerRot <= 0:
		return hwerr.InvalidArgument("seconds_per_rot must be positive, got %g", s.SecondsPerRot)
	case s.StepPin < 0 || s.DirPin < 0:
		return hwerr.InvalidArgument("step_pin and dir_pin must be non-negative, got step_pin=%d, dir_pin=%d", s.StepPin, s.DirPin)
	case s.StepPin == s.DirPin:
		return hwerr.InvalidArgument("step_pin and dir_pin must be different, both are %d", s.StepPin)
	}
	return nil
}

// Lines returns the output line binding for the settings.
func (s Settings) Lines() Lines {
	return Lines{Step: s.StepPin, Direction: s.DirPin}
}
