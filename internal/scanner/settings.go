package scanner

import (
	"reflect"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/motion"
)

// DefaultOutputPath is where frames land when a request names no directory.
const DefaultOutputPath = "./scans"

// Settings configures one scanner session. The top-level frame count wins
// over the counts carried by the camera and motion settings.
type Settings struct {
	Camera     camera.Settings `json:"camera" yaml:"camera"`
	Motion     motion.Settings `json:"daq" yaml:"daq"`
	NumFrames  int             `json:"num_frames" yaml:"num_frames"`
	OutputPath string          `json:"output_path" yaml:"output_path"`
}

// DefaultSettings returns the stock rig settings with a 72 frame scan.
func DefaultSettings() Settings {
	return Settings{
		Camera:     camera.DefaultSettings(),
		Motion:     motion.DefaultSettings(),
		NumFrames:  72,
		OutputPath: DefaultOutputPath,
	}
}

// Normalize validates s and returns a copy whose camera and motion frame
// counts match NumFrames.
func (s Settings) Normalize() (Settings, error) {
	if s.NumFrames <= 0 {
		return s, hwerr.InvalidArgument("num_frames must be positive, got %d", s.NumFrames)
	}
	if s.OutputPath == "" {
		return s, hwerr.InvalidArgument("output_path cannot be empty")
	}
	s.Camera.NumFrames = s.NumFrames
	s.Motion.NumFrames = s.NumFrames
	if err := s.Camera.Validate(); err != nil {
		return s, err
	}
	if err := s.Motion.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Equal reports whether s and other describe the same session.
func (s Settings) Equal(other Settings) bool {
	return reflect.DeepEqual(s, other)
}

// DegreesPerFrame is the table rotation between two captures.
func (s Settings) DegreesPerFrame() float64 {
	return 360.0 / float64(s.NumFrames)
}
