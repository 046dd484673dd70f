// Package camera defines the imaging sensor used by scans and streaming, with
// a simulated implementation and an HTTP network camera.
package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // snapshot and test image formats
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

// DataURIPrefix starts every encoded frame.
const DataURIPrefix = "data:image/png;base64,"

// ErrNotOpen is returned by captures on a closed camera.
var ErrNotOpen = fmt.Errorf("%w: camera is not open", hwerr.ErrNotInitialized)

// Camera is an imaging sensor. Implementations are safe for use by one
// workflow at a time; the session makes sure a scan and a stream never share
// a camera.
type Camera interface {
	Open() error
	Close() error
	IsOpen() bool
	// GrabFrame captures one frame.
	GrabFrame() (image.Image, error)
	// GrabFrameEncoded captures one frame as an uncompressed PNG data URI.
	GrabFrameEncoded() (string, error)
	Settings() Settings
	// Configure applies new settings, pushing them to the device when open.
	Configure(Settings) error
	Status() Status
}

// Status is reported by camera status requests.
type Status struct {
	Connected bool   `json:"connected"`
	Mock      bool   `json:"mock"`
	Available bool   `json:"available"`
	Address   string `json:"address,omitempty"`
}

// Settings configures exposure and geometry. Optional fields are nil when
// the device default should be kept.
type Settings struct {
	CameraIPAddress string   `json:"camera_ip_address" yaml:"camera_ip_address"`
	ExposureTime    float64  `json:"exposure_time" yaml:"exposure_time"`
	Gain            float64  `json:"gain" yaml:"gain"`
	Gamma           float64  `json:"gamma" yaml:"gamma"`
	NumFrames       int      `json:"num_frames" yaml:"num_frames"`
	SecondsPerRot   float64  `json:"seconds_per_rot" yaml:"seconds_per_rot"`
	Brightness      *float64 `json:"brightness,omitempty" yaml:"brightness,omitempty"`
	Contrast        *float64 `json:"contrast,omitempty" yaml:"contrast,omitempty"`
	Width           *int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height          *int     `json:"height,omitempty" yaml:"height,omitempty"`
}

// DefaultSettings returns the settings used when a request gives none.
func DefaultSettings() Settings {
	return Settings{
		ExposureTime:  10000,
		Gamma:         1.0,
		NumFrames:     72,
		SecondsPerRot: 36.0,
	}
}

// Validate reports the first invalid field as an InvalidArgument error.
func (s Settings) Validate() error {
	switch {
	case s.ExposureTime < 0:
		return hwerr.InvalidArgument("exposure_time must be non-negative, got %g", s.ExposureTime)
	case s.Gamma <= 0:
		return hwerr.InvalidArgument("gamma must be positive, got %g", s.Gamma)
	case s.NumFrames <= 0:
		return hwerr.InvalidArgument("num_frames must be positive, got %d", s.NumFrames)
	case s.SecondsPerRot <= 0:
		return hwerr.InvalidArgument("seconds_per_rot must be positive, got %g", s.SecondsPerRot)
	case s.Width != nil && *s.Width <= 0:
		return hwerr.InvalidArgument("width must be positive, got %d", *s.Width)
	case s.Height != nil && *s.Height <= 0:
		return hwerr.InvalidArgument("height must be positive, got %d", *s.Height)
	}
	return nil
}

// EncodePNG encodes img at the given compression level.
func EncodePNG(img image.Image, level png.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDataURI returns img as an uncompressed PNG data URI. Skipping
// compression keeps per-frame latency low while streaming.
func EncodeDataURI(img image.Image) (string, error) {
	data, err := EncodePNG(img, png.NoCompression)
	if err != nil {
		return "", err
	}
	return DataURIPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// Fit scales img to the width and height requested by s. A single given
// dimension keeps the aspect ratio; none returns img unchanged.
func Fit(img image.Image, s Settings) image.Image {
	if s.Width == nil && s.Height == nil {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch {
	case s.Width != nil && s.Height != nil:
		w, h = *s.Width, *s.Height
	case s.Width != nil:
		h = max(1, h**s.Width/max(1, w))
		w = *s.Width
	default:
		w = max(1, w**s.Height/max(1, h))
		h = *s.Height
	}
	if w == b.Dx() && h == b.Dy() {
		return img
	}

	var dst draw.Image
	switch img.(type) {
	case *image.Gray:
		dst = image.NewGray(image.Rect(0, 0, w, h))
	default:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
