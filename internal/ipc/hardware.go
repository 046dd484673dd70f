package ipc

import (
	"fmt"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/config"
	"github.com/banshee-data/bloom.scanner/internal/fsutil"
	"github.com/banshee-data/bloom.scanner/internal/httputil"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/motion/serialdaq"
	"github.com/banshee-data/bloom.scanner/internal/serialmux"
	"github.com/banshee-data/bloom.scanner/internal/timeutil"
)

// Hardware builds the device objects of a session. The simulated flag picks
// between the in-process simulation and the configured device.
type Hardware struct {
	Clock timeutil.Clock

	// NewCamera returns a closed camera.
	NewCamera func(simulated bool, s camera.Settings) camera.Camera
	// NewMotionDriver returns the driver for a new executor. A nil driver
	// with a nil error means no motion hardware is configured.
	NewMotionDriver func(simulated bool) (motion.Driver, error)
	// ListPorts enumerates serial devices for check_hardware.
	ListPorts func() ([]string, error)
	// ProbeCamera checks a network camera answers at address.
	ProbeCamera func(address string) error
	// FrameStore receives saved scan frames; nil disables saving.
	FrameStore fsutil.FileSystem
}

// NewHardware wires the real factories for cfg.
func NewHardware(cfg config.Config, clock timeutil.Clock) Hardware {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	netOpts := camera.NetworkOptions{
		Client: httputil.NewTimeoutClient(cfg.GetCameraTimeout()),
		Scheme: cfg.CameraScheme,
	}
	hw := Hardware{
		Clock: clock,
		NewCamera: func(simulated bool, s camera.Settings) camera.Camera {
			if simulated {
				return camera.NewSimulated(s, camera.SimOptions{
					ImageDir: cfg.TestImages,
					FS:       fsutil.OSFileSystem{},
					Clock:    clock,
				})
			}
			return camera.NewNetwork(s, netOpts)
		},
		NewMotionDriver: func(simulated bool) (motion.Driver, error) {
			if simulated {
				return motion.NewSimDriver(clock), nil
			}
			return openBridge(cfg, serialmux.RealSerialPortFactory{})
		},
		ListPorts: serialmux.ListPorts,
		ProbeCamera: func(address string) error {
			return camera.Probe(address, netOpts)
		},
	}
	if cfg.SaveFrames {
		hw.FrameStore = fsutil.OSFileSystem{}
	}
	return hw
}

func openBridge(cfg config.Config, ports serialmux.SerialPortFactory) (motion.Driver, error) {
	switch {
	case cfg.DAQPort == "":
		return nil, nil
	case cfg.UsesEmulator():
		return serialdaq.NewEmulator().NewDriver(), nil
	}
	opts, err := cfg.Serial.Normalize()
	if err != nil {
		return nil, err
	}
	d, err := serialdaq.OpenWith(ports, cfg.DAQPort, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", hwerr.ErrHardwareUnavailable, cfg.DAQPort, err)
	}
	return d, nil
}
