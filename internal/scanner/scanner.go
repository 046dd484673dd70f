// Package scanner sequences the turntable and camera through a full
// rotation: home, then rotate, settle and capture once per frame, then home
// again.
package scanner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/fsutil"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
	"github.com/banshee-data/bloom.scanner/internal/timeutil"
)

// SettleDelay lets the table stop ringing before each capture.
const SettleDelay = 50 * time.Millisecond

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateScanning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateScanning:
		return "scanning"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Motion is the part of the motion executor a scan needs.
type Motion interface {
	Initialize() error
	Rotate(degrees float64) error
	Home() error
	Cleanup()
	Position() float64
	Initialized() bool
}

// Progress describes one captured frame.
type Progress struct {
	FrameNumber     int     `json:"frame_number"`
	TotalFrames     int     `json:"total_frames"`
	PositionDegrees float64 `json:"position"`
	ImagePath       string  `json:"image_path,omitempty"`
}

// Result is the outcome of one scan. A scan that ran to the end but missed
// frames has PartialCapture set. Error is null on success.
type Result struct {
	ScanID         string  `json:"scan_id"`
	Success        bool    `json:"success"`
	FramesCaptured int     `json:"frames_captured"`
	TotalFrames    int     `json:"total_frames"`
	OutputPath     string  `json:"output_path"`
	Error          *string `json:"error"`
	PartialCapture bool    `json:"partial_capture,omitempty"`
	DurationMs     int64   `json:"duration_ms"`
}

// Status is a read-only snapshot for status requests.
type Status struct {
	Initialized  bool    `json:"initialized"`
	State        string  `json:"state"`
	CameraStatus string  `json:"camera_status"`
	DAQStatus    string  `json:"daq_status"`
	Position     float64 `json:"position"`
	Mock         bool    `json:"mock"`
	LastScan     *Result `json:"last_scan,omitempty"`
}

// IdleStatus is the status reported when no scanner session exists.
func IdleStatus(mock bool) Status {
	return Status{
		State:        StateIdle.String(),
		CameraStatus: "unknown",
		DAQStatus:    "unknown",
		Mock:         mock,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the clock used for the settle delay and scan timing.
func WithClock(c timeutil.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithStatus routes progress messages to f.
func WithStatus(f func(string)) Option {
	return func(o *Orchestrator) { o.status = f }
}

// WithFrameStore saves every captured frame under the output path on fs.
func WithFrameStore(fs fsutil.FileSystem) Option {
	return func(o *Orchestrator) { o.writer = NewFrameWriter(fs, o.settings.OutputPath) }
}

// Simulated marks the session as running on simulated hardware.
func Simulated() Option {
	return func(o *Orchestrator) { o.mock = true }
}

// Orchestrator owns a camera and a motion session for the length of a
// scanner session. Initialize, PerformScan and Cleanup are serialized;
// Status may be called at any time.
type Orchestrator struct {
	opMu     sync.Mutex
	settings Settings
	camera   camera.Camera
	motion   Motion
	clock    timeutil.Clock
	writer   *FrameWriter
	status   func(string)
	mock     bool
	log      *logrus.Entry

	mu       sync.RWMutex
	state    State
	lastScan *Result
}

// New normalizes settings and returns an idle orchestrator over cam and mot.
func New(settings Settings, cam camera.Camera, mot Motion, opts ...Option) (*Orchestrator, error) {
	settings, err := settings.Normalize()
	if err != nil {
		return nil, err
	}
	if cam == nil || mot == nil {
		return nil, fmt.Errorf("%w: scanner needs a camera and a motion session", hwerr.ErrHardwareUnavailable)
	}
	o := &Orchestrator{
		settings: settings,
		camera:   cam,
		motion:   mot,
		clock:    timeutil.RealClock{},
		status:   func(string) {},
		log:      monitoring.Component("scanner"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Settings returns the normalized session settings.
func (o *Orchestrator) Settings() Settings { return o.settings }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Scanning reports whether a scan is in progress.
func (o *Orchestrator) Scanning() bool { return o.State() == StateScanning }

// Initialized reports whether the hardware is open.
func (o *Orchestrator) Initialized() bool {
	s := o.State()
	return s == StateReady || s == StateScanning || s == StateError
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Initialize opens the camera, then the motion session. On failure both are
// released before the error is returned. A ready session is left as is.
func (o *Orchestrator) Initialize() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	switch o.State() {
	case StateReady, StateError:
		o.setState(StateReady)
		o.status("Scanner already initialized")
		return nil
	}

	o.setState(StateInitializing)
	if o.mock {
		o.status("Using mock hardware for scanner")
	}
	if err := o.camera.Open(); err != nil {
		o.cleanup()
		return fmt.Errorf("scanner initialization failed: %w", err)
	}
	o.status("Scanner camera initialized")

	if err := o.motion.Initialize(); err != nil {
		o.cleanup()
		return fmt.Errorf("scanner initialization failed: %w", err)
	}
	o.status("Scanner DAQ initialized")

	o.setState(StateReady)
	o.log.WithFields(logrus.Fields{
		"frames": o.settings.NumFrames,
		"mock":   o.mock,
	}).Info("scanner ready")
	o.status("Scanner initialized successfully")
	return nil
}

// PerformScan runs one full rotation and reports the outcome. Only a
// missing Initialize is returned as an error; every other failure becomes a
// failed Result after a best-effort return home. onFrame, when given, is
// called after each successful capture.
func (o *Orchestrator) PerformScan(onFrame func(Progress)) (Result, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	switch o.State() {
	case StateReady, StateError:
	default:
		return Result{}, hwerr.NotInitialized("scanner")
	}

	o.setState(StateScanning)
	start := o.clock.Now()
	res := Result{
		ScanID:      uuid.NewString(),
		TotalFrames: o.settings.NumFrames,
		OutputPath:  o.settings.OutputPath,
	}
	log := o.log.WithField("scan_id", res.ScanID)

	captured, err := o.run(onFrame, log)
	res.FramesCaptured = captured
	res.DurationMs = o.clock.Since(start).Milliseconds()

	next := StateReady
	switch {
	case err != nil:
		res.Error = errorText("Scan failed: %v", err)
		log.WithError(err).WithField("frames", captured).Error("scan failed")
		if herr := o.motion.Home(); herr != nil {
			log.WithError(herr).Warn("return home after failed scan")
		}
		next = StateError
	case captured == res.TotalFrames:
		res.Success = true
		o.status(fmt.Sprintf("Scan completed successfully: %d/%d frames", captured, res.TotalFrames))
	default:
		res.PartialCapture = true
		res.Error = errorText("%d/%d frames captured", captured, res.TotalFrames)
		log.WithField("frames", captured).Warn("scan completed with missing frames")
		o.status(fmt.Sprintf("Scan completed with errors: %d/%d frames", captured, res.TotalFrames))
	}

	o.mu.Lock()
	o.state = next
	last := res
	o.lastScan = &last
	o.mu.Unlock()
	return res, nil
}

func errorText(format string, args ...any) *string {
	msg := fmt.Sprintf(format, args...)
	return &msg
}

// run is the scan body. It returns the number of frames captured so far
// with the first motion or device error.
func (o *Orchestrator) run(onFrame func(Progress), log *logrus.Entry) (captured int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan aborted: %v", r)
		}
	}()

	n := o.settings.NumFrames
	step := o.settings.DegreesPerFrame()
	o.status(fmt.Sprintf("Starting scan: %d frames, %.2f° per frame", n, step))

	if o.writer != nil {
		if err := o.writer.Prepare(); err != nil {
			return 0, err
		}
	}

	if err := o.motion.Home(); err != nil {
		return 0, err
	}
	o.status("Turntable homed to 0°")

	for i := range n {
		if err := o.motion.Rotate(step); err != nil {
			return captured, err
		}
		o.clock.Sleep(SettleDelay)
		pos := o.motion.Position()

		o.status(fmt.Sprintf("Capturing frame %d/%d at %.2f°", i+1, n, pos))
		img, err := o.camera.GrabFrame()
		if err == nil && img == nil {
			err = errors.New("camera returned no image")
		}
		if err != nil {
			log.WithError(err).WithField("frame", i+1).Warn("frame capture failed")
			continue
		}
		captured++

		p := Progress{FrameNumber: i, TotalFrames: n, PositionDegrees: pos}
		if o.writer != nil {
			path, err := o.writer.Write(i, img)
			if err != nil {
				log.WithError(err).WithField("frame", i+1).Warn("frame not saved")
			} else {
				p.ImagePath = path
			}
		}
		if onFrame != nil {
			onFrame(p)
		}
	}

	if err := o.motion.Home(); err != nil {
		return captured, err
	}
	o.status("Turntable returned to home position")
	return captured, nil
}

// Cleanup closes the camera, then the motion session, and always leaves the
// orchestrator idle. Failures are logged.
func (o *Orchestrator) Cleanup() {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.cleanup()
}

func (o *Orchestrator) cleanup() {
	if err := o.camera.Close(); err != nil {
		o.log.WithError(err).Warn("scanner camera cleanup failed")
	} else {
		o.status("Scanner camera cleaned up")
	}
	o.motion.Cleanup()
	o.status("Scanner DAQ cleaned up")
	o.setState(StateIdle)
	o.status("Scanner cleanup complete")
}

// Status returns a snapshot of the session.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	state := o.state
	last := o.lastScan
	o.mu.RUnlock()

	st := Status{
		Initialized:  state == StateReady || state == StateScanning || state == StateError,
		State:        state.String(),
		CameraStatus: "disconnected",
		DAQStatus:    "not_initialized",
		Mock:         o.mock,
		LastScan:     last,
	}
	if o.camera.IsOpen() {
		st.CameraStatus = "connected"
	}
	if o.motion.Initialized() {
		st.DAQStatus = "initialized"
		st.Position = o.motion.Position()
	}
	return st
}
