// Package motion drives the turntable: it turns angular requests into pulse
// trains, clocks them out through a Driver and tracks the absolute position.
package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
	"github.com/banshee-data/bloom.scanner/internal/pulse"
)

const (
	// MaxWaitAttempts bounds the completion poll of one move.
	MaxWaitAttempts = 1000
	// WaitTimeout is the per-attempt completion wait. Together with
	// MaxWaitAttempts it gives every move a five second budget.
	WaitTimeout = 5 * time.Millisecond
	// HomeTolerance is the smallest offset from zero Home bothers to move.
	HomeTolerance = 0.1
)

// Status is a snapshot of the executor for status responses.
type Status struct {
	Initialized bool    `json:"initialized"`
	Position    float64 `json:"position"`
	TotalSteps  int     `json:"total_steps"`
	Mock        bool    `json:"mock"`
	Available   bool    `json:"available"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithStatus routes progress messages to f, normally the protocol's STATUS
// writer.
func WithStatus(f func(string)) Option {
	return func(e *Executor) { e.status = f }
}

// WithLogger replaces the executor's log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(e *Executor) { e.log = l }
}

// Simulated marks the executor as driving simulated hardware in Status.
func Simulated() Option {
	return func(e *Executor) { e.mock = true }
}

// Executor owns the motion session. Operations are serialized; Status and
// Position may be read concurrently with a move in progress.
type Executor struct {
	opMu     sync.Mutex
	settings Settings
	driver   Driver
	mock     bool
	status   func(string)
	log      *logrus.Entry

	stateMu     sync.RWMutex
	initialized bool
	position    float64
	totalSteps  int
}

// NewExecutor validates settings and returns an uninitialized executor. A
// nil driver means no motion hardware is present; Initialize then fails with
// ErrHardwareUnavailable.
func NewExecutor(settings Settings, driver Driver, opts ...Option) (*Executor, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		settings: settings,
		driver:   driver,
		status:   func(string) {},
		log:      monitoring.Component("motion"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Settings returns the settings the executor was created with.
func (e *Executor) Settings() Settings {
	return e.settings
}

// Initialize opens the output channel. It is a no-op when already
// initialized.
func (e *Executor) Initialize() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.isInitialized() {
		e.status("DAQ already initialized")
		return nil
	}
	if e.driver == nil {
		return fmt.Errorf("%w: no motion driver available", hwerr.ErrHardwareUnavailable)
	}

	e.status("Initializing DAQ")
	if err := e.driver.OpenChannel(e.settings.DeviceName, e.settings.Lines()); err != nil {
		if errors.Is(err, hwerr.ErrHardwareUnavailable) {
			return err
		}
		return hwerr.Device("open channel", err)
	}

	e.stateMu.Lock()
	e.initialized = true
	e.position = 0
	e.totalSteps = 0
	e.stateMu.Unlock()

	e.log.WithFields(logrus.Fields{
		"device": e.settings.DeviceName,
		"step":   e.settings.StepPin,
		"dir":    e.settings.DirPin,
	}).Info("motion channel open")
	e.status("DAQ initialized successfully")
	return nil
}

// Rotate turns the table by degrees, positive clockwise. The position is
// updated only after the move completes.
func (e *Executor) Rotate(degrees float64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.rotate(degrees)
}

func (e *Executor) rotate(degrees float64) error {
	if !e.isInitialized() {
		return hwerr.NotInitialized("DAQ")
	}
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return hwerr.InvalidArgument("degrees must be finite, got %v", degrees)
	}

	steps := StepsFor(degrees, e.settings.StepsPerRevolution)
	direction := pulse.Forward
	if degrees < 0 {
		direction = pulse.Reverse
	}

	e.status(fmt.Sprintf("DAQ rotating %.2f° (%d steps)", degrees, steps))
	if err := e.execute(steps, direction); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.position = NormalizeDegrees(e.position + degrees)
	e.totalSteps += steps * direction
	pos := e.position
	e.stateMu.Unlock()

	e.status(fmt.Sprintf("DAQ rotation complete. Position: %.2f°", pos))
	return nil
}

// Step clocks out n raw steps in direction (1 or -1).
func (e *Executor) Step(n, direction int) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.isInitialized() {
		return hwerr.NotInitialized("DAQ")
	}
	if direction != pulse.Forward && direction != pulse.Reverse {
		return hwerr.InvalidArgument("direction must be 1 or -1, got %d", direction)
	}
	if n < 0 {
		return hwerr.InvalidArgument("num_steps must be non-negative, got %d", n)
	}

	e.status(fmt.Sprintf("DAQ stepping %d steps", n))
	if err := e.execute(n, direction); err != nil {
		return err
	}

	degrees := float64(n) * 360.0 / float64(e.settings.StepsPerRevolution) * float64(direction)
	e.stateMu.Lock()
	e.position = NormalizeDegrees(e.position + degrees)
	e.totalSteps += n * direction
	e.stateMu.Unlock()
	return nil
}

// Home returns the table to zero along the shorter arc.
func (e *Executor) Home() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.isInitialized() {
		return hwerr.NotInitialized("DAQ")
	}

	e.status("DAQ homing to 0°")
	delta := HomeDelta(e.Position())
	if math.Abs(delta) > HomeTolerance {
		if err := e.rotate(delta); err != nil {
			return err
		}
	}

	e.stateMu.Lock()
	e.position = 0
	e.stateMu.Unlock()
	e.status("DAQ homing complete")
	return nil
}

// Cleanup releases the channel. Close errors are logged, never returned.
func (e *Executor) Cleanup() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if !e.isInitialized() {
		return
	}
	e.status("Cleaning up DAQ")
	if err := e.driver.Close(); err != nil {
		e.log.WithError(err).Warn("error closing motion channel")
	}
	e.stateMu.Lock()
	e.initialized = false
	e.stateMu.Unlock()
	e.status("DAQ cleanup complete")
}

// Position returns the absolute table angle in [0, 360).
func (e *Executor) Position() float64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.position
}

// Initialized reports whether the channel is open.
func (e *Executor) Initialized() bool {
	return e.isInitialized()
}

// Status returns a snapshot for status responses.
func (e *Executor) Status() Status {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return Status{
		Initialized: e.initialized,
		Position:    e.position,
		TotalSteps:  e.totalSteps,
		Mock:        e.mock,
		Available:   e.driver != nil,
	}
}

func (e *Executor) isInitialized() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.initialized
}

// execute runs one finite generation and waits for it. Only ErrWaitTimeout
// from the driver is retried; every failure stops the generation first.
func (e *Executor) execute(steps, direction int) error {
	if steps == 0 {
		return nil
	}
	train, err := pulse.Generate(steps, direction, e.settings.SamplingRate)
	if err != nil {
		return err
	}

	log := e.log.WithFields(logrus.Fields{"steps": steps, "direction": direction, "samples": len(train)})
	log.Debug("executing pulse train")

	if err := e.driver.ConfigureTiming(e.settings.SamplingRate, len(train)); err != nil {
		return e.abort("configure timing", err)
	}
	if err := e.driver.Write(train); err != nil {
		return e.abort("write", err)
	}
	if err := e.driver.Start(); err != nil {
		return e.abort("start", err)
	}

	done := false
	attempts := 0
	for attempts < MaxWaitAttempts {
		err := e.driver.WaitUntilDone(WaitTimeout)
		attempts++
		if err == nil {
			done = true
			break
		}
		if !errors.Is(err, ErrWaitTimeout) {
			return e.abort("wait until done", err)
		}
	}
	if !done {
		e.stopQuietly()
		log.WithField("attempts", attempts).Error("motion did not complete")
		return fmt.Errorf("%w: task did not complete after %d waits of %s", hwerr.ErrMotionTimeout, MaxWaitAttempts, WaitTimeout)
	}

	if err := e.driver.Stop(); err != nil {
		return hwerr.Device("stop", err)
	}
	log.WithField("attempts", attempts).Debug("pulse train complete")
	return nil
}

func (e *Executor) abort(op string, err error) error {
	e.stopQuietly()
	e.log.WithError(err).WithField("op", op).Error("motion execution failed")
	return hwerr.Device(op, err)
}

func (e *Executor) stopQuietly() {
	if err := e.driver.Stop(); err != nil {
		e.log.WithError(err).Debug("stop after failure")
	}
}

// StepsFor converts an angle to a whole number of steps, rounding to the
// nearest step.
func StepsFor(degrees float64, stepsPerRevolution int) int {
	return int(math.Round(math.Abs(degrees) * float64(stepsPerRevolution) / 360.0))
}

// NormalizeDegrees maps any angle into [0, 360).
func NormalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d
}

// HomeDelta returns the signed rotation that brings position back to zero
// along the shorter arc.
func HomeDelta(position float64) float64 {
	delta := -position
	if math.Abs(delta) > 180 {
		sign := 1.0
		if delta > 0 {
			sign = -1.0
		}
		delta = (360 - math.Abs(delta)) * sign
	}
	return delta
}
