package motion

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/bloom.scanner/internal/pulse"
	"github.com/banshee-data/bloom.scanner/internal/timeutil"
)

// MaxSimulatedMove caps how long a simulated generation takes so scans on
// the simulated rig stay quick.
const MaxSimulatedMove = 500 * time.Millisecond

// Driver operation names accepted by SimDriver.FailNext.
const (
	OpOpen      = "open"
	OpConfigure = "configure"
	OpWrite     = "write"
	OpStart     = "start"
	OpWait      = "wait"
	OpStop      = "stop"
	OpClose     = "close"
)

var errChannelClosed = errors.New("channel not open")

// SimDriver is an in-memory Driver. Generations complete after their real
// duration, capped at MaxSimulatedMove, measured on the injected clock.
type SimDriver struct {
	mu    sync.Mutex
	clock timeutil.Clock

	open     bool
	device   string
	lines    Lines
	rate     int
	samples  int
	train    pulse.Train
	running  bool
	started  time.Time
	duration time.Duration

	netSteps int
	starts   int
	waits    int
	faults   map[string]error
}

// NewSimDriver returns a simulated driver timed by clock.
func NewSimDriver(clock timeutil.Clock) *SimDriver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimDriver{clock: clock, faults: make(map[string]error)}
}

// FailNext makes the next call of op return err.
func (d *SimDriver) FailNext(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = err
}

func (d *SimDriver) fault(op string) error {
	if err, ok := d.faults[op]; ok {
		delete(d.faults, op)
		return err
	}
	return nil
}

func (d *SimDriver) OpenChannel(device string, lines Lines) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpOpen); err != nil {
		return err
	}
	d.open = true
	d.device = device
	d.lines = lines
	return nil
}

func (d *SimDriver) ConfigureTiming(sampleRateHz, samples int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpConfigure); err != nil {
		return err
	}
	if !d.open {
		return errChannelClosed
	}
	if sampleRateHz <= 0 || samples < 0 {
		return fmt.Errorf("invalid timing %d Hz, %d samples", sampleRateHz, samples)
	}
	d.rate = sampleRateHz
	d.samples = samples
	return nil
}

func (d *SimDriver) Write(train pulse.Train) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpWrite); err != nil {
		return err
	}
	if !d.open {
		return errChannelClosed
	}
	if len(train) != d.samples {
		return fmt.Errorf("wrote %d samples, timing configured for %d", len(train), d.samples)
	}
	d.train = train
	return nil
}

func (d *SimDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpStart); err != nil {
		return err
	}
	if !d.open {
		return errChannelClosed
	}
	d.running = true
	d.started = d.clock.Now()
	d.duration = min(d.train.Duration(d.rate), MaxSimulatedMove)
	d.starts++
	return nil
}

func (d *SimDriver) WaitUntilDone(timeout time.Duration) error {
	d.mu.Lock()
	d.waits++
	if err := d.fault(OpWait); err != nil {
		d.mu.Unlock()
		return err
	}
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	remaining := d.duration - d.clock.Since(d.started)
	d.mu.Unlock()

	if remaining > timeout {
		d.clock.Sleep(timeout)
		return ErrWaitTimeout
	}
	if remaining > 0 {
		d.clock.Sleep(remaining)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.finish()
	return nil
}

// finish applies the written train to the simulated table. Callers hold mu.
func (d *SimDriver) finish() {
	if !d.running {
		return
	}
	d.running = false
	d.netSteps += d.train.Steps()
}

func (d *SimDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpStop); err != nil {
		return err
	}
	// a stop before completion abandons the generation
	d.running = false
	return nil
}

func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.running = false
	return d.fault(OpClose)
}

// NetSteps returns the signed step count of all completed generations.
func (d *SimDriver) NetSteps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.netSteps
}

// Waits returns how many times WaitUntilDone was called.
func (d *SimDriver) Waits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waits
}

// Starts returns how many generations were started.
func (d *SimDriver) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// IsOpen reports whether a channel is open.
func (d *SimDriver) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
