package motion

import (
	"errors"
	"time"

	"github.com/banshee-data/bloom.scanner/internal/pulse"
)

// ErrWaitTimeout is returned by Driver.WaitUntilDone when the generation is
// still running at the end of the wait. It is the only driver error the
// Executor retries.
var ErrWaitTimeout = errors.New("wait until done timed out")

// Lines binds the two digital outputs of a channel.
type Lines struct {
	Step      int
	Direction int
}

// Driver is a digital-output device able to clock a finite pulse train.
type Driver interface {
	// OpenChannel reserves one output channel bound to lines on device.
	OpenChannel(device string, lines Lines) error
	// ConfigureTiming sets a finite sample clock of samples ticks at rate Hz.
	ConfigureTiming(sampleRateHz, samples int) error
	// Write loads the train without starting it.
	Write(train pulse.Train) error
	// Start begins the generation.
	Start() error
	// WaitUntilDone blocks for at most timeout. It returns nil once the
	// generation has finished and ErrWaitTimeout if it has not.
	WaitUntilDone(timeout time.Duration) error
	// Stop halts the generation.
	Stop() error
	// Close releases the channel.
	Close() error
}
