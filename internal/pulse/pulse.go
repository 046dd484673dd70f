// Package pulse builds the digital waveforms that drive the turntable's
// stepper driver: a square wave on the step line and a constant level on the
// direction line.
package pulse

import (
	"time"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

// Frequency is the fixed step pulse rate in Hz.
const Frequency = 1000

// Direction values accepted by Generate.
const (
	Forward = 1
	Reverse = -1
)

// Sample is one tick of the sample clock across both output lines.
type Sample struct {
	Step      bool
	Direction bool
}

// Train is an ordered sequence of samples written to the output channel in
// one finite generation.
type Train []Sample

// SamplesPerStep returns how many clock ticks one step pulse occupies at the
// given sample rate.
func SamplesPerStep(sampleRateHz int) int {
	return sampleRateHz / Frequency
}

// Generate returns the pulse train for steps pulses in direction at
// sampleRateHz. Each step is half low then half high on the step line. A
// zero step count yields an empty train.
func Generate(steps, direction, sampleRateHz int) (Train, error) {
	if direction != Forward && direction != Reverse {
		return nil, hwerr.InvalidArgument("direction must be 1 or -1, got %d", direction)
	}
	if steps < 0 {
		return nil, hwerr.InvalidArgument("num_steps must be non-negative, got %d", steps)
	}
	if sampleRateHz <= 0 {
		return nil, hwerr.InvalidArgument("sampling_rate must be positive, got %d", sampleRateHz)
	}
	if steps == 0 {
		return Train{}, nil
	}

	half := SamplesPerStep(sampleRateHz) / 2
	if half == 0 {
		return nil, hwerr.InvalidArgument("sampling_rate %d Hz is too low for %d Hz step pulses", sampleRateHz, Frequency)
	}

	dir := direction == Forward
	train := make(Train, 0, steps*2*half)
	for range steps {
		for range half {
			train = append(train, Sample{Step: false, Direction: dir})
		}
		for range half {
			train = append(train, Sample{Step: true, Direction: dir})
		}
	}
	return train, nil
}

// StepLine returns the step line levels of the train.
func (t Train) StepLine() []bool {
	out := make([]bool, len(t))
	for i, s := range t {
		out[i] = s.Step
	}
	return out
}

// DirectionLine returns the direction line levels of the train.
func (t Train) DirectionLine() []bool {
	out := make([]bool, len(t))
	for i, s := range t {
		out[i] = s.Direction
	}
	return out
}

// Duration is the wall time the train takes to play out at sampleRateHz.
func (t Train) Duration(sampleRateHz int) time.Duration {
	if sampleRateHz <= 0 {
		return 0
	}
	return time.Duration(len(t)) * time.Second / time.Duration(sampleRateHz)
}

// Pack encodes the train two bits per sample, four samples per byte, least
// significant pair first. Bit 0 of a pair is the step line and bit 1 the
// direction line.
func (t Train) Pack() []byte {
	out := make([]byte, (len(t)+3)/4)
	for i, s := range t {
		var v byte
		if s.Step {
			v |= 1
		}
		if s.Direction {
			v |= 2
		}
		out[i/4] |= v << (2 * (i % 4))
	}
	return out
}

// Unpack reverses Pack for n samples.
func Unpack(data []byte, n int) Train {
	if n > len(data)*4 {
		n = len(data) * 4
	}
	t := make(Train, n)
	for i := range n {
		v := data[i/4] >> (2 * (i % 4))
		t[i] = Sample{Step: v&1 != 0, Direction: v&2 != 0}
	}
	return t
}

// Steps counts the rising edges on the step line, positive when the
// direction line is high and negative when it is low.
func (t Train) Steps() int {
	n := 0
	prev := false
	for _, s := range t {
		if s.Step && !prev {
			if s.Direction {
				n++
			} else {
				n--
			}
		}
		prev = s.Step
	}
	return n
}
