package pulse

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

func TestGenerate_ZeroSteps(t *testing.T) {
	train, err := Generate(0, Forward, 40000)
	require.NoError(t, err)
	assert.Empty(t, train)
}

func TestGenerate_Length(t *testing.T) {
	for _, rate := range []int{2000, 10000, 40000, 100000} {
		for _, steps := range []int{1, 7, 88, 3200} {
			train, err := Generate(steps, Reverse, rate)
			require.NoError(t, err)
			assert.Equal(t, steps*(rate/1000), len(train), "rate=%d steps=%d", rate, steps)
		}
	}
}

func TestGenerate_SquareWave(t *testing.T) {
	const rate = 40000
	train, err := Generate(3, Forward, rate)
	require.NoError(t, err)

	per := SamplesPerStep(rate)
	half := per / 2
	for step := 0; step < 3; step++ {
		chunk := train[step*per : (step+1)*per]
		high := 0
		for i, s := range chunk {
			if i < half {
				assert.False(t, s.Step, "step %d sample %d should be low", step, i)
			} else {
				assert.True(t, s.Step, "step %d sample %d should be high", step, i)
			}
			if s.Step {
				high++
			}
		}
		assert.Equal(t, half, high)
	}
}

func TestGenerate_DirectionConstant(t *testing.T) {
	fwd, err := Generate(5, Forward, 8000)
	require.NoError(t, err)
	for _, level := range fwd.DirectionLine() {
		require.True(t, level)
	}

	rev, err := Generate(5, Reverse, 8000)
	require.NoError(t, err)
	for _, level := range rev.DirectionLine() {
		require.False(t, level)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := Generate(12, Reverse, 40000)
	require.NoError(t, err)
	b, err := Generate(12, Reverse, 40000)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Generate not deterministic (-first +second):\n%s", diff)
	}
}

func TestGenerate_InvalidArguments(t *testing.T) {
	tests := []struct {
		name                   string
		steps, direction, rate int
	}{
		{"bad direction", 1, 0, 40000},
		{"bad direction two", 1, 2, 40000},
		{"negative steps", -1, Forward, 40000},
		{"zero rate", 1, Forward, 0},
		{"rate below pulse frequency", 1, Forward, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.steps, tt.direction, tt.rate)
			require.Error(t, err)
			assert.True(t, errors.Is(err, hwerr.ErrInvalidArgument))
		})
	}
}

func TestTrain_Duration(t *testing.T) {
	train, err := Generate(100, Forward, 40000)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, train.Duration(40000))
	assert.Equal(t, time.Duration(0), train.Duration(0))
}

func TestTrain_PackRoundTrip(t *testing.T) {
	train, err := Generate(3, Forward, 6000)
	require.NoError(t, err)

	packed := train.Pack()
	assert.Len(t, packed, (len(train)+3)/4)
	if diff := cmp.Diff(train, Unpack(packed, len(train))); diff != "" {
		t.Errorf("Unpack(Pack()) mismatch (-want +got):\n%s", diff)
	}
}

func TestTrain_PackLayout(t *testing.T) {
	train := Train{
		{Step: false, Direction: true},
		{Step: true, Direction: true},
		{Step: false, Direction: false},
		{Step: true, Direction: false},
	}
	// pairs: 10, 11, 00, 01 -> 0b01_00_11_10
	assert.Equal(t, []byte{0x4E}, train.Pack())
}

func TestTrain_Steps(t *testing.T) {
	fwd, err := Generate(17, Forward, 40000)
	require.NoError(t, err)
	assert.Equal(t, 17, fwd.Steps())

	rev, err := Generate(5, Reverse, 2000)
	require.NoError(t, err)
	assert.Equal(t, -5, rev.Steps())

	assert.Equal(t, 0, Train{}.Steps())
}
