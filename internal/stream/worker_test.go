package stream

import (
	"errors"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

// recorder is an Emitter that keeps everything it is given.
type recorder struct {
	mu     sync.Mutex
	frames []string
	errs   []string
}

func (r *recorder) Frame(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, uri)
}

func (r *recorder) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, msg)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.errs)
}

// stubCamera returns a fixed frame, optionally failing after a number of
// captures.
type stubCamera struct {
	open     atomic.Bool
	captures atomic.Int32
	failAt   int32
	delay    time.Duration
}

func newStubCamera() *stubCamera {
	c := &stubCamera{}
	c.open.Store(true)
	return c
}

func (c *stubCamera) Open() error  { c.open.Store(true); return nil }
func (c *stubCamera) Close() error { c.open.Store(false); return nil }
func (c *stubCamera) IsOpen() bool { return c.open.Load() }
func (c *stubCamera) GrabFrame() (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 2, 2)), nil
}
func (c *stubCamera) Settings() camera.Settings       { return camera.DefaultSettings() }
func (c *stubCamera) Configure(camera.Settings) error { return nil }
func (c *stubCamera) Status() camera.Status           { return camera.Status{Connected: c.IsOpen()} }

func (c *stubCamera) GrabFrameEncoded() (string, error) {
	n := c.captures.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failAt > 0 && n >= c.failAt {
		return "", errors.New("sensor unplugged")
	}
	return camera.DataURIPrefix + "AAAA", nil
}

var _ camera.Camera = (*stubCamera)(nil)

func TestStart_RequiresOpenCamera(t *testing.T) {
	w := NewWorker(&recorder{}, nil)
	cam := newStubCamera()
	cam.open.Store(false)

	assert.ErrorIs(t, w.Start(cam), hwerr.ErrNotInitialized)
	assert.ErrorIs(t, w.Start(nil), hwerr.ErrNotInitialized)
	assert.False(t, w.Active())
}

func TestStartTwiceRunsOneWorker(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(rec, nil)
	cam := newStubCamera()

	require.NoError(t, w.Start(cam))
	first := w.Stats().RunID
	require.NoError(t, w.Start(cam))
	assert.Equal(t, first, w.Stats().RunID)
	assert.True(t, w.Active())

	time.Sleep(5 * FrameInterval)
	stats, wasRunning := w.Stop()
	assert.True(t, wasRunning)
	assert.Equal(t, first, stats.RunID)

	frames, _ := rec.counts()
	assert.Equal(t, frames, stats.Frames)
	// One loop paces at 30 Hz; two would roughly double the count.
	assert.LessOrEqual(t, frames, 8)
}

func TestStopWithoutStreamIsNoop(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(rec, nil)

	stats, wasRunning := w.Stop()
	assert.False(t, wasRunning)
	assert.Equal(t, Stats{}, stats)
	assert.False(t, w.Active())
	frames, errs := rec.counts()
	assert.Zero(t, frames)
	assert.Zero(t, errs)
}

func TestNoFrameAfterStopReturns(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(rec, nil)
	cam := newStubCamera()
	cam.delay = 10 * time.Millisecond

	require.NoError(t, w.Start(cam))
	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n >= 3
	}, time.Second, 5*time.Millisecond)

	_, wasRunning := w.Stop()
	require.True(t, wasRunning)
	atStop, _ := rec.counts()

	time.Sleep(4 * FrameInterval)
	after, errs := rec.counts()
	assert.Equal(t, atStop, after)
	assert.Zero(t, errs)
	assert.False(t, w.Active())
}

func TestPacingAndStats(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(rec, nil)
	require.NoError(t, w.Start(newStubCamera()))

	time.Sleep(10 * FrameInterval)
	stats, _ := w.Stop()

	require.GreaterOrEqual(t, stats.Frames, 3)
	assert.InDelta(t, float64(FrameInterval/time.Millisecond), stats.MeanIntervalMs, 20)
	assert.GreaterOrEqual(t, stats.StdDevIntervalMs, 0.0)
	assert.InDelta(t, FrameRate, stats.AchievedFPS(), 15)
	assert.False(t, stats.Active)
	assert.Equal(t, stats, w.Stats())
}

func TestCaptureErrorEndsStream(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(rec, nil)
	cam := newStubCamera()
	cam.failAt = 3

	require.NoError(t, w.Start(cam))
	require.Eventually(t, func() bool { return !w.Active() }, time.Second, 5*time.Millisecond)

	frames, errs := rec.counts()
	assert.Equal(t, 2, frames)
	require.Equal(t, 1, errs)
	assert.True(t, strings.Contains(rec.errs[0], "sensor unplugged"))
	assert.Equal(t, "Stream capture failed: sensor unplugged", w.Stats().Error)

	// The loop does not restart on its own, and a new Start begins a new run.
	time.Sleep(3 * FrameInterval)
	assert.EqualValues(t, 3, cam.captures.Load())

	cam.failAt = 0
	require.NoError(t, w.Start(cam))
	assert.NotEqual(t, "", w.Stats().RunID)
	w.Stop()
}

func TestCameraClosedEndsStream(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(rec, nil)
	cam := newStubCamera()

	require.NoError(t, w.Start(cam))
	cam.Close()
	require.Eventually(t, func() bool { return !w.Active() }, time.Second, 5*time.Millisecond)

	_, errs := rec.counts()
	assert.Equal(t, 1, errs)
	_, wasRunning := w.Stop()
	assert.False(t, wasRunning)
}
