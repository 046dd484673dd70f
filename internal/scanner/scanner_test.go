package scanner

import (
	"errors"
	"image"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/fsutil"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/timeutil"
)

// flakyCamera fails the captures whose zero-based call index is listed.
type flakyCamera struct {
	camera.Camera
	fail    map[int]bool
	openErr error
	calls   int
}

func (c *flakyCamera) Open() error {
	if c.openErr != nil {
		return c.openErr
	}
	return c.Camera.Open()
}

func (c *flakyCamera) GrabFrame() (image.Image, error) {
	i := c.calls
	c.calls++
	if c.fail[i] {
		return nil, errors.New("exposure timed out")
	}
	return c.Camera.GrabFrame()
}

// flakyMotion fails the rotate whose one-based call number is failOn.
type flakyMotion struct {
	*motion.Executor
	failOn  int
	rotates int
}

func (m *flakyMotion) Rotate(degrees float64) error {
	m.rotates++
	if m.rotates == m.failOn {
		return hwerr.Device("start generation", errors.New("task aborted"))
	}
	return m.Executor.Rotate(degrees)
}

type rig struct {
	clock    *timeutil.MockClock
	cam      *flakyCamera
	exec     *motion.Executor
	driver   *motion.SimDriver
	messages []string
}

func newRig(t *testing.T, frames int) (*rig, Settings) {
	t.Helper()
	s := DefaultSettings()
	s.NumFrames = frames
	s, err := s.Normalize()
	require.NoError(t, err)

	r := &rig{clock: timeutil.NewMockClock(time.Unix(1700000000, 0))}
	r.driver = motion.NewSimDriver(r.clock)
	r.exec, err = motion.NewExecutor(s.Motion, r.driver, motion.Simulated())
	require.NoError(t, err)
	r.cam = &flakyCamera{Camera: camera.NewSimulated(s.Camera, camera.SimOptions{Clock: r.clock})}
	return r, s
}

func (r *rig) orchestrator(t *testing.T, s Settings, mot Motion, opts ...Option) *Orchestrator {
	t.Helper()
	if mot == nil {
		mot = r.exec
	}
	opts = append([]Option{
		WithClock(r.clock),
		WithStatus(func(m string) { r.messages = append(r.messages, m) }),
		Simulated(),
	}, opts...)
	o, err := New(s, r.cam, mot, opts...)
	require.NoError(t, err)
	return o
}

func TestSettingsNormalize(t *testing.T) {
	s := DefaultSettings()
	s.NumFrames = 36
	s.Camera.NumFrames = 10
	s.Motion.NumFrames = 99

	got, err := s.Normalize()
	require.NoError(t, err)
	assert.Equal(t, 36, got.Camera.NumFrames)
	assert.Equal(t, 36, got.Motion.NumFrames)
	assert.InDelta(t, 10.0, got.DegreesPerFrame(), 1e-9)

	bad := DefaultSettings()
	bad.NumFrames = 0
	_, err = bad.Normalize()
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)

	bad = DefaultSettings()
	bad.OutputPath = ""
	_, err = bad.Normalize()
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)

	bad = DefaultSettings()
	bad.Motion.DirPin = bad.Motion.StepPin
	_, err = bad.Normalize()
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
}

func TestSettingsEqual(t *testing.T) {
	a, _ := DefaultSettings().Normalize()
	b, _ := DefaultSettings().Normalize()
	assert.True(t, a.Equal(b))

	b.Camera.Gain = 2
	assert.False(t, a.Equal(b))
	assert.NotEmpty(t, cmp.Diff(a, b))
}

func TestNew_Rejects(t *testing.T) {
	r, s := newRig(t, 5)
	_, err := New(s, nil, r.exec)
	assert.ErrorIs(t, err, hwerr.ErrHardwareUnavailable)

	s.OutputPath = ""
	_, err = New(s, r.cam, r.exec)
	assert.ErrorIs(t, err, hwerr.ErrInvalidArgument)
}

func TestPerformScan_RequiresInitialize(t *testing.T) {
	r, s := newRig(t, 5)
	o := r.orchestrator(t, s, nil)

	_, err := o.PerformScan(nil)
	assert.ErrorIs(t, err, hwerr.ErrNotInitialized)
	assert.Equal(t, StateIdle, o.State())
}

func TestPerformScan_HealthyFiveFrames(t *testing.T) {
	r, s := newRig(t, 5)
	o := r.orchestrator(t, s, nil)
	require.NoError(t, o.Initialize())
	assert.Equal(t, StateReady, o.State())

	var progress []Progress
	res, err := o.PerformScan(func(p Progress) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 5, res.FramesCaptured)
	assert.Equal(t, 5, res.TotalFrames)
	assert.Nil(t, res.Error)
	assert.False(t, res.PartialCapture)
	assert.Equal(t, DefaultOutputPath, res.OutputPath)
	_, err = uuid.Parse(res.ScanID)
	assert.NoError(t, err)
	assert.Positive(t, res.DurationMs)

	want := []Progress{
		{FrameNumber: 0, TotalFrames: 5, PositionDegrees: 72},
		{FrameNumber: 1, TotalFrames: 5, PositionDegrees: 144},
		{FrameNumber: 2, TotalFrames: 5, PositionDegrees: 216},
		{FrameNumber: 3, TotalFrames: 5, PositionDegrees: 288},
		{FrameNumber: 4, TotalFrames: 5, PositionDegrees: 0},
	}
	if diff := cmp.Diff(want, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}

	assert.InDelta(t, 0.0, r.exec.Position(), motion.HomeTolerance)
	assert.Equal(t, 0, r.driver.NetSteps()%s.Motion.StepsPerRevolution)
	assert.Equal(t, 5, r.clock.SleepCount(SettleDelay))
	assert.Equal(t, StateReady, o.State())
	assert.Contains(t, r.messages, "Scan completed successfully: 5/5 frames")
	assert.Contains(t, r.messages, "Capturing frame 1/5 at 72.00°")
}

func TestPerformScan_OneFailedCaptureKeepsGoing(t *testing.T) {
	r, s := newRig(t, 5)
	r.cam.fail = map[int]bool{2: true}
	o := r.orchestrator(t, s, nil)
	require.NoError(t, o.Initialize())

	var frames []int
	res, err := o.PerformScan(func(p Progress) { frames = append(frames, p.FrameNumber) })
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.PartialCapture)
	assert.Equal(t, 4, res.FramesCaptured)
	require.NotNil(t, res.Error)
	assert.Equal(t, "4/5 frames captured", *res.Error)
	assert.Equal(t, []int{0, 1, 3, 4}, frames)
	assert.Equal(t, 5, r.cam.calls)
	assert.InDelta(t, 0.0, r.exec.Position(), motion.HomeTolerance)
	assert.Equal(t, StateReady, o.State())
}

func TestPerformScan_RotationFailureReturnsHome(t *testing.T) {
	r, s := newRig(t, 5)
	mot := &flakyMotion{Executor: r.exec, failOn: 3}
	o := r.orchestrator(t, s, mot)
	require.NoError(t, o.Initialize())

	res, err := o.PerformScan(nil)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.PartialCapture)
	assert.Equal(t, 2, res.FramesCaptured)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "Scan failed")
	assert.Contains(t, *res.Error, "task aborted")
	assert.InDelta(t, 0.0, r.exec.Position(), motion.HomeTolerance)
	assert.Equal(t, StateError, o.State())
	assert.True(t, o.Initialized())

	st := o.Status()
	require.NotNil(t, st.LastScan)
	assert.Equal(t, res.ScanID, st.LastScan.ScanID)

	mot.failOn = 0
	res, err = o.PerformScan(nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StateReady, o.State())
}

func TestPerformScan_DeviceErrorIsCaught(t *testing.T) {
	r, s := newRig(t, 4)
	o := r.orchestrator(t, s, nil)
	require.NoError(t, o.Initialize())

	r.driver.FailNext(motion.OpConfigure, errors.New("timing rejected"))
	res, err := o.PerformScan(nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.FramesCaptured)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "timing rejected")
}

func TestPerformScan_PanickingCallbackBecomesResult(t *testing.T) {
	r, s := newRig(t, 3)
	o := r.orchestrator(t, s, nil)
	require.NoError(t, o.Initialize())

	res, err := o.PerformScan(func(Progress) { panic("ui gone") })
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Contains(t, *res.Error, "ui gone")
	assert.InDelta(t, 0.0, r.exec.Position(), motion.HomeTolerance)
}

func TestPerformScan_SavesFrames(t *testing.T) {
	r, s := newRig(t, 3)
	s.OutputPath = "/data/scans/plant-7"
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/data/scans/plant-7", 0o755))
	for _, stale := range []string{"003.png", "004.png", "005.png", "notes.txt"} {
		require.NoError(t, mfs.WriteFile("/data/scans/plant-7/"+stale, []byte("old"), 0o644))
	}
	o := r.orchestrator(t, s, nil, WithFrameStore(mfs))
	require.NoError(t, o.Initialize())

	var paths []string
	res, err := o.PerformScan(func(p Progress) { paths = append(paths, p.ImagePath) })
	require.NoError(t, err)
	require.True(t, res.Success)

	want := []string{
		"/data/scans/plant-7/001.png",
		"/data/scans/plant-7/002.png",
		"/data/scans/plant-7/003.png",
	}
	assert.Equal(t, want, paths)
	assert.Equal(t, append(want, "/data/scans/plant-7/notes.txt"), mfs.Files())
}

func TestPerformScan_RescanReplacesEveryFrame(t *testing.T) {
	r, s := newRig(t, 3)
	s.OutputPath = "/d"
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/d", 0o755))
	// A gap at 004 must not shield 005 from removal.
	for _, old := range []string{"001.png", "002.png", "003.png", "005.png", "1000.png", "cover.png", "12.png"} {
		require.NoError(t, mfs.WriteFile("/d/"+old, []byte("old"), 0o644))
	}
	r.cam.fail = map[int]bool{1: true}
	o := r.orchestrator(t, s, nil, WithFrameStore(mfs))
	require.NoError(t, o.Initialize())

	res, err := o.PerformScan(nil)
	require.NoError(t, err)
	assert.True(t, res.PartialCapture)
	assert.Equal(t, 2, res.FramesCaptured)

	assert.Equal(t, []string{"/d/001.png", "/d/003.png", "/d/12.png", "/d/cover.png"}, mfs.Files())
	for _, name := range []string{"/d/001.png", "/d/003.png"} {
		data, err := mfs.ReadFile(name)
		require.NoError(t, err)
		assert.NotEqual(t, "old", string(data), name)
	}
}

func TestIsFrameName(t *testing.T) {
	for name, want := range map[string]bool{
		"001.png":   true,
		"072.png":   true,
		"1000.png":  true,
		"12.png":    false,
		"001.jpg":   false,
		"a01.png":   false,
		"cover.png": false,
		".png":      false,
	} {
		assert.Equal(t, want, IsFrameName(name), name)
	}
}

func TestInitialize_CameraFailureCleansUp(t *testing.T) {
	r, s := newRig(t, 5)
	r.cam.openErr = errors.New("no camera on bus")
	o := r.orchestrator(t, s, nil)

	err := o.Initialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no camera on bus")
	assert.Equal(t, StateIdle, o.State())
	assert.False(t, r.exec.Initialized())
	assert.False(t, r.driver.IsOpen())
}

func TestInitialize_MotionFailureClosesCamera(t *testing.T) {
	r, s := newRig(t, 5)
	r.driver.FailNext(motion.OpOpen, errors.New("device busy"))
	o := r.orchestrator(t, s, nil)

	err := o.Initialize()
	assert.ErrorIs(t, err, hwerr.ErrDeviceError)
	assert.False(t, r.cam.IsOpen())
	assert.Equal(t, StateIdle, o.State())
}

func TestInitializeIdempotentAndCleanup(t *testing.T) {
	r, s := newRig(t, 5)
	o := r.orchestrator(t, s, nil)

	assert.Equal(t, "unknown", IdleStatus(true).CameraStatus)
	st := o.Status()
	assert.False(t, st.Initialized)
	assert.Equal(t, "disconnected", st.CameraStatus)
	assert.Equal(t, "not_initialized", st.DAQStatus)

	require.NoError(t, o.Initialize())
	require.NoError(t, o.Initialize())
	assert.Contains(t, r.messages, "Scanner already initialized")

	require.NoError(t, r.exec.Rotate(30))
	st = o.Status()
	assert.Equal(t, Status{
		Initialized:  true,
		State:        "ready",
		CameraStatus: "connected",
		DAQStatus:    "initialized",
		Position:     30,
		Mock:         true,
	}, st)

	o.Cleanup()
	o.Cleanup()
	assert.Equal(t, StateIdle, o.State())
	assert.False(t, r.cam.IsOpen())
	assert.False(t, r.exec.Initialized())
	assert.Contains(t, r.messages, "Scanner cleanup complete")
}
