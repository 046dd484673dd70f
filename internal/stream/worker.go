// Package stream runs the live preview: a single goroutine that captures,
// encodes and emits frames at a fixed rate until it is told to stop.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
	"github.com/banshee-data/bloom.scanner/internal/timeutil"
)

const (
	// FrameRate is the target preview rate.
	FrameRate = 30
	// FrameInterval is the pacing period of one capture cycle.
	FrameInterval = time.Second / FrameRate
	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout = 2 * time.Second
)

// Emitter receives the loop's output, normally the protocol writer.
type Emitter interface {
	Frame(dataURI string)
	Error(msg string)
}

// Stats summarizes one streaming run.
type Stats struct {
	RunID            string    `json:"run_id,omitempty"`
	Active           bool      `json:"active"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	Frames           int       `json:"frames"`
	MeanIntervalMs   float64   `json:"mean_interval_ms"`
	StdDevIntervalMs float64   `json:"stddev_interval_ms"`
	Error            string    `json:"error,omitempty"`
}

// AchievedFPS is the rate implied by the mean frame interval.
func (s Stats) AchievedFPS() float64 {
	if s.MeanIntervalMs <= 0 {
		return 0
	}
	return 1000 / s.MeanIntervalMs
}

type run struct {
	id        string
	startedAt time.Time
	lastFrame time.Time
	frames    int
	intervals []float64
	err       string
}

func (r *run) stats(active bool) Stats {
	s := Stats{
		RunID:     r.id,
		Active:    active,
		StartedAt: r.startedAt,
		Frames:    r.frames,
		Error:     r.err,
	}
	if len(r.intervals) > 0 {
		s.MeanIntervalMs, s.StdDevIntervalMs = stat.MeanStdDev(r.intervals, nil)
		if len(r.intervals) == 1 {
			s.StdDevIntervalMs = 0
		}
	}
	return s
}

// Worker owns at most one streaming goroutine.
type Worker struct {
	emitter Emitter
	clock   timeutil.Clock
	log     *logrus.Entry

	// mu serializes Start and Stop.
	mu sync.Mutex

	// emitMu guards the active signal, the current run and every emission,
	// so nothing is emitted once Stop has cleared the signal.
	emitMu sync.Mutex
	active bool
	cur    *run
	last   Stats
	stop   chan struct{}
	done   chan struct{}
}

// NewWorker returns an idle worker that emits to e. A nil clock selects the
// real clock.
func NewWorker(e Emitter, clock timeutil.Clock) *Worker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{
		emitter: e,
		clock:   clock,
		log:     monitoring.Component("stream"),
	}
}

// Active reports whether a stream is running.
func (w *Worker) Active() bool {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	return w.active
}

// Stats returns the running stream's statistics, or the last run's.
func (w *Worker) Stats() Stats {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.cur != nil {
		return w.cur.stats(w.active)
	}
	return w.last
}

// Start launches the loop on cam. Starting a running worker is a no-op.
func (w *Worker) Start(cam camera.Camera) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emitMu.Lock()
	if w.active {
		w.emitMu.Unlock()
		return nil
	}
	prev := w.done
	w.emitMu.Unlock()

	if cam == nil || !cam.IsOpen() {
		return fmt.Errorf("%w: camera must be connected before streaming", hwerr.ErrNotInitialized)
	}
	if prev != nil {
		// A stale loop can no longer emit, so a slow exit only costs a goroutine.
		select {
		case <-prev:
		case <-w.clock.After(StopTimeout):
		}
	}

	r := &run{id: uuid.NewString(), startedAt: w.clock.Now()}
	stop := make(chan struct{})
	done := make(chan struct{})

	w.emitMu.Lock()
	w.active = true
	w.cur = r
	w.stop = stop
	w.done = done
	w.emitMu.Unlock()

	go w.loop(cam, r, stop, done)
	w.log.WithField("run_id", r.id).Info("stream started")
	return nil
}

// Stop clears the signal and waits up to StopTimeout for the loop to exit.
// It reports whether a stream was running and returns that run's stats.
func (w *Worker) Stop() (Stats, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emitMu.Lock()
	if !w.active {
		last := w.last
		w.emitMu.Unlock()
		return last, false
	}
	w.active = false
	close(w.stop)
	done := w.done
	w.emitMu.Unlock()

	select {
	case <-done:
	case <-w.clock.After(StopTimeout):
		w.log.Warn("stream loop did not exit within the stop timeout")
	}

	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.cur != nil {
		w.last = w.cur.stats(false)
		w.cur = nil
	}
	w.log.WithFields(logrus.Fields{
		"run_id": w.last.RunID,
		"frames": w.last.Frames,
	}).Info("stream stopped")
	return w.last, true
}

func (w *Worker) loop(cam camera.Camera, r *run, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		started := w.clock.Now()
		if !cam.IsOpen() {
			w.fail(r, "Camera disconnected, stream stopped")
			return
		}
		uri, err := cam.GrabFrameEncoded()
		if err != nil {
			w.fail(r, fmt.Sprintf("Stream capture failed: %v", err))
			return
		}
		if !w.emit(r, uri) {
			return
		}

		if wait := FrameInterval - w.clock.Since(started); wait > 0 {
			select {
			case <-stop:
				return
			case <-w.clock.After(wait):
			}
		}
	}
}

// emit sends one frame unless the stream has been stopped.
func (w *Worker) emit(r *run, uri string) bool {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if !w.active || w.cur != r {
		return false
	}
	now := w.clock.Now()
	if r.frames > 0 {
		r.intervals = append(r.intervals, float64(now.Sub(r.lastFrame))/float64(time.Millisecond))
	}
	r.lastFrame = now
	r.frames++
	w.emitter.Frame(uri)
	return true
}

// fail ends the run with a terminal error emission.
func (w *Worker) fail(r *run, msg string) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if !w.active || w.cur != r {
		return
	}
	r.err = msg
	w.active = false
	w.last = r.stats(false)
	w.cur = nil
	w.emitter.Error(msg)
	w.log.WithField("run_id", r.id).Warn(msg)
}
