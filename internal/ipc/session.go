package ipc

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/config"
	"github.com/banshee-data/bloom.scanner/internal/db"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/motion/serialdaq"
	"github.com/banshee-data/bloom.scanner/internal/scanner"
	"github.com/banshee-data/bloom.scanner/internal/stream"
)

// Session owns every hardware object behind the protocol. Commands run one
// at a time; the debug routes read snapshots concurrently.
type Session struct {
	cfg   config.Config
	out   *Writer
	hw    Hardware
	store *db.DB
	log   *logrus.Entry

	cmdMu sync.Mutex

	mu         sync.Mutex
	cam        camera.Camera
	daq        *motion.Executor
	daqDriver  motion.Driver
	scan       *scanner.Orchestrator
	scanDriver motion.Driver
	profile    string
	stream     *stream.Worker
}

// NewSession returns a session emitting on out. store may be nil, in which
// case the profile command reports the store as unavailable.
func NewSession(cfg config.Config, out *Writer, hw Hardware, store *db.DB) *Session {
	return &Session{
		cfg:    cfg,
		out:    out,
		hw:     hw,
		store:  store,
		log:    monitoring.Component("ipc"),
		stream: stream.NewWorker(out, hw.Clock),
	}
}

// Writer returns the protocol writer of the session.
func (s *Session) Writer() *Writer { return s.out }

// Close stops streaming and releases all hardware. It is safe to call more
// than once.
func (s *Session) Close() {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.stream.Stop()
	s.closeCamera()
	s.releaseDAQ()
	s.releaseScanner()
}

func (s *Session) closeCamera() {
	s.mu.Lock()
	cam := s.cam
	s.cam = nil
	s.mu.Unlock()
	if cam == nil {
		return
	}
	if err := cam.Close(); err != nil {
		s.out.Errorf("Error closing camera: %v", err)
	}
}

func (s *Session) releaseDAQ() {
	s.mu.Lock()
	daq, driver := s.daq, s.daqDriver
	s.daq, s.daqDriver = nil, nil
	s.mu.Unlock()
	if daq != nil {
		daq.Cleanup()
	}
	closeDriver(driver, s.log)
}

func (s *Session) releaseScanner() {
	s.mu.Lock()
	sc, driver := s.scan, s.scanDriver
	s.scan, s.scanDriver, s.profile = nil, nil, ""
	s.mu.Unlock()
	if sc != nil {
		sc.Cleanup()
	}
	closeDriver(driver, s.log)
}

// closeDriver releases a driver whose executor may never have opened it.
func closeDriver(d motion.Driver, log *logrus.Entry) {
	if d == nil {
		return
	}
	if err := d.Close(); err != nil {
		log.WithError(err).Debug("motion driver close")
	}
}

// bridge returns the serial bridge driver in use, preferring the scanner's.
func (s *Session) bridge() *serialdaq.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range []motion.Driver{s.scanDriver, s.daqDriver} {
		if b, ok := d.(*serialdaq.Driver); ok {
			return b
		}
	}
	return nil
}

// SessionStatus is the debug snapshot of a session.
type SessionStatus struct {
	Camera  camera.Status  `json:"camera"`
	DAQ     motion.Status  `json:"daq"`
	Scanner scanner.Status `json:"scanner"`
	Profile string         `json:"profile,omitempty"`
	Stream  stream.Stats   `json:"stream"`
}

// Status returns a snapshot of every subsystem.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	cam, daq, sc, profile := s.cam, s.daq, s.scan, s.profile
	s.mu.Unlock()

	st := SessionStatus{
		Camera:  camera.Status{Mock: s.cfg.MockCamera, Available: true},
		DAQ:     s.idleDAQStatus(),
		Scanner: scanner.IdleStatus(s.cfg.MockHardware),
		Profile: profile,
		Stream:  s.stream.Stats(),
	}
	if cam != nil {
		st.Camera = cam.Status()
	}
	if daq != nil {
		st.DAQ = daq.Status()
	}
	if sc != nil {
		st.Scanner = sc.Status()
	}
	return st
}

func (s *Session) idleDAQStatus() motion.Status {
	return motion.Status{
		Mock:      s.cfg.MockDAQ,
		Available: s.cfg.MockDAQ || s.cfg.DAQPort != "",
	}
}

// overlay applies the keys present in raw onto a copy of base. Keys absent
// from raw keep their base values.
func overlay[T any](base T, raw json.RawMessage) (T, error) {
	var out T
	b, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return base, err
	}
	if !hasSettings(raw) {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return base, hwerr.InvalidArgument("invalid settings: %v", err)
	}
	return out, nil
}

func hasSettings(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !bytes.Equal(t, []byte("null")) && !bytes.Equal(t, []byte("{}"))
}
