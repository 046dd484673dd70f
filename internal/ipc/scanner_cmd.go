package ipc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/scanner"
	"github.com/banshee-data/bloom.scanner/internal/security"
)

var errScanInProgress = errors.New("Cannot change settings during active scan")

func (s *Session) scannerActions() map[string]handler {
	return map[string]handler{
		"initialize": s.scannerInitialize,
		"cleanup":    s.scannerCleanup,
		"scan":       s.scannerScan,
		"status":     s.scannerStatus,
	}
}

// scannerSettings resolves the settings of an initialize request: a named
// profile, or inline settings over the configured defaults.
func (s *Session) scannerSettings(cmd Command) (scanner.Settings, error) {
	if cmd.Profile != "" {
		if s.store == nil {
			return scanner.Settings{}, fmt.Errorf("%w: profile store not configured", hwerr.ErrHardwareUnavailable)
		}
		p, err := s.store.GetProfile(cmd.Profile)
		if err != nil {
			return scanner.Settings{}, err
		}
		if p == nil {
			return scanner.Settings{}, hwerr.InvalidArgument("profile %q not found", cmd.Profile)
		}
		return overlay(p.Settings, cmd.Settings)
	}
	return overlay(s.cfg.Scanner, cmd.Settings)
}

func (s *Session) scannerInitialize(cmd Command) (Response, error) {
	settings, err := s.scannerSettings(cmd)
	if err != nil {
		return nil, err
	}
	settings, err = settings.Normalize()
	if err != nil {
		return nil, err
	}
	if settings.OutputPath, err = security.ResolveOutputPath(settings.OutputPath, s.cfg.ScanRoot); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sc := s.scan
	s.mu.Unlock()

	if sc != nil {
		if sc.Scanning() {
			return nil, errScanInProgress
		}
		if !sc.Settings().Equal(settings) {
			s.out.Status("Settings changed, reinitializing scanner")
			s.releaseScanner()
			sc = nil
		}
	}

	created := sc == nil
	if created {
		if sc, err = s.newScanner(settings); err != nil {
			return nil, err
		}
	}

	if err := sc.Initialize(); err != nil {
		if created {
			s.releaseScanner()
		}
		return nil, err
	}

	s.mu.Lock()
	s.profile = cmd.Profile
	s.mu.Unlock()
	if cmd.Profile != "" && s.store != nil {
		if err := s.store.TouchProfile(cmd.Profile, s.hw.Clock.Now()); err != nil {
			s.log.WithError(err).Warn("failed to record profile use")
		}
	}
	return Response{"success": true, "initialized": true}, nil
}

func (s *Session) newScanner(settings scanner.Settings) (*scanner.Orchestrator, error) {
	mock := s.cfg.MockHardware
	if mock {
		s.out.Status("Using mock scanner")
	} else {
		s.out.Status("Using real scanner")
	}

	driver, err := s.hw.NewMotionDriver(mock)
	if err != nil {
		return nil, err
	}
	motionOpts := []motion.Option{motion.WithStatus(s.out.Status)}
	scanOpts := []scanner.Option{scanner.WithClock(s.hw.Clock), scanner.WithStatus(s.out.Status)}
	if mock {
		motionOpts = append(motionOpts, motion.Simulated())
		scanOpts = append(scanOpts, scanner.Simulated())
	}
	if s.hw.FrameStore != nil {
		scanOpts = append(scanOpts, scanner.WithFrameStore(s.hw.FrameStore))
	}

	mot, err := motion.NewExecutor(settings.Motion, driver, motionOpts...)
	if err != nil {
		closeDriver(driver, s.log)
		return nil, err
	}
	sc, err := scanner.New(settings, s.hw.NewCamera(mock, settings.Camera), mot, scanOpts...)
	if err != nil {
		closeDriver(driver, s.log)
		return nil, err
	}

	s.mu.Lock()
	s.scan, s.scanDriver = sc, driver
	s.mu.Unlock()
	return sc, nil
}

func (s *Session) scannerCleanup(Command) (Response, error) {
	s.releaseScanner()
	return Response{"success": true, "initialized": false}, nil
}

func (s *Session) scannerScan(Command) (Response, error) {
	s.mu.Lock()
	sc := s.scan
	s.mu.Unlock()
	if sc == nil || !sc.Initialized() {
		return nil, hwerr.NotInitialized("Scanner")
	}

	result, err := sc.PerformScan(func(p scanner.Progress) {
		s.log.WithFields(logrus.Fields{
			"frame":    p.FrameNumber,
			"total":    p.TotalFrames,
			"position": p.PositionDegrees,
		}).Debug("frame captured")
	})
	if err != nil {
		return nil, err
	}
	return toResponse(result)
}

func (s *Session) scannerStatus(Command) (Response, error) {
	return toResponse(s.Status().Scanner)
}
