package ipc

import (
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/pulse"
)

func (s *Session) daqActions() map[string]handler {
	return map[string]handler{
		"initialize": s.daqInitialize,
		"cleanup":    s.daqCleanup,
		"rotate":     s.daqRotate,
		"step":       s.daqStep,
		"home":       s.daqHome,
		"status":     s.daqStatus,
	}
}

func (s *Session) daqInitialize(cmd Command) (Response, error) {
	s.mu.Lock()
	daq := s.daq
	s.mu.Unlock()

	base := s.cfg.Scanner.Motion
	if daq != nil {
		base = daq.Settings()
	}
	settings, err := overlay(base, cmd.Settings)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if daq != nil && daq.Settings() != settings {
		s.out.Status("DAQ settings changed, reinitializing")
		s.releaseDAQ()
		daq = nil
	}
	created := daq == nil
	if created {
		driver, err := s.hw.NewMotionDriver(s.cfg.MockDAQ)
		if err != nil {
			return nil, err
		}
		opts := []motion.Option{motion.WithStatus(s.out.Status)}
		if s.cfg.MockDAQ {
			s.out.Status("Using mock DAQ")
			opts = append(opts, motion.Simulated())
		} else {
			s.out.Status("Using DAQ bridge")
		}
		daq, err = motion.NewExecutor(settings, driver, opts...)
		if err != nil {
			closeDriver(driver, s.log)
			return nil, err
		}
		s.mu.Lock()
		s.daq, s.daqDriver = daq, driver
		s.mu.Unlock()
	}

	if err := daq.Initialize(); err != nil {
		if created {
			s.releaseDAQ()
		}
		return nil, err
	}
	return Response{"success": true, "initialized": true}, nil
}

func (s *Session) daqCleanup(Command) (Response, error) {
	s.releaseDAQ()
	return Response{"success": true, "initialized": false}, nil
}

// initializedDAQ returns the executor if it is ready to move.
func (s *Session) initializedDAQ() (*motion.Executor, error) {
	s.mu.Lock()
	daq := s.daq
	s.mu.Unlock()
	if daq == nil || !daq.Initialized() {
		return nil, hwerr.NotInitialized("DAQ")
	}
	return daq, nil
}

func (s *Session) daqRotate(cmd Command) (Response, error) {
	daq, err := s.initializedDAQ()
	if err != nil {
		return nil, err
	}
	if cmd.Degrees == nil {
		return nil, hwerr.InvalidArgument("degrees parameter required for rotate action")
	}
	if err := daq.Rotate(*cmd.Degrees); err != nil {
		return nil, err
	}
	return Response{"success": true, "position": daq.Position()}, nil
}

func (s *Session) daqStep(cmd Command) (Response, error) {
	daq, err := s.initializedDAQ()
	if err != nil {
		return nil, err
	}
	if cmd.NumSteps == nil {
		return nil, hwerr.InvalidArgument("num_steps parameter required for step action")
	}
	direction := pulse.Forward
	if cmd.Direction != nil {
		direction = *cmd.Direction
	}
	if err := daq.Step(*cmd.NumSteps, direction); err != nil {
		return nil, err
	}
	return Response{"success": true, "position": daq.Position()}, nil
}

func (s *Session) daqHome(Command) (Response, error) {
	daq, err := s.initializedDAQ()
	if err != nil {
		return nil, err
	}
	if err := daq.Home(); err != nil {
		return nil, err
	}
	return Response{"success": true, "position": daq.Position()}, nil
}

func (s *Session) daqStatus(Command) (Response, error) {
	resp, err := toResponse(s.Status().DAQ)
	if err != nil {
		return nil, err
	}
	resp["mock"] = s.cfg.MockDAQ
	return resp, nil
}
