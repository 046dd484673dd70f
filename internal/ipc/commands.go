package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/version"
)

// Command is one decoded input line. Only Command is required; the other
// fields are read by the actions that use them.
type Command struct {
	Command  string          `json:"command"`
	Action   string          `json:"action,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`

	Degrees   *float64 `json:"degrees,omitempty"`
	NumSteps  *int     `json:"num_steps,omitempty"`
	Direction *int     `json:"direction,omitempty"`

	Profile     string `json:"profile,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Response is the DATA payload of a command.
type Response map[string]any

// protocolError is answered with an ERROR line instead of a DATA failure.
type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }

func protocolErrorf(format string, args ...any) error {
	return &protocolError{msg: fmt.Sprintf(format, args...)}
}

type handler func(Command) (Response, error)

// HandleLine decodes and runs one input line.
func (s *Session) HandleLine(line string) {
	var cmd Command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		s.out.Errorf("Invalid JSON: %v", err)
		return
	}
	s.Handle(cmd)
}

// Handle runs cmd and writes its answer.
func (s *Session) Handle(cmd Command) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("command", cmd.Command).Errorf("command panicked: %v", r)
			s.out.Errorf("Command error: %v", r)
		}
	}()

	resp, err := s.dispatch(cmd)
	var perr *protocolError
	switch {
	case errors.As(err, &perr):
		s.out.Error(perr.msg)
	case err != nil:
		s.log.WithField("command", cmd.Command).WithField("action", cmd.Action).WithError(err).Debug("command failed")
		s.out.Data(Response{"success": false, "error": err.Error(), "error_kind": hwerr.Kind(err)})
	default:
		s.out.Data(resp)
	}
}

func (s *Session) dispatch(cmd Command) (Response, error) {
	switch cmd.Command {
	case "ping":
		return Response{"status": "ok", "message": "pong"}, nil
	case "get_version":
		return toResponse(version.Get())
	case "check_hardware":
		return toResponse(s.CheckHardware())
	case "camera":
		return s.route("camera", cmd, s.cameraActions())
	case "daq":
		return s.route("DAQ", cmd, s.daqActions())
	case "scanner":
		return s.route("scanner", cmd, s.scannerActions())
	case "profile":
		return s.route("profile", cmd, s.profileActions())
	default:
		return nil, protocolErrorf("Unknown command: %s", cmd.Command)
	}
}

func (s *Session) route(subsystem string, cmd Command, actions map[string]handler) (Response, error) {
	h, ok := actions[cmd.Action]
	if !ok {
		return nil, protocolErrorf("Unknown %s action: %s", subsystem, cmd.Action)
	}
	return h(cmd)
}

// toResponse flattens a struct into a successful response.
func toResponse(v any) (Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	resp := Response{}
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, err
	}
	if _, ok := resp["success"]; !ok {
		resp["success"] = true
	}
	return resp, nil
}
