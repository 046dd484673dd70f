package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/bloom.scanner/internal/camera"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
)

var errCameraNotConnected = fmt.Errorf("%w: Camera not connected. Call connect() first or provide settings.", hwerr.ErrNotInitialized)

func (s *Session) cameraActions() map[string]handler {
	return map[string]handler{
		"connect":      s.cameraConnect,
		"disconnect":   s.cameraDisconnect,
		"capture":      s.cameraCapture,
		"configure":    s.cameraConfigure,
		"start_stream": s.cameraStartStream,
		"stop_stream":  s.cameraStopStream,
		"status":       s.cameraStatus,
	}
}

// cameraFor returns the session camera, creating it from the configured
// defaults and raw on first use. An existing camera is reconfigured when raw
// carries settings.
func (s *Session) cameraFor(raw json.RawMessage) (camera.Camera, error) {
	s.mu.Lock()
	cam := s.cam
	s.mu.Unlock()

	base := s.cfg.Scanner.Camera
	if cam != nil {
		base = cam.Settings()
	}
	settings, err := overlay(base, raw)
	if err != nil {
		return nil, err
	}

	if cam != nil {
		if hasSettings(raw) {
			if err := cam.Configure(settings); err != nil {
				return nil, err
			}
		}
		return cam, nil
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if s.cfg.MockCamera {
		s.out.Status("Using mock camera")
	} else {
		s.out.Status("Using network camera")
	}
	cam = s.hw.NewCamera(s.cfg.MockCamera, settings)
	s.mu.Lock()
	s.cam = cam
	s.mu.Unlock()
	return cam, nil
}

// openCamera returns an open camera: the connected one, or one built and
// opened from raw when settings are supplied.
func (s *Session) openCamera(raw json.RawMessage) (camera.Camera, error) {
	s.mu.Lock()
	cam := s.cam
	s.mu.Unlock()
	if cam != nil && cam.IsOpen() {
		return cam, nil
	}
	if !hasSettings(raw) {
		return nil, errCameraNotConnected
	}
	cam, err := s.cameraFor(raw)
	if err != nil {
		return nil, err
	}
	if err := cam.Open(); err != nil {
		return nil, err
	}
	return cam, nil
}

func (s *Session) cameraConnect(cmd Command) (Response, error) {
	cam, err := s.cameraFor(cmd.Settings)
	if err != nil {
		return nil, err
	}
	if err := cam.Open(); err != nil {
		return nil, err
	}
	return Response{"success": true, "connected": true}, nil
}

func (s *Session) cameraDisconnect(Command) (Response, error) {
	if _, stopped := s.stream.Stop(); stopped {
		s.out.Status("Streaming stopped")
	}
	s.closeCamera()
	return Response{"success": true, "connected": false}, nil
}

func (s *Session) cameraCapture(cmd Command) (Response, error) {
	cam, err := s.openCamera(cmd.Settings)
	if err != nil {
		return nil, err
	}
	img, err := cam.GrabFrame()
	if err != nil {
		return nil, err
	}
	uri, err := camera.EncodeDataURI(img)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return Response{
		"success": true,
		"image":   uri,
		"width":   b.Dx(),
		"height":  b.Dy(),
	}, nil
}

func (s *Session) cameraConfigure(cmd Command) (Response, error) {
	s.mu.Lock()
	cam := s.cam
	s.mu.Unlock()
	if cam == nil {
		return nil, fmt.Errorf("%w: Camera not connected. Call connect() first.", hwerr.ErrNotInitialized)
	}
	settings, err := overlay(cam.Settings(), cmd.Settings)
	if err != nil {
		return nil, err
	}
	if err := cam.Configure(settings); err != nil {
		return nil, err
	}
	return Response{"success": true, "configured": true}, nil
}

func (s *Session) cameraStartStream(cmd Command) (Response, error) {
	if s.stream.Active() {
		return Response{"success": true, "streaming": true, "message": "Already streaming"}, nil
	}
	cam, err := s.openCamera(cmd.Settings)
	if err != nil {
		return nil, err
	}
	if err := s.stream.Start(cam); err != nil {
		return nil, err
	}
	s.out.Status("Streaming started")
	return Response{"success": true, "streaming": true}, nil
}

func (s *Session) cameraStopStream(Command) (Response, error) {
	stats, stopped := s.stream.Stop()
	if !stopped {
		return Response{"success": true, "streaming": false, "message": "Not streaming"}, nil
	}
	s.out.Statusf("Streaming stopped after %d frames (%.1f fps)", stats.Frames, stats.AchievedFPS())
	return Response{"success": true, "streaming": false, "stats": stats}, nil
}

func (s *Session) cameraStatus(Command) (Response, error) {
	st := s.Status()
	return Response{
		"success":   true,
		"connected": st.Camera.Connected,
		"mock":      s.cfg.MockCamera,
		"available": st.Camera.Available,
		"streaming": st.Stream.Active,
		"stream":    st.Stream,
	}, nil
}
