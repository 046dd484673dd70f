package ipc

// SubsystemCheck reports whether one hardware class can be used.
type SubsystemCheck struct {
	LibraryAvailable bool   `json:"library_available"`
	DevicesFound     int    `json:"devices_found"`
	Available        bool   `json:"available"`
	Mock             bool   `json:"mock"`
	Detail           string `json:"detail,omitempty"`
}

// HardwareCheck is the check_hardware answer.
type HardwareCheck struct {
	Camera SubsystemCheck `json:"camera"`
	DAQ    SubsystemCheck `json:"daq"`
}

// CheckHardware probes the configured camera address and enumerates serial
// ports. It never fails; problems land in Detail.
func (s *Session) CheckHardware() HardwareCheck {
	var hc HardwareCheck

	hc.Camera = SubsystemCheck{LibraryAvailable: s.hw.ProbeCamera != nil, Mock: s.cfg.MockCamera}
	switch addr := s.cfg.Scanner.Camera.CameraIPAddress; {
	case s.hw.ProbeCamera == nil:
		hc.Camera.Detail = "camera probing unavailable"
	case addr == "":
		hc.Camera.Detail = "no camera address configured"
	default:
		if err := s.hw.ProbeCamera(addr); err != nil {
			hc.Camera.Detail = err.Error()
		} else {
			hc.Camera.DevicesFound = 1
		}
	}
	hc.Camera.Available = hc.Camera.DevicesFound > 0

	hc.DAQ = SubsystemCheck{LibraryAvailable: s.hw.ListPorts != nil, Mock: s.cfg.MockDAQ}
	switch {
	case s.cfg.UsesEmulator():
		hc.DAQ.DevicesFound = 1
		hc.DAQ.Detail = "bridge emulator"
	case s.hw.ListPorts == nil:
		hc.DAQ.Detail = "serial enumeration unavailable"
	default:
		ports, err := s.hw.ListPorts()
		if err != nil {
			hc.DAQ.Detail = err.Error()
		}
		hc.DAQ.DevicesFound = len(ports)
	}
	hc.DAQ.Available = hc.DAQ.DevicesFound > 0
	return hc
}
