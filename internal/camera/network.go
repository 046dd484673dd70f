package camera

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/httputil"
	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
)

// DefaultRequestTimeout bounds every request to a network camera.
const DefaultRequestTimeout = 5 * time.Second

// maxSnapshotBytes caps a snapshot body; a 4K 16-bit TIFF fits comfortably.
const maxSnapshotBytes = 64 << 20

// deviceConfig is the body of PUT /settings.
type deviceConfig struct {
	ExposureTime float64  `json:"exposure_time"`
	Gain         float64  `json:"gain"`
	GainAuto     string   `json:"gain_auto"`
	Gamma        float64  `json:"gamma"`
	Brightness   *float64 `json:"brightness,omitempty"`
	Contrast     *float64 `json:"contrast,omitempty"`
}

// NetworkOptions configures a Network camera. A nil Client selects a
// standard client with DefaultRequestTimeout; an empty Scheme means http.
type NetworkOptions struct {
	Client httputil.HTTPClient
	Scheme string
}

// Network is a camera reached over HTTP at Settings.CameraIPAddress. It
// pushes exposure settings with PUT /settings, captures with GET /snapshot
// and is probed with GET /status.
type Network struct {
	mu       sync.Mutex
	client   httputil.HTTPClient
	scheme   string
	settings Settings
	log      *logrus.Entry
	open     bool
}

// NewNetwork returns a closed network camera.
func NewNetwork(settings Settings, opts NetworkOptions) *Network {
	if opts.Client == nil {
		opts.Client = httputil.NewTimeoutClient(DefaultRequestTimeout)
	}
	return &Network{
		client:   opts.Client,
		scheme:   opts.Scheme,
		settings: settings,
		log:      monitoring.Component("camera"),
	}
}

// BaseURL returns the camera's root URL. An address that carries its own
// scheme is used as is; otherwise scheme, or http when empty, is prepended.
func BaseURL(address, scheme string) string {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	if strings.Contains(address, "://") {
		return address
	}
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + address
}

// Open checks the camera answers and pushes the current settings.
func (c *Network) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	if c.settings.CameraIPAddress == "" {
		return hwerr.InvalidArgument("camera_ip_address is required")
	}
	if err := c.probe(); err != nil {
		return hwerr.Device("connect camera", err)
	}
	if err := c.push(c.settings); err != nil {
		return hwerr.Device("configure camera", err)
	}
	c.open = true
	c.log.WithField("address", c.settings.CameraIPAddress).Info("network camera open")
	return nil
}

func (c *Network) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *Network) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Probe reports whether the camera at address answers its status endpoint.
func Probe(address string, opts NetworkOptions) error {
	return NewNetwork(Settings{CameraIPAddress: address}, opts).probe()
}

func (c *Network) probe() error {
	resp, err := c.do(http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Network) push(s Settings) error {
	body, err := json.Marshal(deviceConfig{
		ExposureTime: s.ExposureTime,
		Gain:         s.Gain,
		GainAuto:     "Off",
		Gamma:        s.Gamma,
		Brightness:   s.Brightness,
		Contrast:     s.Contrast,
	})
	if err != nil {
		return err
	}
	resp, err := c.do(http.MethodPut, "/settings", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends a request and returns the response only for a 2xx status.
func (c *Network) do(method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, BaseURL(c.settings.CameraIPAddress, c.scheme)+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// GrabFrame fetches and decodes one snapshot. PNG, JPEG, BMP and TIFF
// bodies are accepted.
func (c *Network) GrabFrame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrNotOpen
	}

	resp, err := c.do(http.MethodGet, "/snapshot", nil)
	if err != nil {
		return nil, hwerr.Device("grab frame", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, hwerr.Device("read frame", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, hwerr.Device("decode frame", err)
	}
	c.log.WithFields(logrus.Fields{"format": format, "bytes": len(data)}).Debug("frame captured")
	return Fit(img, c.settings), nil
}

func (c *Network) GrabFrameEncoded() (string, error) {
	img, err := c.GrabFrame()
	if err != nil {
		return "", err
	}
	return EncodeDataURI(img)
}

func (c *Network) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Configure stores s and, when the camera is open, pushes it to the device.
func (c *Network) Configure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		if err := c.push(s); err != nil {
			return hwerr.Device("configure camera", err)
		}
	}
	c.settings = s
	return nil
}

func (c *Network) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Connected: c.open, Available: true, Address: c.settings.CameraIPAddress}
}
