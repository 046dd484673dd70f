package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/fsutil"
	"github.com/banshee-data/bloom.scanner/internal/monitoring"
	"github.com/banshee-data/bloom.scanner/internal/timeutil"
)

const (
	// SimCaptureDelay is how long a simulated exposure takes.
	SimCaptureDelay = 100 * time.Millisecond
	// SimWidth and SimHeight size the synthesized frames.
	SimWidth  = 640
	SimHeight = 480
	// SimPatternCount is the number of synthesized frames, one per
	// default scan position.
	SimPatternCount = 72
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

// SimOptions configures a Simulated camera. Zero values select the real
// clock, the OS filesystem and SimCaptureDelay.
type SimOptions struct {
	// ImageDir holds recorded frames to replay. When empty or without
	// decodable images the camera synthesizes test patterns.
	ImageDir     string
	FS           fsutil.FileSystem
	Clock        timeutil.Clock
	CaptureDelay time.Duration
}

// Simulated replays recorded frames, or synthesized gradients, in order.
type Simulated struct {
	mu       sync.Mutex
	settings Settings
	opts     SimOptions
	log      *logrus.Entry

	open   bool
	frames []image.Image
	next   int
	fault  error
}

// NewSimulated returns a closed simulated camera.
func NewSimulated(settings Settings, opts SimOptions) *Simulated {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.CaptureDelay == 0 {
		opts.CaptureDelay = SimCaptureDelay
	}
	return &Simulated{
		settings: settings,
		opts:     opts,
		log:      monitoring.Component("camera"),
	}
}

// Open loads the frame set. Opening an open camera is a no-op.
func (c *Simulated) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}

	frames, err := loadFrames(c.opts.FS, c.opts.ImageDir)
	if err != nil {
		c.log.WithError(err).WithField("dir", c.opts.ImageDir).Warn("falling back to synthesized frames")
	}
	if len(frames) == 0 {
		frames = SyntheticFrames(SimPatternCount)
	}
	c.frames = frames
	c.next = 0
	c.open = true
	c.log.WithField("frames", len(frames)).Info("simulated camera open")
	return nil
}

// Close releases the frame set.
func (c *Simulated) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.frames = nil
	return nil
}

func (c *Simulated) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// FailNext makes the next capture return err.
func (c *Simulated) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = err
}

// GrabFrame waits the capture delay and returns the next frame in the set,
// wrapping around at the end.
func (c *Simulated) GrabFrame() (image.Image, error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil, ErrNotOpen
	}
	if err := c.fault; err != nil {
		c.fault = nil
		c.mu.Unlock()
		return nil, err
	}
	frame := c.frames[c.next%len(c.frames)]
	c.next++
	settings := c.settings
	c.mu.Unlock()

	c.opts.Clock.Sleep(c.opts.CaptureDelay)
	return Fit(frame, settings), nil
}

func (c *Simulated) GrabFrameEncoded() (string, error) {
	img, err := c.GrabFrame()
	if err != nil {
		return "", err
	}
	return EncodeDataURI(img)
}

func (c *Simulated) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Simulated) Configure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
	return nil
}

func (c *Simulated) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Connected: c.open, Mock: true, Available: true}
}

// SyntheticFrames returns n grayscale test patterns: a vertical gradient
// with a centred square whose brightness steps with the frame index.
func SyntheticFrames(n int) []image.Image {
	frames := make([]image.Image, n)
	for i := range n {
		img := image.NewGray(image.Rect(0, 0, SimWidth, SimHeight))
		for y := range SimHeight {
			v := uint8(255 * y / SimHeight)
			row := img.Pix[y*img.Stride : y*img.Stride+SimWidth]
			for x := range row {
				row[x] = v
			}
		}
		square := color.Gray{Y: uint8(255 * i / n)}
		cx, cy := SimWidth/2, SimHeight/2
		for y := cy - 40; y < cy+40; y++ {
			for x := cx - 50; x < cx+50; x++ {
				img.SetGray(x, y, square)
			}
		}
		frames[i] = img
	}
	return frames
}

// loadFrames decodes every image in dir, ordered by the number in the file
// stem so 2.png sorts before 10.png. Names without a number sort last, by
// name.
func loadFrames(fs fsutil.FileSystem, dir string) ([]image.Image, error) {
	if dir == "" {
		return nil, nil
	}
	names, err := fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list test images: %w", err)
	}

	var files []string
	for _, name := range names {
		if imageExtensions[strings.ToLower(filepath.Ext(name))] {
			files = append(files, name)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		ni, iok := stemNumber(files[i])
		nj, jok := stemNumber(files[j])
		switch {
		case iok && jok && ni != nj:
			return ni < nj
		case iok != jok:
			return iok
		}
		return files[i] < files[j]
	})

	frames := make([]image.Image, 0, len(files))
	for _, name := range files {
		data, err := fs.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return frames, fmt.Errorf("read %s: %w", name, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return frames, fmt.Errorf("decode %s: %w", name, err)
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func stemNumber(name string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
	return n, err == nil
}
