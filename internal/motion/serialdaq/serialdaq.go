// Package serialdaq implements motion.Driver for a DAQ bridge attached over a
// serial line. The bridge clocks pulse trains out on two digital lines and
// speaks a newline protocol: every command is answered with "OK [detail]"
// or "ERR <message>", and a finished generation is announced with "DONE".
//
//	PING                        -> OK <firmware>
//	OPEN <device> <step> <dir>  -> OK
//	TIMING <rate> <samples>     -> OK
//	WRITE <offset> <hex>        -> OK     (two bits per sample, see pulse.Train.Pack)
//	START                       -> OK, later DONE
//	STOP                        -> OK
//	CLOSE                       -> OK
package serialdaq

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/bloom.scanner/internal/monitoring"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/pulse"
	"github.com/banshee-data/bloom.scanner/internal/serialmux"
)

const (
	// DefaultReplyTimeout bounds how long a command waits for OK or ERR.
	DefaultReplyTimeout = 2 * time.Second
	// MaxChunkBytes is the packed payload carried by one WRITE line.
	MaxChunkBytes = 2048
)

var (
	// ErrBridge is returned when the bridge answers ERR.
	ErrBridge = errors.New("bridge error")
	// ErrNoReply is returned when the bridge does not answer in time.
	ErrNoReply = errors.New("no reply from bridge")
	// ErrDisconnected is returned once the serial line has gone away.
	ErrDisconnected = errors.New("bridge disconnected")
)

// Driver talks to the bridge through a serial mux it owns.
type Driver struct {
	mux          serialmux.SerialMuxInterface
	replyTimeout time.Duration
	log          *logrus.Entry

	reqMu     sync.Mutex
	subID     string
	lines     chan string
	cancel    context.CancelFunc
	monitored chan struct{}
	firmware  string
	done      bool
	closed    bool
}

// New returns a driver over mux. The mux is started by OpenChannel and
// closed by Close.
func New(mux serialmux.SerialMuxInterface) *Driver {
	return &Driver{
		mux:          mux,
		replyTimeout: DefaultReplyTimeout,
		log:          monitoring.Component("serialdaq"),
	}
}

// Open opens the serial port at path and returns a driver for it.
func Open(path string, opts serialmux.PortOptions) (*Driver, error) {
	return OpenWith(serialmux.RealSerialPortFactory{}, path, opts)
}

// OpenWith opens path through ports and returns a driver for it.
func OpenWith(ports serialmux.SerialPortFactory, path string, opts serialmux.PortOptions) (*Driver, error) {
	port, err := ports.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return New(serialmux.NewSerialMux(port)), nil
}

// SetReplyTimeout changes how long commands wait for an answer.
func (d *Driver) SetReplyTimeout(timeout time.Duration) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	d.replyTimeout = timeout
}

// Mux returns the underlying serial mux, for the debug routes.
func (d *Driver) Mux() serialmux.SerialMuxInterface {
	return d.mux
}

// Firmware returns the bridge's PING detail, empty before OpenChannel.
func (d *Driver) Firmware() string {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	return d.firmware
}

// OpenChannel starts reading the port, checks the bridge is alive and binds
// the output lines.
func (d *Driver) OpenChannel(device string, lines motion.Lines) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	if d.closed {
		return ErrDisconnected
	}
	if d.lines == nil {
		d.subID, d.lines = d.mux.Subscribe()
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.monitored = make(chan struct{})
		go func() {
			defer close(d.monitored)
			if err := d.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.WithError(err).Warn("bridge monitor stopped")
			}
		}()
	}

	fw, err := d.request("PING")
	if err != nil {
		return err
	}
	d.firmware = fw
	if _, err := d.request(fmt.Sprintf("OPEN %s %d %d", device, lines.Step, lines.Direction)); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"firmware": fw, "device": device}).Info("bridge channel open")
	return nil
}

func (d *Driver) ConfigureTiming(sampleRateHz, samples int) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	_, err := d.request(fmt.Sprintf("TIMING %d %d", sampleRateHz, samples))
	return err
}

// Write sends the packed train in chunks of at most MaxChunkBytes.
func (d *Driver) Write(train pulse.Train) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	packed := train.Pack()
	for off := 0; off < len(packed); off += MaxChunkBytes {
		end := min(off+MaxChunkBytes, len(packed))
		if _, err := d.request(fmt.Sprintf("WRITE %d %s", off, hex.EncodeToString(packed[off:end]))); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) Start() error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	d.done = false
	_, err := d.request("START")
	return err
}

// WaitUntilDone waits up to timeout for the bridge's DONE line.
func (d *Driver) WaitUntilDone(timeout time.Duration) error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	if d.done {
		return nil
	}
	if d.lines == nil {
		return ErrDisconnected
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return ErrDisconnected
			}
			if serialmux.ClassifyLine(line) == serialmux.LineDone {
				d.done = true
				return nil
			}
			d.logStray(line)
		case <-timer.C:
			return motion.ErrWaitTimeout
		}
	}
}

func (d *Driver) Stop() error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()
	_, err := d.request("STOP")
	return err
}

// Close releases the channel and the serial port. It is safe to call more
// than once.
func (d *Driver) Close() error {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var first error
	if d.lines != nil {
		if _, err := d.request("CLOSE"); err != nil {
			first = err
		}
		d.mux.Unsubscribe(d.subID)
		d.lines = nil
	}
	if err := d.mux.Close(); err != nil && first == nil {
		first = err
	}
	if d.cancel != nil {
		d.cancel()
		<-d.monitored
	}
	return first
}

// request sends one command and waits for its answer. Callers hold reqMu.
func (d *Driver) request(command string) (string, error) {
	if d.lines == nil {
		return "", ErrDisconnected
	}
	if err := d.mux.SendCommand(command); err != nil {
		return "", fmt.Errorf("send %s: %w", verb(command), err)
	}

	timer := time.NewTimer(d.replyTimeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return "", ErrDisconnected
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.LineAck:
				return serialmux.LineDetail(line), nil
			case serialmux.LineError:
				return "", fmt.Errorf("%w: %s: %s", ErrBridge, verb(command), serialmux.LineDetail(line))
			case serialmux.LineDone:
				d.done = true
			default:
				d.logStray(line)
			}
		case <-timer.C:
			return "", fmt.Errorf("%w: %s after %s", ErrNoReply, verb(command), d.replyTimeout)
		}
	}
}

func (d *Driver) logStray(line string) {
	if serialmux.ClassifyLine(line) == serialmux.LineInfo {
		d.log.Debug(line)
		return
	}
	d.log.WithField("line", line).Warn("unexpected line from bridge")
}

func verb(command string) string {
	for i, c := range command {
		if c == ' ' {
			return command[:i]
		}
	}
	return command
}
