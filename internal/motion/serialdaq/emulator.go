package serialdaq

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/bloom.scanner/internal/pulse"
	"github.com/banshee-data/bloom.scanner/internal/serialmux"
)

// EmulatorFirmware is the PING detail reported by the emulator.
const EmulatorFirmware = "bloom-daq-emulator 1.0"

// Emulator plays the bridge firmware on the far side of an in-memory serial
// port, so the serial driver can run end to end without hardware.
type Emulator struct {
	Port *serialmux.TestableSerialPort

	// DoneDelay postpones the DONE line after START. Zero answers at once.
	DoneDelay time.Duration

	mu       sync.Mutex
	pending  []byte
	open     bool
	rate     int
	samples  int
	buf      []byte
	running  bool
	netSteps int
	commands []string
	failures map[string]string
}

// NewEmulator returns an emulator with a blocking in-memory port.
func NewEmulator() *Emulator {
	e := &Emulator{
		Port:     serialmux.NewTestableSerialPort(),
		failures: make(map[string]string),
	}
	e.Port.BlockReads = true
	e.Port.Respond = e.respond
	return e
}

// NewDriver returns a Driver connected to the emulator.
func (e *Emulator) NewDriver() *Driver {
	return New(serialmux.NewSerialMux(e.Port))
}

// Open implements serialmux.SerialPortFactory; every path reaches the
// emulator.
func (e *Emulator) Open(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
	return e.Port, nil
}

// Fail makes the next command with the given verb answer ERR message.
func (e *Emulator) Fail(verb, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[verb] = message
}

// Commands returns the verbs received so far.
func (e *Emulator) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// NetSteps returns the signed steps of all generations that ran to DONE.
func (e *Emulator) NetSteps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.netSteps
}

// respond runs under the port's lock, so late DONE lines are queued from a
// separate goroutine.
func (e *Emulator) respond(written []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = append(e.pending, written...)
	var out bytes.Buffer
	for {
		i := bytes.IndexByte(e.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(e.pending[:i]))
		e.pending = e.pending[i+1:]
		if line != "" {
			out.WriteString(e.handle(line))
		}
	}
	return out.Bytes()
}

func (e *Emulator) handle(line string) string {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]
	e.commands = append(e.commands, cmd)

	if msg, ok := e.failures[cmd]; ok {
		delete(e.failures, cmd)
		return "ERR " + msg + "\n"
	}

	switch cmd {
	case "PING":
		return "OK " + EmulatorFirmware + "\n"
	case "OPEN":
		if len(args) != 3 {
			return "ERR usage: OPEN <device> <step> <dir>\n"
		}
		e.open = true
		return "OK\n"
	case "TIMING":
		if !e.open {
			return "ERR channel not open\n"
		}
		if len(args) != 2 {
			return "ERR usage: TIMING <rate> <samples>\n"
		}
		rate, err1 := strconv.Atoi(args[0])
		samples, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || rate <= 0 || samples < 0 {
			return "ERR bad timing\n"
		}
		e.rate, e.samples = rate, samples
		e.buf = make([]byte, (samples+3)/4)
		return "OK\n"
	case "WRITE":
		if len(args) != 2 {
			return "ERR usage: WRITE <offset> <hex>\n"
		}
		off, err := strconv.Atoi(args[0])
		data, herr := hex.DecodeString(args[1])
		if err != nil || herr != nil || off < 0 || off+len(data) > len(e.buf) {
			return "ERR bad write\n"
		}
		copy(e.buf[off:], data)
		return "OK\n"
	case "START":
		if !e.open || e.rate == 0 {
			return "ERR not configured\n"
		}
		e.running = true
		steps := pulse.Unpack(e.buf, e.samples).Steps()
		if e.DoneDelay <= 0 {
			e.complete(steps)
			return "OK\nDONE\n"
		}
		time.AfterFunc(e.DoneDelay, func() {
			e.mu.Lock()
			ran := e.running
			if ran {
				e.complete(steps)
			}
			e.mu.Unlock()
			if ran {
				e.Port.AddReadData([]byte("DONE\n"))
			}
		})
		return "OK\n"
	case "STOP":
		e.running = false
		return "OK\n"
	case "CLOSE":
		e.open = false
		e.running = false
		return "OK\n"
	default:
		return fmt.Sprintf("ERR unknown command %s\n", cmd)
	}
}

// complete records a finished generation. Callers hold mu.
func (e *Emulator) complete(steps int) {
	e.running = false
	e.netSteps += steps
}
