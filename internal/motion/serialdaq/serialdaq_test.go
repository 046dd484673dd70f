package serialdaq

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/bloom.scanner/internal/hwerr"
	"github.com/banshee-data/bloom.scanner/internal/motion"
	"github.com/banshee-data/bloom.scanner/internal/pulse"
	"github.com/banshee-data/bloom.scanner/internal/serialmux"
)

func openEmulated(t *testing.T) (*Emulator, *Driver) {
	t.Helper()
	emu := NewEmulator()
	d := emu.NewDriver()
	require.NoError(t, d.OpenChannel("cDAQ1Mod1", motion.Lines{Step: 0, Direction: 1}))
	t.Cleanup(func() { d.Close() })
	return emu, d
}

func TestDriver_OpenChannel(t *testing.T) {
	emu, d := openEmulated(t)
	assert.Equal(t, EmulatorFirmware, d.Firmware())
	assert.Equal(t, []string{"PING", "OPEN"}, emu.Commands())
}

func TestDriver_ExecutorEndToEnd(t *testing.T) {
	emu := NewEmulator()
	exec, err := motion.NewExecutor(motion.DefaultSettings(), emu.NewDriver())
	require.NoError(t, err)
	require.NoError(t, exec.Initialize())
	defer exec.Cleanup()

	require.NoError(t, exec.Rotate(90))
	assert.InDelta(t, 90.0, exec.Position(), 1e-9)
	assert.Equal(t, 1600, emu.NetSteps())

	require.NoError(t, exec.Home())
	assert.Equal(t, 0.0, exec.Position())
	assert.Equal(t, 0, emu.NetSteps())

	cmds := strings.Join(emu.Commands(), " ")
	assert.Contains(t, cmds, "TIMING WRITE")
	assert.Contains(t, cmds, "START STOP")
}

func TestDriver_WriteChunks(t *testing.T) {
	emu, d := openEmulated(t)

	train, err := pulse.Generate(500, pulse.Forward, 40000) // 20000 samples, 5000 bytes
	require.NoError(t, err)
	require.NoError(t, d.ConfigureTiming(40000, len(train)))
	require.NoError(t, d.Write(train))

	writes := 0
	for _, c := range emu.Commands() {
		if c == "WRITE" {
			writes++
		}
	}
	assert.Equal(t, 3, writes)

	require.NoError(t, d.Start())
	require.NoError(t, d.WaitUntilDone(motion.WaitTimeout))
	assert.Equal(t, 500, emu.NetSteps())
}

func TestDriver_BridgeErrorBecomesDeviceError(t *testing.T) {
	emu := NewEmulator()
	exec, err := motion.NewExecutor(motion.DefaultSettings(), emu.NewDriver())
	require.NoError(t, err)
	require.NoError(t, exec.Initialize())
	defer exec.Cleanup()

	emu.Fail("START", "clock not armed")
	err = exec.Rotate(10)
	require.Error(t, err)
	assert.ErrorIs(t, err, hwerr.ErrDeviceError)
	assert.ErrorIs(t, err, ErrBridge)
	assert.Contains(t, err.Error(), "clock not armed")
	assert.Equal(t, 0.0, exec.Position())

	cmds := emu.Commands()
	assert.Equal(t, "STOP", cmds[len(cmds)-1])
}

func TestDriver_WaitTimesOutUntilDone(t *testing.T) {
	emu, d := openEmulated(t)
	emu.DoneDelay = 100 * time.Millisecond

	train, err := pulse.Generate(4, pulse.Reverse, 40000)
	require.NoError(t, err)
	require.NoError(t, d.ConfigureTiming(40000, len(train)))
	require.NoError(t, d.Write(train))
	require.NoError(t, d.Start())

	assert.ErrorIs(t, d.WaitUntilDone(5*time.Millisecond), motion.ErrWaitTimeout)
	assert.NoError(t, d.WaitUntilDone(2*time.Second))
	assert.NoError(t, d.WaitUntilDone(time.Millisecond), "done stays latched until the next start")
	assert.Equal(t, -4, emu.NetSteps())
}

func TestDriver_NoReply(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	d := New(serialmux.NewSerialMux(port))
	d.SetReplyTimeout(20 * time.Millisecond)

	err := d.OpenChannel("dev", motion.Lines{Step: 0, Direction: 1})
	assert.ErrorIs(t, err, ErrNoReply)
	assert.Contains(t, err.Error(), "PING")
	d.Close()
}

func TestDriver_Close(t *testing.T) {
	emu, d := openEmulated(t)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, emu.Port.Closed)
	assert.Contains(t, emu.Commands(), "CLOSE")

	err := d.OpenChannel("dev", motion.Lines{Step: 0, Direction: 1})
	assert.True(t, errors.Is(err, ErrDisconnected))
	assert.ErrorIs(t, d.WaitUntilDone(time.Millisecond), ErrDisconnected)
}

func TestVerb(t *testing.T) {
	assert.Equal(t, "WRITE", verb("WRITE 0 ab"))
	assert.Equal(t, "STOP", verb("STOP"))
}

func TestOpenWith(t *testing.T) {
	emu := NewEmulator()
	ports := serialmux.NewMockSerialPortFactory(emu.Port)

	d, err := OpenWith(ports, "/dev/ttyACM0", serialmux.PortOptions{BaudRate: 57600})
	require.NoError(t, err)
	defer d.Close()
	require.NoError(t, d.OpenChannel("cDAQ1Mod1", motion.Lines{Step: 0, Direction: 1}))
	assert.Equal(t, EmulatorFirmware, d.Firmware())

	call := ports.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyACM0", call.Path)
	assert.Equal(t, 57600, call.Options.BaudRate)

	ports.Error = errors.New("device busy")
	_, err = OpenWith(ports, "/dev/ttyACM0", serialmux.PortOptions{})
	assert.ErrorContains(t, err, "device busy")

	d2, err := OpenWith(NewEmulator(), "anything", serialmux.PortOptions{})
	require.NoError(t, err)
	assert.NoError(t, d2.Close())
}
