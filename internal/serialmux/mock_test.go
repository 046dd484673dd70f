package serialmux

import (
	"errors"
	"testing"
	"time"
)

func TestTestableSerialPort_ReadWrite(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("OK\n"))

	buf := make([]byte, 16)
	n, err := port.Read(buf)
	if err != nil || string(buf[:n]) != "OK\n" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	if _, err := port.Write([]byte("START\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := string(port.GetWrittenData()); got != "START\n" {
		t.Errorf("written = %q", got)
	}
	if port.ReadCalls != 1 || port.WriteCalls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", port.ReadCalls, port.WriteCalls)
	}
}

func TestTestableSerialPort_OneShotErrors(t *testing.T) {
	port := NewTestableSerialPort()
	readErr := errors.New("read failed")
	writeErr := errors.New("write failed")
	port.ReadError = readErr
	port.WriteError = writeErr

	if _, err := port.Read(make([]byte, 1)); !errors.Is(err, readErr) {
		t.Errorf("first Read error = %v", err)
	}
	if _, err := port.Write([]byte("x")); !errors.Is(err, writeErr) {
		t.Errorf("first Write error = %v", err)
	}
	if _, err := port.Write([]byte("x")); err != nil {
		t.Errorf("second Write should succeed, got %v", err)
	}
}

func TestTestableSerialPort_Respond(t *testing.T) {
	port := NewTestableSerialPort()
	port.Respond = func(written []byte) []byte {
		if string(written) == "PING\n" {
			return []byte("OK PONG\n")
		}
		return nil
	}

	port.Write([]byte("PING\n"))
	port.Write([]byte("NOPE\n"))

	buf := make([]byte, 32)
	n, _ := port.Read(buf)
	if got := string(buf[:n]); got != "OK PONG\n" {
		t.Errorf("reply = %q", got)
	}
}

func TestTestableSerialPort_CloseUnblocksReader(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 1))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	port.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from Read on closed port")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on Close")
	}
	if _, err := port.Write([]byte("x")); err == nil {
		t.Error("expected error from Write on closed port")
	}
}

func TestTestableSerialPort_Reset(t *testing.T) {
	port := NewTestableSerialPort()
	port.Write([]byte("abc"))
	port.Close()
	port.Reset()

	if port.Closed || port.WriteCalls != 0 || len(port.GetWrittenData()) != 0 {
		t.Error("Reset did not clear state")
	}
}

func TestMockSerialPortFactory(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)

	if factory.LastCall() != nil {
		t.Error("expected no calls yet")
	}

	got, err := factory.Open("/dev/ttyACM0", PortOptions{BaudRate: 115200})
	if err != nil || got != port {
		t.Fatalf("Open = %v, %v", got, err)
	}
	call := factory.LastCall()
	if call.Path != "/dev/ttyACM0" || call.Options.BaudRate != 115200 {
		t.Errorf("unexpected call %+v", call)
	}

	factory.Error = errors.New("busy")
	if _, err := factory.Open("/dev/ttyACM0", PortOptions{}); err == nil {
		t.Error("expected configured error")
	}

	factory.Reset()
	if factory.LastCall() != nil || factory.Error != nil {
		t.Error("Reset did not clear calls")
	}
}

func TestSerialPortOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var f SerialPortFactory = SerialPortOpener(func(path string, opts PortOptions) (SerialPorter, error) {
		return port, nil
	})
	got, err := f.Open("x", PortOptions{})
	if err != nil || got != port {
		t.Errorf("Open = %v, %v", got, err)
	}
}
