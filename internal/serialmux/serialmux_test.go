package serialmux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// partialWritePort writes one byte less than asked.
type partialWritePort struct{ *TestableSerialPort }

func (p partialWritePort) Write(data []byte) (int, error) {
	n, err := p.TestableSerialPort.Write(data)
	if n > 0 {
		n--
	}
	return n, err
}

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if mux.port != port {
		t.Error("SerialMux port not set correctly")
	}
	if mux.subscribers == nil {
		t.Error("SerialMux subscribers map not initialized")
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("expected two distinct IDs, got %q and %q", id1, id2)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}

	// unknown IDs are ignored
	mux.Unsubscribe("does-not-exist")

	mux.subscriberMu.Lock()
	defer mux.subscriberMu.Unlock()
	if len(mux.subscribers) != 1 {
		t.Errorf("expected 1 subscriber, got %d", len(mux.subscribers))
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("START"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := mux.SendCommand("STOP\n"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := string(port.GetWrittenData()); got != "START\nSTOP\n" {
		t.Errorf("written = %q", got)
	}
}

func TestSerialMux_SendCommand_Errors(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = io.ErrClosedPipe
	mux := NewSerialMux(port)
	if err := mux.SendCommand("START"); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected write error, got %v", err)
	}

	short := NewSerialMux(partialWritePort{NewTestableSerialPort()})
	if err := short.SendCommand("START"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("OK\r\nDONE\n"))

	for _, ch := range []chan string{a, b} {
		for _, want := range []string{"OK", "DONE"} {
			select {
			case got := <-ch:
				if got != want {
					t.Errorf("got %q, want %q", got, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_MonitorReturnsNilAfterClose(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v after Close, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = io.ErrUnexpectedEOF
	mux := NewSerialMux(port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mux.Monitor(ctx); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Monitor returned %v, want read error", err)
	}
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	id1, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	for i, ch := range []chan string{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Errorf("expected channel %d to be closed", i)
		}
	}
	if !port.Closed {
		t.Error("expected port to be closed")
	}
	if !mux.isClosing() {
		t.Error("expected closing flag to be set")
	}

	// Unsubscribing after close should be safe
	mux.Unsubscribe(id1)
}

func TestRandomID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := randomID()
		if len(id) != 16 {
			t.Fatalf("randomID length = %d, want 16", len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
