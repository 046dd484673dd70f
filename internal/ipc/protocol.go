// Package ipc serves the scanner over a line protocol on stdin and stdout.
//
// Every input line is one JSON command. Every output line starts with one of
// the prefixes below; DATA carries the JSON answer to a command and FRAME a
// PNG data URI from the live stream.
package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/bloom.scanner/internal/monitoring"
)

// Output line prefixes.
const (
	PrefixStatus = "STATUS:"
	PrefixError  = "ERROR:"
	PrefixData   = "DATA:"
	PrefixFrame  = "FRAME:"
)

// tailBuffer is the per-subscriber backlog of the debug tail.
const tailBuffer = 64

// Writer serializes protocol lines onto one stream. It is safe for use by
// the command loop and the stream worker at once.
type Writer struct {
	mu  sync.Mutex
	out io.Writer

	subMu sync.Mutex
	subs  map[string]chan string
}

// NewWriter returns a Writer emitting on out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, subs: make(map[string]chan string)}
}

// Status emits STATUS:<msg>.
func (p *Writer) Status(msg string) { p.line(PrefixStatus, oneLine(msg)) }

// Statusf emits a formatted STATUS line.
func (p *Writer) Statusf(format string, args ...any) { p.Status(fmt.Sprintf(format, args...)) }

// Error emits ERROR:<msg>.
func (p *Writer) Error(msg string) { p.line(PrefixError, oneLine(msg)) }

// Errorf emits a formatted ERROR line.
func (p *Writer) Errorf(format string, args ...any) { p.Error(fmt.Sprintf(format, args...)) }

// Frame emits FRAME:<data uri>.
func (p *Writer) Frame(uri string) { p.line(PrefixFrame, uri) }

// Data emits DATA:<json of v>. A value that cannot be encoded is reported as
// an ERROR line instead.
func (p *Writer) Data(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		p.Errorf("failed to encode response: %v", err)
		return
	}
	p.line(PrefixData, string(b))
}

func (p *Writer) line(prefix, payload string) {
	p.mu.Lock()
	_, err := io.WriteString(p.out, prefix+payload+"\n")
	p.mu.Unlock()
	if err != nil {
		monitoring.Component("ipc").WithError(err).Warn("protocol write failed")
	}
	p.broadcast(prefix, payload)
}

// Subscribe returns a channel receiving a copy of every emitted line. Frame
// payloads are summarized. Slow subscribers lose lines rather than block the
// protocol.
func (p *Writer) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, tailBuffer)
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subs[id] = ch
	return id, ch
}

// Unsubscribe closes and forgets the subscription id.
func (p *Writer) Unsubscribe(id string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

func (p *Writer) broadcast(prefix, payload string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if len(p.subs) == 0 {
		return
	}
	if prefix == PrefixFrame {
		payload = fmt.Sprintf("<%d bytes>", len(payload))
	}
	for _, ch := range p.subs {
		select {
		case ch <- prefix + payload:
		default:
		}
	}
}

// oneLine keeps a message from breaking the line framing.
func oneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
