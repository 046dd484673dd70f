package ipc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// maxLineBytes bounds one input command. Longer lines are answered with an
// ERROR line and skipped.
const maxLineBytes = 1 << 20

type inputLine struct {
	text    string
	tooLong bool
}

// Serve reads commands from r until EOF or ctx is done, then releases the
// hardware. Lines are handled in order; blank lines are ignored. The
// shutdown status is the last line written.
func (s *Session) Serve(ctx context.Context, r io.Reader) error {
	s.out.Status("IPC handler ready")

	lines := make(chan inputLine)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		readErr <- readLines(ctx, r, lines)
	}()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.out.Status("Shutting down")
			return nil
		case in, ok := <-lines:
			if !ok {
				// The reader reports before closing lines, unless ctx ended.
				var err error
				select {
				case err = <-readErr:
				default:
				}
				s.Close()
				if err != nil {
					s.out.Errorf("Fatal error: %v", err)
					return err
				}
				s.out.Status("Shutting down (end of input)")
				return nil
			}
			if in.tooLong {
				s.out.Errorf("Command too long: exceeds %d bytes", maxLineBytes)
				continue
			}
			line := strings.TrimSpace(in.text)
			if line == "" {
				continue
			}
			s.HandleLine(line)
		}
	}
}

// readLines splits r into lines and sends them on out. A line over
// maxLineBytes is read to its end and sent with tooLong set and no text.
func readLines(ctx context.Context, r io.Reader, out chan<- inputLine) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	tooLong := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !tooLong {
			if len(buf)+len(chunk) > maxLineBytes {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if isPrefix {
			continue
		}

		in := inputLine{text: string(buf), tooLong: tooLong}
		buf, tooLong = buf[:0], false
		select {
		case out <- in:
		case <-ctx.Done():
			return nil
		}
	}
}
