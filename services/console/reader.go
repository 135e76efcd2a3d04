package console

import (
	"io"
)

const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// input is one event from the port: a complete line, a line that ran past
// the limit, an interrupt (Ctrl-C or Ctrl-D) or a terminal read error.
type input struct {
	line string
	long bool
	intr bool
	err  error
}

// lineReader splits a byte stream into lines on LF, ignoring CR. A line
// longer than max bytes is discarded up to its LF and reported as long. It
// runs until the port returns an error.
type lineReader struct {
	out chan input
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max < 16 {
		max = 16
	}
	lr := &lineReader{out: make(chan input, 4)}
	go lr.run(r, max)
	return lr
}

func (lr *lineReader) Events() <-chan input { return lr.out }

func (lr *lineReader) run(r io.Reader, max int) {
	buf := make([]byte, 64)
	var line []byte
	overflow := false
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\n':
				lr.out <- input{line: string(line), long: overflow}
				line, overflow = line[:0], false
			case '\r':
			case ctrlC, ctrlD:
				line, overflow = line[:0], false
				lr.out <- input{intr: true}
			default:
				switch {
				case overflow:
				case len(line) < max:
					line = append(line, b)
				default:
					overflow = true
				}
			}
		}
		if err != nil {
			if (len(line) > 0 || overflow) && err == io.EOF {
				lr.out <- input{line: string(line), long: overflow}
			}
			lr.out <- input{err: err}
			close(lr.out)
			return
		}
	}
}
